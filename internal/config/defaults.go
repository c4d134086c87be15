package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/licitasearch/data/db/licitacoes.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/licitasearch/data/indices/bleve"
	}
	if cfg.PNCP.RequestTimeout == 0 {
		cfg.PNCP.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.PNCP.PageSize == 0 {
		cfg.PNCP.PageSize = 50
	}
	if cfg.PNCP.MaxRetries == 0 {
		cfg.PNCP.MaxRetries = 3
	}
	if cfg.PNCP.RetryDelay == 0 {
		cfg.PNCP.RetryDelay = Duration(time.Second)
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Duration(time.Hour)
	}
	if cfg.Sync.LookbackDays == 0 {
		cfg.Sync.LookbackDays = 3
	}
	if cfg.Sync.Modalidades == nil {
		// Pregão eletrônico, dispensa, concorrência eletrônica.
		cfg.Sync.Modalidades = []int{6, 8, 4}
	}
	if cfg.Search.DefaultSize == 0 {
		cfg.Search.DefaultSize = 20
	}
	if cfg.Search.MaxSize == 0 {
		cfg.Search.MaxSize = 100
	}
	if cfg.Search.StatsMonths == 0 {
		cfg.Search.StatsMonths = 12
	}
	if cfg.Search.CacheSize == 0 {
		cfg.Search.CacheSize = 512
	}
	if cfg.Search.CacheTTL == 0 {
		cfg.Search.CacheTTL = Duration(5 * time.Minute)
	}
}
