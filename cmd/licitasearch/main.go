// Package main is the LicitaSearch CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/config"
	"github.com/licitahub/licitasearch/internal/index"
	"github.com/licitahub/licitasearch/internal/pncp"
	"github.com/licitahub/licitasearch/internal/search"
	"github.com/licitahub/licitasearch/internal/server"
	"github.com/licitahub/licitasearch/internal/storage"
	"github.com/licitahub/licitasearch/internal/syncer"
	"github.com/licitahub/licitasearch/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/licitasearch/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// .env is optional; environment overrides live there in development.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "sync":
		runSync()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("licitasearch version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// components bundles everything a run needs; Close releases in reverse order.
type components struct {
	Storage storage.Storage
	Index   *index.Service
	Client  *pncp.Client
	Builder *search.Builder
	Syncer  *syncer.Syncer
}

func (c *components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	idxOpts := []index.ServiceOption{}
	if debug {
		idxOpts = append(idxOpts, index.WithLogger(logger))
	}
	idx, err := index.NewService(cfg.Storage.BleveIndexPath, idxOpts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	clientOpts := []pncp.ClientOption{}
	if debug {
		clientOpts = append(clientOpts, pncp.WithLogger(logger))
	}
	client := pncp.NewClient(cfg.PNCP.BaseURL, cfg.PNCP.RequestTimeout.Std(), clientOpts...)

	sync := syncer.NewSyncer(client, store, idx,
		syncer.WithPageSize(cfg.PNCP.PageSize),
		syncer.WithRetry(cfg.PNCP.MaxRetries, cfg.PNCP.RetryDelay.Std()),
		syncer.WithLogger(logger),
	)

	return &components{
		Storage: store,
		Index:   idx,
		Client:  client,
		Builder: search.NewBuilder(cfg.Search.MaxSize, cfg.Search.StatsMonths),
		Syncer:  sync,
	}, nil
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	comps, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer comps.Close()

	scheduler := syncer.NewScheduler(comps.Syncer, cfg.Sync.Modalidades, cfg.Sync.LookbackDays, logger)
	if cfg.Sync.Enabled {
		scheduler.Start(cfg.Sync.Interval.Std())
		defer scheduler.Stop()
	}

	watchOpts := []config.WatcherOption{}
	if debugMode {
		watchOpts = append(watchOpts, config.WithLogger(logger))
	}
	cfgWatch := config.NewWatcher(resolvedConfigPath, func(next *config.Config) {
		scheduler.SetInterval(next.Sync.Interval.Std())
	}, watchOpts...)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := cfgWatch.Start(watchCtx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	}

	srv := server.NewServer(comps.Index, comps.Storage, comps.Builder, comps.Syncer, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cfgWatch.Stop()
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runSync() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = run locally without the server)")
	dataInicial := fs.String("data-inicial", "", "window start, YYYYMMDD (default: lookback days ago)")
	dataFinal := fs.String("data-final", "", "window end, YYYYMMDD (default: today)")
	modalidade := fs.Int("modalidade", 0, "contratação modality code (0 = all configured)")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	if *dataFinal == "" {
		*dataFinal = now.Format("20060102")
	}
	if *dataInicial == "" {
		*dataInicial = now.AddDate(0, 0, -(cfg.Sync.LookbackDays - 1)).Format("20060102")
	}
	modalidades := cfg.Sync.Modalidades
	if *modalidade != 0 {
		modalidades = []int{*modalidade}
	}

	if *serverURL != "" {
		// Use the HTTP API when the server is running (avoids bleve/SQLite
		// lock conflicts with the server process).
		for _, codigo := range modalidades {
			result, err := syncViaHTTP(*serverURL, *dataInicial, *dataFinal, codigo)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Sync of modality %d failed: %v\n", codigo, err)
				os.Exit(1)
			}
			printSyncResult(result)
		}
		return
	}

	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	comps, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer comps.Close()

	results, err := comps.Syncer.SyncAll(context.Background(), *dataInicial, *dataFinal, modalidades)
	for _, result := range results {
		printSyncResult(result)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		os.Exit(1)
	}
}

func syncViaHTTP(serverURL, dataInicial, dataFinal string, codigoModalidade int) (*syncer.Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"data_inicial":      dataInicial,
		"data_final":        dataFinal,
		"codigo_modalidade": codigoModalidade,
	})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/sync", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var result syncer.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func printSyncResult(result *syncer.Result) {
	fmt.Printf("Modality %d: %d processed (%d created, %d updated), %d skipped, %d pages\n",
		result.CodigoModalidade, result.Processed, result.Created, result.Updated,
		result.Skipped, result.Pages)
	for reason, count := range result.SkipReasons {
		fmt.Printf("  skipped %d: %s\n", count, reason)
	}
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	uf := fs.String("uf", "", "filter by UF")
	modalidadeF := fs.String("modalidade", "", "filter by modality name")
	situacao := fs.String("situacao", "", "filter by situação")
	size := fs.Int("size", 10, "number of results")
	page := fs.Int("page", 1, "result page (1-based)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	params := url.Values{}
	if fs.NArg() > 0 {
		params.Set("q", joinArgs(fs.Args()))
	}
	if *uf != "" {
		params.Set("uf", *uf)
	}
	if *modalidadeF != "" {
		params.Set("modalidade", *modalidadeF)
	}
	if *situacao != "" {
		params.Set("situacao", *situacao)
	}
	params.Set("size", strconv.Itoa(*size))
	params.Set("page", strconv.Itoa(*page))

	resp, err := http.Get(*serverURL + "/api/v1/licitacoes?" + params.Encode())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}

	if *outputFormat == "json" {
		_, _ = io.Copy(os.Stdout, resp.Body)
		return
	}

	var result struct {
		Total uint64 `json:"total"`
		Page  int    `json:"page"`
		Pages int    `json:"pages"`
		Items []struct {
			ExternalID    string   `json:"id_externo"`
			ObjetoCompra  string   `json:"objeto_compra"`
			Orgao         string   `json:"orgao"`
			UF            string   `json:"uf"`
			Modalidade    string   `json:"modalidade"`
			ValorEstimado *float64 `json:"valor_estimado"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d results (page %d of %d)\n\n", result.Total, result.Page, result.Pages)
	for _, item := range result.Items {
		fmt.Printf("[%s] %s\n", item.ExternalID, item.ObjetoCompra)
		line := "  " + item.Orgao
		if item.UF != "" {
			line += " (" + item.UF + ")"
		}
		if item.Modalidade != "" {
			line += " - " + item.Modalidade
		}
		if item.ValorEstimado != nil {
			line += fmt.Sprintf(" - R$ %.2f", *item.ValorEstimado)
		}
		fmt.Println(line)
	}
}

// joinArgs joins positional args with spaces so multi-word queries work the
// same with or without shell quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/api/v1/stats")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}

	if *outputFormat == "json" {
		_, _ = io.Copy(os.Stdout, resp.Body)
		return
	}

	var stats struct {
		Total     int64 `json:"total"`
		Situacoes []struct {
			Key   string `json:"key"`
			Count int    `json:"count"`
		} `json:"situacoes"`
		ValorEstimado struct {
			Count int64   `json:"count"`
			Sum   float64 `json:"sum"`
			Avg   float64 `json:"avg"`
		} `json:"valor_estimado"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Licitações: %d\n", stats.Total)
	fmt.Printf("With estimated value: %d (sum R$ %.2f, avg R$ %.2f)\n",
		stats.ValorEstimado.Count, stats.ValorEstimado.Sum, stats.ValorEstimado.Avg)
	if len(stats.Situacoes) > 0 {
		fmt.Println("By situação:")
		for _, b := range stats.Situacoes {
			fmt.Printf("  %-40s %d\n", b.Key, b.Count)
		}
	}
}

func printUsage() {
	fmt.Println(`licitasearch - PNCP procurement sync and search

Usage:
  licitasearch server [-config path] [-debug]     start the HTTP server
  licitasearch sync [flags]                       run a synchronization window
  licitasearch search [flags] <query>             search licitações
  licitasearch status [-server url]               show index statistics
  licitasearch version                            print version
  licitasearch help                               show this help

Sync flags:
  -data-inicial YYYYMMDD   window start (default: lookback days ago)
  -data-final YYYYMMDD     window end (default: today)
  -modalidade N            single modality code (default: all configured)
  -server URL              use a running server ("" = sync locally)

Search flags:
  -uf XX -modalidade NAME -situacao NAME -page N -size N -output text|json`)
}
