// Command listingproof captures timestamped evidence of a listing's price
// and payment tooltips.
//
// Usage:
//
//	listingproof -config listingproof.yaml              # serve HTTP + MCP
//	listingproof -stock 2319928 -location Portland      # capture once, print JSON
//	listingproof -mcp stdio                             # MCP over stdin/stdout
//
// Environment: ADDR, DB_PATH, CAPTURES_DIR, LOG_LEVEL, ADMIN_USER,
// ADMIN_PASSWORD_HASH (bcrypt; admin routes are disabled when unset).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/listingproof/evidence"
)

var version = "dev"

func main() {
	configPath := flag.String("config", env("CONFIG", ""), "path to listingproof.yaml")
	addr := flag.String("addr", env("ADDR", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", env("DB_PATH", ""), "path to the SQLite ledger")
	capturesDir := flag.String("captures", env("CAPTURES_DIR", ""), "directory for capture artifacts")
	stock := flag.String("stock", "", "stock id to capture once (with -location)")
	location := flag.String("location", "", "location code for -stock")
	mcpMode := flag.String("mcp", env("MCP_TRANSPORT", "http"), "MCP transport: http, stdio or off")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(*configPath, *dbPath, *capturesDir)
	if err != nil {
		logger.Error("listingproof: config", "error", err)
		os.Exit(1)
	}

	if *stock != "" || *location != "" {
		if err := captureOnce(ctx, logger, cfg, *stock, *location); err != nil {
			logger.Error("listingproof: capture", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, logger, cfg, *addr, *mcpMode); err != nil {
		logger.Error("listingproof: fatal", "error", err)
		os.Exit(1)
	}
}

func resolveConfig(configPath, dbPath, capturesDir string) (*evidence.Config, error) {
	cfg := &evidence.Config{}
	if configPath != "" {
		var err error
		if cfg, err = evidence.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if capturesDir != "" {
		cfg.CapturesDir = capturesDir
	}
	return cfg, nil
}

// captureOnce runs a single capture and prints the attempt. A failed
// attempt is printed too and makes the command exit non-zero.
func captureOnce(ctx context.Context, logger *slog.Logger, cfg *evidence.Config, stock, location string) error {
	svc, err := evidence.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	a, capErr := svc.Capture(ctx, stock, location)
	if a != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	return capErr
}

func run(ctx context.Context, logger *slog.Logger, cfg *evidence.Config, addr, mcpMode string) error {
	svc, err := evidence.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()
	svc.Start(ctx)

	var mcpSrv *mcp.Server
	if mcpMode != "off" {
		mcpSrv = mcp.NewServer(&mcp.Implementation{Name: "listingproof", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
	}
	if mcpMode == "stdio" {
		logger.Info("listingproof: mcp on stdio")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}
	if mcpMode != "http" {
		mcpSrv = nil
	}

	h, rl, err := newServer(svc, logger, serverOptions{
		AdminUser: env("ADMIN_USER", "admin"),
		AdminHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		MCP:       mcpSrv,
	})
	if err != nil {
		return err
	}
	rl.StartReloader(ctx.Done())

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Captures hold the connection for the whole browser session.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listingproof: listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	logger.Info("listingproof: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("listingproof: shutdown", "error", err)
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
