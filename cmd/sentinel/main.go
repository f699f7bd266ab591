package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentinelhq/sentinel/internal/api"
	"github.com/sentinelhq/sentinel/internal/scan"
)

const version = "0.1.0"

func main() {
	fs := flag.NewFlagSet("sentinel", flag.ExitOnError)
	runAsync := fs.Bool("async", false, "run the scan loop in the background and block on signals")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: sentinel [flags] <config.yml|config.json>\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("sentinel %s\n", version)
		return
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := scan.LoadConfig(fs.Arg(0))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Global.LogLevel)

	scanner, err := scan.New(cfg)
	if err != nil {
		slog.Error("failed to create scanner", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Global.ListenAddr != "" {
		go serveAPI(ctx, cfg.Global.ListenAddr, scanner)
	}

	if *runAsync {
		scanner.Start()
		<-ctx.Done()
		scanner.Stop()
		return
	}
	if err := scanner.Run(ctx); err != nil {
		slog.Error("scanner stopped with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func serveAPI(ctx context.Context, addr string, scanner *scan.Scanner) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(scanner).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("introspection API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("introspection API failed", "error", err)
	}
}
