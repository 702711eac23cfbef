package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal"
	"github.com/tuannm99/novacore/internal/engine"
	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/logger"
)

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".novacore_history"
	}
	return filepath.Join(home, ".novacore_history")
}

func loadConfig(path string) (*internal.NovaCoreConfig, error) {
	if path == "" {
		return internal.DefaultConfig()
	}
	return internal.LoadConfig(path)
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("metrics.listen", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics.serve", zap.Error(err))
		}
	}()
}

// closeOnDone closes c once ctx is done.
func closeOnDone(ctx context.Context, c io.Closer) {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
}

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML config file (defaults apply when empty)")
		create   = flag.Bool("create", false, "create a new engine instead of opening one")
		histPath = flag.String("history", defaultHistoryPath(), "history file path")
	)
	flag.Parse()

	if err := run(*cfgPath, *create, *histPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, create bool, histPath string) (err error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { err = errors.Join(err, closeLog()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.EngineOptions()
	opts.Logger = log
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.New(reg)
		serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
	}

	var e *engine.Engine
	if create {
		e, err = engine.Create(opts)
	} else {
		e, err = engine.Open(opts)
	}
	if err != nil {
		log.Error("engine.start", zap.Error(err))
		return fmt.Errorf("engine: %w", err)
	}
	defer func() { err = errors.Join(err, e.Close()) }()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "novacore> ",
		HistoryFile:     histPath,
		HistoryLimit:    2000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	// a signal ends the loop like EOF; the command in flight finishes first
	closeOnDone(ctx, rl)

	fmt.Printf("%s opened at %s\n", cfg.AppName, e.Path())
	fmt.Println("type \\help for help")

	sh := NewShell(e, os.Stdout)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			fmt.Println("^C")
			continue
		}
		if err != nil {
			// EOF or closed by a signal
			fmt.Println()
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := sh.Exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Printf("error: %v\n", err)
		}
	}
}
