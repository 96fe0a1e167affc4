package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/loader"
	"skimmerwatch/internal/logging"
	"skimmerwatch/internal/types"
)

var (
	configPath = flag.String("config", "config.toml", "Path to configuration file")
	mode       = flag.String("mode", "", "Override app.mode: consumer, producer or all")
	once       = flag.String("once", "", "Process one work item from this file (- for stdin) and exit")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if *mode != "" {
		cfg.App.Mode = *mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("Configuration loaded", "path", *configPath, "mode", cfg.App.Mode, "queue", cfg.Queue.Type)

	l := loader.NewLoader(cfg, logger)

	if *once != "" {
		return runOnce(ctx, l, *once)
	}

	st, err := l.Initialize(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		st.Close(closeCtx)
	}()

	logger.Info("Starting bot", "name", st.Bot.Name())
	if err := st.Run(ctx); err != nil {
		return err
	}

	logger.Info("Bot stopped successfully")
	return nil
}

func runOnce(ctx context.Context, l *loader.Loader, path string) error {
	var payload []byte
	var err error
	if path == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read work item: %w", err)
	}

	st, err := l.InitializeOneShot(ctx)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	findings, err := st.Orchestrator.HandlePayload(ctx, string(payload))
	if err != nil {
		return fmt.Errorf("failed to handle work item: %w", err)
	}

	if findings == nil {
		findings = []types.Finding{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{"results": findings})
}
