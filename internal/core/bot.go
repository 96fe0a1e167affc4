package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type BotConfig struct {
	Name             string
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
	Logger           *slog.Logger
}

// Bot runs the long-lived services of one process under a supervisor that
// restarts them when they fail.
type Bot struct {
	name       string
	supervisor *suture.Supervisor
	logger     *slog.Logger

	mu       sync.Mutex
	running  bool
	services []string
}

func NewBot(cfg BotConfig) *Bot {
	if cfg.Name == "" {
		cfg.Name = "skimmerwatch"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	handler := &sutureslog.Handler{Logger: cfg.Logger}
	supervisor := suture.New(cfg.Name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})

	return &Bot{
		name:       cfg.Name,
		supervisor: supervisor,
		logger:     cfg.Logger.With("bot", cfg.Name),
	}
}

func (b *Bot) Name() string {
	return b.name
}

// Add registers a service. Services added after Run has started are started
// immediately.
func (b *Bot) Add(service suture.Service) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.supervisor.Add(service)
	b.services = append(b.services, fmt.Sprint(service))
}

func (b *Bot) Services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.services...)
}

// Run blocks until ctx is cancelled or the supervisor gives up. A cancelled
// context is a clean stop and returns nil.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot %s already running", b.name)
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	b.logger.Info("Starting services", "services", b.Services())
	err := b.supervisor.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	if report, rerr := b.supervisor.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		b.logger.Warn("Services did not stop in time", "count", len(report))
	}
	return nil
}

func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
