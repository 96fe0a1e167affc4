package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/types"
)

// Input is a source of references to scan, such as a search API or a feed.
type Input interface {
	Name() string
	// Processor names the processor that understands this input's refs.
	Processor() string
	// Poll returns results newer than since, newest first.
	Poll(ctx context.Context, since time.Time) ([]types.SearchHit, error)
}

type ProducerState struct {
	Watermark Watermark
}

type ProducerConfig struct {
	Input      Input
	Queue      queue.Adapter
	Schedule   string
	NumWorkers int
	Logger     *slog.Logger
}

// Producer turns new input results into work items on a schedule.
type Producer struct {
	input      Input
	queue      queue.Adapter
	schedule   string
	numWorkers int
	logger     *slog.Logger

	mu    sync.Mutex
	state ProducerState
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Producer{
		input:      cfg.Input,
		queue:      cfg.Queue,
		schedule:   cfg.Schedule,
		numWorkers: cfg.NumWorkers,
		logger:     cfg.Logger.With("component", "producer", "input", cfg.Input.Name()),
	}
}

// Poll runs one producer cycle. On error the previous state is returned, so
// the next cycle retries from the same watermark; batches posted before the
// failure may then be posted again.
func (p *Producer) Poll(ctx context.Context, st ProducerState) (ProducerState, error) {
	var since time.Time
	if st.Watermark.Valid {
		since = st.Watermark.Time
	}

	hits, err := p.input.Poll(ctx, since)
	if err != nil {
		return st, fmt.Errorf("input %s poll failed: %w", p.input.Name(), err)
	}

	kept, watermark := Dedupe(hits, st.Watermark)
	refs := make([]string, 0, len(kept))
	for _, hit := range kept {
		refs = append(refs, hit.Ref)
	}

	shards := Shard(refs, p.numWorkers)
	for i, shard := range shards {
		env, err := types.NewEnvelope(p.input.Processor(), shard)
		if err != nil {
			return st, err
		}
		payload, err := env.Encode()
		if err != nil {
			return st, err
		}
		if _, err := p.queue.Post(ctx, payload, queue.PostOptions{}); err != nil {
			return st, fmt.Errorf("failed to post batch %d/%d: %w", i+1, len(shards), err)
		}
		metrics.BatchesPosted.WithLabelValues(p.input.Name()).Inc()
	}

	p.logger.Info("Poll complete", "results", len(hits), "new", len(refs), "batches", len(shards), "watermark", watermark.Time)
	return ProducerState{Watermark: watermark}, nil
}

func (p *Producer) runOnce(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.Poll(ctx, p.state)
	if err != nil {
		p.logger.Error("Poll failed", "error", err)
	}
	p.state = next
}

// Serve polls once right away and then on the configured schedule until ctx
// is cancelled.
func (p *Producer) Serve(ctx context.Context) error {
	logger := cronLogger{p.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(p.schedule, func() { p.runOnce(ctx) }); err != nil {
		return types.Configurationf("invalid schedule %q for input %s: %v", p.schedule, p.input.Name(), err)
	}

	p.runOnce(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (p *Producer) String() string {
	return "producer:" + p.input.Name()
}

// PostBanner announces a started producer. The banner carries marker so the
// consumer treats it as already consumed.
func PostBanner(ctx context.Context, q queue.Adapter, text, marker string) error {
	if _, err := q.Post(ctx, text, queue.PostOptions{AckHint: marker}); err != nil {
		return fmt.Errorf("failed to post banner: %w", err)
	}
	return nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
