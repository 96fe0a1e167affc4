package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/types"
)

// WindowSpan is the widest time window one Next call looks at.
const WindowSpan = time.Hour

type State int

const (
	StateAwaitItem State = iota
	StateDecode
	StateDispatch
	StateReport
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateAwaitItem:
		return "await_item"
	case StateDecode:
		return "decode"
	case StateDispatch:
		return "dispatch"
	case StateReport:
		return "report"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PollState is everything the consumer loop carries between steps. It is
// owned by one loop and passed through Step by value.
type PollState struct {
	State  State
	Window queue.TimeWindow
	Cursor queue.Cursor

	// Sleep is how long the loop waits before the next step.
	Sleep time.Duration

	payload  string
	envelope types.Envelope
	findings []types.Finding
}

type ProcessorRunner interface {
	ProcessorName(name string) string
	RunProcessor(ctx context.Context, name string, data json.RawMessage, settings map[string]interface{}) []types.Finding
}

type Reporter interface {
	Report(ctx context.Context, findings []types.Finding)
}

type OrchestratorConfig struct {
	Queue      queue.Adapter
	Processors ProcessorRunner
	Reporter   Reporter
	// Settings holds per-processor configuration keyed by processor name.
	Settings   map[string]map[string]interface{}
	RateLimit  time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Orchestrator consumes work items one at a time: it takes an item off the
// queue, decodes it, runs the named processor and reports what it found.
type Orchestrator struct {
	queue      queue.Adapter
	processors ProcessorRunner
	reporter   Reporter
	settings   map[string]map[string]interface{}
	rateLimit  time.Duration
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	retries retry.Backoff
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		queue:      cfg.Queue,
		processors: cfg.Processors,
		reporter:   cfg.Reporter,
		settings:   cfg.Settings,
		rateLimit:  cfg.RateLimit,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     cfg.Logger.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// InitialState starts with no consumed item, so the window reaches back to
// the beginning of the log.
func (o *Orchestrator) InitialState() PollState {
	return PollState{
		State:  StateAwaitItem,
		Window: queue.TimeWindow{Latest: o.now()},
	}
}

// Step performs exactly one state transition. It never sleeps; the returned
// state says how long the caller should wait before stepping again.
func (o *Orchestrator) Step(ctx context.Context, st PollState) PollState {
	st.Sleep = 0

	switch st.State {
	case StateAwaitItem:
		return o.awaitItem(ctx, st)
	case StateDecode:
		return o.decode(st)
	case StateDispatch:
		return o.dispatch(ctx, st)
	case StateReport:
		o.reporter.Report(ctx, st.findings)
		return o.idle(st)
	default:
		return o.idle(st)
	}
}

func (o *Orchestrator) awaitItem(ctx context.Context, st PollState) PollState {
	delivery, err := o.queue.Next(ctx, st.Window, st.Cursor)
	if err != nil {
		if ctx.Err() != nil {
			return st
		}
		st.State = StateBackoff
		st.Sleep = o.nextBackoff()
		o.logger.Error("Queue read failed, backing off", "queue", o.queue.Name(), "sleep", st.Sleep, "error", err)
		return st
	}
	o.resetBackoff()

	st.Window = o.advance(delivery.Watermark)
	st.Cursor = ""

	if delivery.Empty() {
		// Nothing newer than the watermark below Latest. Look up to now next
		// time so an idle stretch longer than WindowSpan cannot hide new items.
		st.Window.Latest = o.now()
		st.State = StateAwaitItem
		st.Sleep = o.queue.IdleInterval()
		return st
	}

	st.State = StateDecode
	st.payload = delivery.Payload
	o.logger.Debug("Work item received", "message_id", delivery.MessageID)
	return st
}

// advance moves the window to start at the new watermark and span at most
// WindowSpan, never reaching past now. Empty polls widen Latest to now.
func (o *Orchestrator) advance(watermark time.Time) queue.TimeWindow {
	now := o.now()
	if watermark.IsZero() {
		return queue.TimeWindow{Latest: now}
	}

	latest := watermark.Add(WindowSpan)
	if latest.After(now) {
		latest = now
	}
	return queue.TimeWindow{Oldest: watermark, Latest: latest}
}

func (o *Orchestrator) decode(st PollState) PollState {
	env, err := types.DecodeEnvelope(st.payload)
	st.payload = ""
	if err != nil {
		metrics.MalformedItems.Inc()
		o.logger.Warn("Dropping malformed work item", "error", err, "sleep", o.rateLimit)
		st.State = StateBackoff
		st.Sleep = o.rateLimit
		return st
	}

	st.State = StateDispatch
	st.envelope = env
	return st
}

func (o *Orchestrator) dispatch(ctx context.Context, st PollState) PollState {
	env := st.envelope
	st.envelope = types.Envelope{}

	name := o.processors.ProcessorName(env.Processor)
	metrics.ItemsConsumed.WithLabelValues(name).Inc()
	logger := o.logger.With("run_id", uuid.NewString(), "processor", name)
	logger.Info("Dispatching work item")

	findings := o.processors.RunProcessor(ctx, name, env.Data, o.settings[name])
	if len(findings) == 0 {
		return o.idle(st)
	}

	logger.Info("Work item produced findings", "findings", len(findings))
	st.State = StateReport
	st.findings = findings
	return st
}

func (o *Orchestrator) idle(st PollState) PollState {
	st.State = StateAwaitItem
	st.findings = nil
	return st
}

func (o *Orchestrator) nextBackoff() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.retries == nil {
		o.retries = retry.WithCappedDuration(o.maxBackoff, retry.NewExponential(o.backoff))
	}
	d, _ := o.retries.Next()
	return d
}

func (o *Orchestrator) resetBackoff() {
	o.mu.Lock()
	o.retries = nil
	o.mu.Unlock()
}

// Serve runs the consumer loop until ctx is cancelled.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.logger.Info("Consumer started", "queue", o.queue.Name())

	st := o.InitialState()
	for {
		if st.Sleep > 0 {
			timer := time.NewTimer(st.Sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		st = o.Step(ctx, st)
	}
}

func (o *Orchestrator) String() string {
	return "orchestrator"
}

// HandlePayload runs one payload through decode, dispatch and report without
// touching the queue.
func (o *Orchestrator) HandlePayload(ctx context.Context, payload string) ([]types.Finding, error) {
	env, err := types.DecodeEnvelope(payload)
	if err != nil {
		metrics.MalformedItems.Inc()
		return nil, err
	}

	st := o.dispatch(ctx, PollState{State: StateDispatch, envelope: env})
	if st.State != StateReport {
		return nil, nil
	}

	o.reporter.Report(ctx, st.findings)
	return st.findings, nil
}
