package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

type Registry struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	plugins map[Kind]map[string]*Plugin
	aliases map[string]string
	engine  RuleRunner
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		logger: logger,
		plugins: map[Kind]map[string]*Plugin{
			KindRule:      {},
			KindProcessor: {},
			KindOutput:    {},
		},
		aliases: make(map[string]string),
	}
	r.engine = r
	return r
}

func (r *Registry) register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Kind][p.Name]; exists {
		return fmt.Errorf("%s plugin %s already registered", p.Kind, p.Name)
	}
	r.plugins[p.Kind][p.Name] = p
	r.logger.Info("Plugin registered", "kind", p.Kind, "plugin", p.Name, "source", p.Source)
	return nil
}

func (r *Registry) RegisterRule(rule Rule) error {
	return r.register(&Plugin{Name: rule.Name(), Kind: KindRule, Source: "builtin", rule: rule})
}

func (r *Registry) RegisterProcessor(processor Processor) error {
	return r.register(&Plugin{Name: processor.Name(), Kind: KindProcessor, Source: "builtin", processor: processor})
}

func (r *Registry) RegisterOutput(output Output) error {
	return r.register(&Plugin{Name: output.Name(), Kind: KindOutput, Source: "builtin", output: output})
}

// Alias makes a processor reachable under a second name, for work items
// posted by older producers.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = target
}

// SetRuleEngine replaces what processors receive as their rule runner,
// normally a caching RuleEngine wrapping this registry.
func (r *Registry) SetRuleEngine(engine RuleRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

func (r *Registry) RuleEngine() RuleRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins[kind]))
	for name := range r.plugins[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(kind Kind, name string) bool {
	return r.lookup(kind, name) != nil
}

// ProcessorName returns the registered name an alias points at, or name
// itself when it is not an alias.
func (r *Registry) ProcessorName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.plugins[KindProcessor][name]; ok {
		return name
	}
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

func (r *Registry) lookup(kind Kind, name string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.plugins[kind][name]; ok {
		return p
	}
	if kind == KindProcessor {
		if target, ok := r.aliases[name]; ok {
			return r.plugins[kind][target]
		}
	}
	return nil
}

func (r *Registry) rules() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*Plugin, 0, len(r.plugins[KindRule]))
	for _, p := range r.plugins[KindRule] {
		rules = append(rules, p)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// RunRules evaluates the sample against every rule in name order. A rule that
// errors or panics counts as not fired.
func (r *Registry) RunRules(ctx context.Context, sample types.ContentSample) []string {
	script := sample.Text()
	fired := make([]string, 0)

	for _, p := range r.rules() {
		var hit bool
		err := r.isolate(KindRule, p.Name, func() error {
			var err error
			hit, err = p.rule.Evaluate(ctx, script, sample.Metadata)
			return err
		})
		if err != nil || !hit {
			continue
		}
		metrics.RuleHits.WithLabelValues(p.Name).Inc()
		fired = append(fired, p.Name)
	}

	return fired
}

// RunProcessor invokes a processor on one work item's data. Unknown
// processors and faults are logged and produce no findings. Findings without
// fired rules are dropped.
func (r *Registry) RunProcessor(ctx context.Context, name string, data json.RawMessage, settings map[string]interface{}) []types.Finding {
	p := r.lookup(KindProcessor, name)
	if p == nil {
		r.logger.Error("Unknown processor", "processor", name)
		return nil
	}

	if settings == nil {
		settings = map[string]interface{}{}
	}

	var findings []types.Finding
	err := r.isolate(KindProcessor, p.Name, func() error {
		var err error
		findings, err = p.processor.Process(ctx, data, settings, r.RuleEngine())
		return err
	})
	if err != nil {
		return nil
	}

	kept := findings[:0]
	for _, f := range findings {
		if f.Valid() {
			kept = append(kept, f)
		}
	}
	return kept
}

// RunOutput delivers findings through one output. The returned error is
// already logged; callers only use it for accounting.
func (r *Registry) RunOutput(ctx context.Context, name string, findings []types.Finding, settings map[string]interface{}) error {
	p := r.lookup(KindOutput, name)
	if p == nil {
		r.logger.Error("Unknown output", "output", name)
		return fmt.Errorf("output %s not registered", name)
	}

	if settings == nil {
		settings = map[string]interface{}{}
	}

	return r.isolate(KindOutput, p.Name, func() error {
		return p.output.Emit(ctx, findings, settings)
	})
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, plugins := range r.plugins {
		for name, p := range plugins {
			if err := p.close(); err != nil {
				r.logger.Warn("Failed to close plugin", "kind", kind, "plugin", name, "error", err)
			}
		}
	}
	return nil
}
