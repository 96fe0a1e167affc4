package plugins

import (
	"context"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/types"
)

type Kind string

const (
	KindRule      Kind = "rule"
	KindProcessor Kind = "processor"
	KindOutput    Kind = "output"
)

// Rule decides whether a script body looks malicious.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, script string, metadata map[string]interface{}) (bool, error)
}

// RuleRunner evaluates one sample against every loaded rule and returns the
// names of the rules that fired.
type RuleRunner interface {
	RunRules(ctx context.Context, sample types.ContentSample) []string
}

// Processor turns one work item's data into findings.
type Processor interface {
	Name() string
	Process(ctx context.Context, data json.RawMessage, settings map[string]interface{}, rules RuleRunner) ([]types.Finding, error)
}

// Output delivers a non-empty finding set somewhere.
type Output interface {
	Name() string
	Emit(ctx context.Context, findings []types.Finding, settings map[string]interface{}) error
}

// Plugin is the registry's record of one loaded unit. Exactly one of the
// capability fields is set, matching Kind.
type Plugin struct {
	Name   string
	Kind   Kind
	Source string

	rule      Rule
	processor Processor
	output    Output
}

type closer interface {
	Close() error
}

func (p *Plugin) close() error {
	var impl interface{}
	switch p.Kind {
	case KindRule:
		impl = p.rule
	case KindProcessor:
		impl = p.processor
	case KindOutput:
		impl = p.output
	}
	if c, ok := impl.(closer); ok {
		return c.Close()
	}
	return nil
}

// RuleFunc adapts a plain function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, script string, metadata map[string]interface{}) (bool, error)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Evaluate(ctx context.Context, script string, metadata map[string]interface{}) (bool, error) {
	return r.Fn(ctx, script, metadata)
}
