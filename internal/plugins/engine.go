package plugins

import (
	"context"
	"log/slog"
	"time"

	"skimmerwatch/internal/cache"
	"skimmerwatch/internal/types"
)

type verdictKey struct {
	url  string
	hash string
}

// RuleEngine fronts the registry's rules with a verdict cache keyed by script
// URL and content hash, so a script shared by many pages is evaluated once.
type RuleEngine struct {
	registry *Registry
	verdicts *cache.Cache[verdictKey, []string]
}

// NewRuleEngine builds an engine over registry. A zero ttl disables caching.
func NewRuleEngine(registry *Registry, ttl time.Duration, logger *slog.Logger) *RuleEngine {
	engine := &RuleEngine{registry: registry}
	if ttl > 0 {
		engine.verdicts = cache.NewCache[verdictKey, []string](cache.CacheConfig{TTL: ttl, Logger: logger}, func(k verdictKey) string {
			return k.url + "|" + k.hash
		})
	}
	return engine
}

func (e *RuleEngine) RunRules(ctx context.Context, sample types.ContentSample) []string {
	if e.verdicts == nil {
		return e.registry.RunRules(ctx, sample)
	}

	key := verdictKey{url: sample.URL, hash: sample.Hash()}
	if fired, ok := e.verdicts.Get(key); ok {
		return fired
	}

	fired := e.registry.RunRules(ctx, sample)
	e.verdicts.Set(key, fired)
	return fired
}

func (e *RuleEngine) Close() error {
	if e.verdicts != nil {
		return e.verdicts.Close()
	}
	return nil
}
