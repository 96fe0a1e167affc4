package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cjoudrey/gluahttp"
	"github.com/goccy/go-json"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"

	skimlua "skimmerwatch/internal/lua"
	"skimmerwatch/internal/types"
)

const entrypoint = "run"

type luaUnit struct {
	name   string
	kind   Kind
	proto  *lua.FunctionProto
	dir    string
	secure bool
	logger *slog.Logger
	client *http.Client
	rules  func() RuleRunner
}

func (u *luaUnit) newRuntime() (*skimlua.Runtime, error) {
	options := []skimlua.RuntimeOption{
		skimlua.WithSecureMode(u.secure),
		skimlua.WithLoader(skimlua.NewFilesystemLoader(u.dir)),
		skimlua.WithPreload("json", luajson.Loader),
		skimlua.WithModules(
			skimlua.NewLogModule(u.logger.With("plugin", u.name, "kind", string(u.kind))),
			skimlua.NewHTMLModule(),
		),
	}

	if u.kind != KindRule {
		options = append(options, skimlua.WithPreload("http", gluahttp.NewHttpModule(u.client).Loader))
	}

	if u.kind == KindProcessor && u.rules != nil {
		options = append(options, skimlua.WithModules(skimlua.NewRulesModule(
			func(ctx context.Context, script string, metadata map[string]interface{}) []string {
				url, _ := metadata["url"].(string)
				return u.rules().RunRules(ctx, types.ContentSample{URL: url, Body: []byte(script), Metadata: metadata})
			},
		)))
	}

	rt, err := skimlua.NewRuntime(options...)
	if err != nil {
		return nil, err
	}

	if err := rt.LoadProto(u.proto); err != nil {
		rt.Close()
		return nil, err
	}

	if !rt.HasFunction(entrypoint) {
		rt.Close()
		return nil, fmt.Errorf("%s does not define a %s function", u.name, entrypoint)
	}

	return rt, nil
}

// call borrows a runtime, invokes run and returns it to the pool. Runtimes
// whose call failed are discarded.
func (u *luaUnit) call(ctx context.Context, pool *skimlua.Pool, args ...interface{}) ([]interface{}, error) {
	rt, err := pool.Get()
	if err != nil {
		return nil, err
	}

	results, err := rt.ExecuteContext(ctx, entrypoint, args...)
	if err != nil {
		rt.Close()
		return nil, err
	}

	pool.Put(rt)
	return results, nil
}

type luaRule struct {
	unit *luaUnit
	pool *skimlua.Pool
}

func (r *luaRule) Name() string { return r.unit.name }

func (r *luaRule) Evaluate(ctx context.Context, script string, metadata map[string]interface{}) (bool, error) {
	results, err := r.unit.call(ctx, r.pool, script, metadata)
	if err != nil {
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	hit, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T, want boolean", results[0])
	}
	return hit, nil
}

func (r *luaRule) Close() error {
	r.pool.Close()
	return nil
}

type luaProcessor struct {
	unit *luaUnit
	pool *skimlua.Pool
}

func (p *luaProcessor) Name() string { return p.unit.name }

func (p *luaProcessor) Process(ctx context.Context, data json.RawMessage, settings map[string]interface{}, _ RuleRunner) ([]types.Finding, error) {
	results, err := p.unit.call(ctx, p.pool, data, settings)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == nil {
		return nil, nil
	}

	return decodeFindings(results[0])
}

func (p *luaProcessor) Close() error {
	p.pool.Close()
	return nil
}

type luaOutput struct {
	unit *luaUnit
	pool *skimlua.Pool
}

func (o *luaOutput) Name() string { return o.unit.name }

func (o *luaOutput) Emit(ctx context.Context, findings []types.Finding, settings map[string]interface{}) error {
	generic, err := toGeneric(findings)
	if err != nil {
		return err
	}

	_, err = o.unit.call(ctx, o.pool, generic, settings)
	return err
}

func (o *luaOutput) Close() error {
	o.pool.Close()
	return nil
}

// decodeFindings accepts either {results = {...}} or a bare list of finding
// tables as returned by a Lua processor.
func decodeFindings(value interface{}) ([]types.Finding, error) {
	if m, ok := value.(map[string]interface{}); ok {
		results, found := m["results"]
		if !found {
			return nil, nil
		}
		value = results
	}

	list, ok := value.([]interface{})
	if !ok {
		// An empty Lua table converts to an empty map.
		return nil, nil
	}

	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if fired, ok := entry["fired_rules"].(map[string]interface{}); ok && len(fired) == 0 {
			entry["fired_rules"] = []interface{}{}
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode processor results: %w", err)
	}

	var findings []types.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return nil, fmt.Errorf("processor returned malformed findings: %w", err)
	}
	return findings, nil
}

func toGeneric(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
