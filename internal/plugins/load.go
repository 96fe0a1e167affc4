package plugins

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	skimlua "skimmerwatch/internal/lua"
)

type LoadOptions struct {
	// Unsafe leaves os, io and friends available to scripts.
	Unsafe bool
	// HTTPTimeout bounds requests made through require("http").
	HTTPTimeout time.Duration
}

// Load registers every *.lua file directly inside dir as a plugin of the given
// kind, named after the file. Units that fail to compile or do not define a
// run function are logged and skipped. Subdirectories are only reachable
// through require.
func (r *Registry) Load(ctx context.Context, dir string, kind Kind, opts LoadOptions) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s plugin directory %s: %w", kind, dir, err)
	}

	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	client := &http.Client{Timeout: opts.HTTPTimeout}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := 0
	for _, file := range names {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}

		path := filepath.Join(dir, file)
		name := strings.TrimSuffix(file, ".lua")

		plugin, err := r.loadUnit(path, name, kind, opts, client)
		if err != nil {
			r.logger.Error("Skipping plugin", "kind", kind, "plugin", name, "path", path, "error", err)
			continue
		}

		if err := r.register(plugin); err != nil {
			plugin.close()
			r.logger.Error("Skipping plugin", "kind", kind, "plugin", name, "path", path, "error", err)
			continue
		}
		loaded++
	}

	r.logger.Info("Plugins loaded", "kind", kind, "dir", dir, "count", loaded)
	return loaded, nil
}

func (r *Registry) loadUnit(path, name string, kind Kind, opts LoadOptions, client *http.Client) (*Plugin, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin: %w", err)
	}

	proto, err := skimlua.Compile(path, string(source))
	if err != nil {
		return nil, err
	}

	unit := &luaUnit{
		name:   name,
		kind:   kind,
		proto:  proto,
		dir:    filepath.Dir(path),
		secure: !opts.Unsafe,
		logger: r.logger,
		client: client,
		rules:  r.RuleEngine,
	}

	// Build one runtime up front so a unit without run() is rejected at load
	// time rather than on first use.
	first, err := unit.newRuntime()
	if err != nil {
		return nil, err
	}
	pool := skimlua.NewPool(unit.newRuntime)
	pool.Put(first)

	plugin := &Plugin{Name: name, Kind: kind, Source: path}
	switch kind {
	case KindRule:
		plugin.rule = &luaRule{unit: unit, pool: pool}
	case KindProcessor:
		plugin.processor = &luaProcessor{unit: unit, pool: pool}
	case KindOutput:
		plugin.output = &luaOutput{unit: unit, pool: pool}
	default:
		pool.Close()
		return nil, fmt.Errorf("unknown plugin kind %q", kind)
	}

	return plugin, nil
}
