package components

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/plugins"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeComponent struct {
	name    string
	deps    []string
	initErr error
	events  *[]string
}

func (f *fakeComponent) Name() string           { return f.name }
func (f *fakeComponent) Dependencies() []string { return f.deps }
func (f *fakeComponent) Validate() error        { return nil }

func (f *fakeComponent) Initialize(context.Context) error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}

func (f *fakeComponent) Close(context.Context) error {
	*f.events = append(*f.events, "close:"+f.name)
	return errors.New("close failure is only logged")
}

func TestRegistryLifecycleOrder(t *testing.T) {
	var events []string
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(&fakeComponent{name: "server", deps: []string{"plugins"}, events: &events}))
	require.NoError(t, r.Register(&fakeComponent{name: "plugins", deps: []string{"platforms"}, events: &events}))
	require.NoError(t, r.Register(&fakeComponent{name: "platforms", events: &events}))
	assert.Error(t, r.Register(&fakeComponent{name: "platforms", events: &events}))

	ctx := context.Background()
	require.NoError(t, r.InitializeAll(ctx))
	assert.Equal(t, []string{"platforms", "plugins", "server"}, r.Order())

	require.NoError(t, r.CloseAll(ctx))
	assert.Equal(t, []string{
		"init:platforms", "init:plugins", "init:server",
		"close:server", "close:plugins", "close:platforms",
	}, events)
}

func TestRegistryClosesOnlyInitialized(t *testing.T) {
	var events []string
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(&fakeComponent{name: "a", events: &events}))
	require.NoError(t, r.Register(&fakeComponent{name: "b", deps: []string{"a"}, initErr: errors.New("boom"), events: &events}))

	ctx := context.Background()
	err := r.InitializeAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "component b initialization failed")

	require.NoError(t, r.CloseAll(ctx))
	assert.Equal(t, []string{"init:a", "init:b", "close:a"}, events)
}

func TestRegistryRejectsMissingDependency(t *testing.T) {
	var events []string
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(&fakeComponent{name: "a", deps: []string{"ghost"}, events: &events}))
	assert.Error(t, r.InitializeAll(context.Background()))
	assert.Empty(t, events)
}

func TestRegistryGetPanicsOnUnknown(t *testing.T) {
	r := NewRegistry(nil)
	assert.Panics(t, func() { r.Get("nope") })
}

func TestQueueComponentRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.QueueConfig{
		Type:  config.QueueRedis,
		Redis: config.RedisQueueConfig{Addr: mr.Addr(), Stream: "work"},
	}

	c := NewQueueComponent(cfg, nil, quietLogger())
	assert.Empty(t, c.Dependencies())
	require.NoError(t, c.Validate())

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	defer c.Close(ctx)

	assert.Equal(t, "redis", c.Adapter().Name())
	assert.Empty(t, c.ChannelID())

	env, err := types.NewEnvelope(names.PageScrape, []string{"https://shop.example"})
	require.NoError(t, err)
	payload, err := env.Encode()
	require.NoError(t, err)
	_, err = c.Adapter().Post(ctx, payload, queue.PostOptions{})
	require.NoError(t, err)

	d, err := c.Adapter().Next(ctx, queue.TimeWindow{}, "")
	require.NoError(t, err)
	assert.Equal(t, payload, d.Payload)
}

func TestQueueComponentChatNeedsDiscord(t *testing.T) {
	cfg := config.QueueConfig{Type: config.QueueChat, Chat: config.ChatQueueConfig{Platform: "discord", ChannelID: "1"}}

	assert.Error(t, NewQueueComponent(cfg, nil, quietLogger()).Validate())

	platforms := NewPlatformComponent(nil, quietLogger())
	c := NewQueueComponent(cfg, platforms, quietLogger())
	assert.Equal(t, []string{PlatformComponentName}, c.Dependencies())
	require.NoError(t, c.Validate())

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestPlatformComponentRejectsUnknownType(t *testing.T) {
	c := NewPlatformComponent(map[string]config.PlatformConfig{
		"pager": {Type: "pager", Enabled: true},
		"slack": {Type: "slack", Enabled: false},
	}, quietLogger())
	assert.Error(t, c.Validate())

	c = NewPlatformComponent(map[string]config.PlatformConfig{
		"slack": {Type: "slack", Enabled: false},
	}, quietLogger())
	require.NoError(t, c.Validate())
	require.NoError(t, c.Initialize(context.Background()))
	assert.Nil(t, c.Discord())
}

func writeRule(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	return dir
}

func TestPluginComponentRegistersBuiltins(t *testing.T) {
	rules := writeRule(t, "exfil.lua", `function run(script, response) return string.find(script, "atob", 1, true) ~= nil end`)
	enabled := true
	cfg := &config.Config{
		Plugins: config.PluginsConfig{RuleDir: rules, ProcessorDir: filepath.Join(rules, "missing")},
		Outputs: []config.OutputConfig{
			{Name: names.FeedOutput, Enabled: &enabled, Settings: map[string]interface{}{"title": "hits"}},
			{Name: "pagerduty"},
		},
	}

	platforms := NewPlatformComponent(nil, quietLogger())
	c := NewPluginComponent(cfg, platforms, quietLogger())
	require.NoError(t, c.Validate())

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	defer c.Close(ctx)

	reg := c.Registry()
	assert.Equal(t, []string{"exfil"}, reg.Names(plugins.KindRule))
	assert.Equal(t, []string{names.PageScrape, names.ScanReport}, reg.Names(plugins.KindProcessor))
	assert.True(t, reg.Has(plugins.KindProcessor, names.LegacyScanReport))
	assert.True(t, reg.Has(plugins.KindProcessor, names.LegacyPageScrape))
	assert.True(t, reg.Has(plugins.KindOutput, names.WebhookOutput))
	assert.True(t, reg.Has(plugins.KindOutput, names.FeedOutput))
	assert.False(t, reg.Has(plugins.KindOutput, names.ChatOutput))
	require.NotNil(t, c.Feed())

	fired := reg.RuleEngine().RunRules(ctx, types.ContentSample{URL: "https://x/a.js", Body: []byte("eval(atob('x'))")})
	assert.Equal(t, []string{"exfil"}, fired)
}

func TestPluginComponentNeedsRuleDir(t *testing.T) {
	cfg := &config.Config{Plugins: config.PluginsConfig{RuleDir: filepath.Join(t.TempDir(), "absent")}}
	c := NewPluginComponent(cfg, NewPlatformComponent(nil, quietLogger()), quietLogger())
	require.NoError(t, c.Validate())

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestServerComponent(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{App: config.AppConfig{Name: "test"}}

	disabled := NewServerComponent(cfg, nil, quietLogger())
	assert.Empty(t, disabled.Dependencies())
	require.NoError(t, disabled.Initialize(ctx))
	assert.Nil(t, disabled.Server())

	cfg.Server = config.ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}
	pluginComp := NewPluginComponent(cfg, nil, quietLogger())
	enabled := NewServerComponent(cfg, pluginComp, quietLogger())
	assert.Equal(t, []string{PluginComponentName}, enabled.Dependencies())
	require.NoError(t, enabled.Initialize(ctx))
	assert.NotNil(t, enabled.Server())
}
