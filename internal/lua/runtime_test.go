package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSecureModeStripsHostAccess(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`function sandboxed() return os == nil and io == nil and dofile == nil end`))
	results, err := rt.Execute("sandboxed")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{true}, results)
}

func TestCompiledProtoSharedAcrossRuntimes(t *testing.T) {
	proto, err := Compile("double.lua", `function run(n) return n * 2 end`)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rt, err := NewRuntime()
		require.NoError(t, err)
		require.NoError(t, rt.LoadProto(proto))
		assert.True(t, rt.HasFunction("run"))

		results, err := rt.Execute("run", i)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{float64(i * 2)}, results)
		rt.Close()
	}
}

func TestCompileReportsSyntaxErrors(t *testing.T) {
	_, err := Compile("broken.lua", `function run( return end`)
	assert.Error(t, err)
}

func TestExecuteErrors(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`
		value = 1
		function explode() error("kaboom") end
	`))

	_, err = rt.Execute("missing")
	assert.ErrorContains(t, err, "not found")

	_, err = rt.Execute("value")
	assert.ErrorContains(t, err, "not a function")

	_, err = rt.Execute("explode")
	assert.ErrorContains(t, err, "kaboom")
}

func TestExecuteContextAbortsLongScripts(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`function spin() while true do end end`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = rt.ExecuteContext(ctx, "spin")
	assert.Error(t, err)
}

func TestValueConversion(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`
		function echo(meta, list)
			return { url = meta.url, status = meta.status, first = list[1], n = #list }
		end
	`))

	results, err := rt.Execute("echo",
		map[string]interface{}{"url": "http://a/x.js", "status": int64(200)},
		[]string{"a", "b"},
	)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]interface{}{
		"url":    "http://a/x.js",
		"status": float64(200),
		"first":  "a",
		"n":      float64(2),
	}, results[0])
}

func TestFilesystemRequire(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "util.lua"),
		[]byte(`return { shout = function(s) return string.upper(s) end }`), 0o600))

	rt, err := NewRuntime(WithLoader(NewFilesystemLoader(dir)))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`
		local util = require("lib.util")
		function run(s) return util.shout(s) end
	`))
	results, err := rt.Execute("run", "skim")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"SKIM"}, results)

	_, err = NewFilesystemLoader(dir).Load("../escape")
	assert.ErrorContains(t, err, "escapes")
}

func TestHTMLScripts(t *testing.T) {
	rt, err := NewRuntime(WithModules(NewHTMLModule()))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`
		function run(page)
			local doc = html.parse(page)
			local out = {}
			for _, s in ipairs(html.scripts(doc)) do
				table.insert(out, s.src or s.inline)
			end
			return out
		end
	`))

	results, err := rt.Execute("run", `<html><script src="/a.js"></script><script>var x=1;</script></html>`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]interface{}{"/a.js", "var x=1;"}}, results)
}

func TestHTMLSelect(t *testing.T) {
	rt, err := NewRuntime(WithModules(NewHTMLModule()))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`
		function run(page)
			local doc = html.parse(page)
			local out = {}
			for _, el in ipairs(html.select(doc, "form input")) do
				table.insert(out, el.tag .. ":" .. (el.attrs.name or ""))
			end
			return out
		end
	`))

	results, err := rt.Execute("run", `<form action="https://drop.example/c"><input name="cc_number"><input name="cvv"></form>`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]interface{}{"input:cc_number", "input:cvv"}}, results)
}

func TestRulesModule(t *testing.T) {
	var seen map[string]interface{}
	module := NewRulesModule(func(_ context.Context, script string, metadata map[string]interface{}) []string {
		seen = metadata
		if script == "bad" {
			return []string{"skimmer"}
		}
		return nil
	})

	rt, err := NewRuntime(WithModules(module))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.LoadScript(`function run(s) return rules.run(s, { url = "http://x" }) end`))

	results, err := rt.Execute("run", "bad")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]interface{}{"skimmer"}}, results)
	assert.Equal(t, "http://x", seen["url"])
}

func TestPoolReusesRuntimes(t *testing.T) {
	created := 0
	pool := NewPool(func() (*Runtime, error) {
		created++
		return NewRuntime()
	})

	a, err := pool.Get()
	require.NoError(t, err)
	b, err := pool.Get()
	require.NoError(t, err)
	pool.Put(a)
	pool.Put(b)
	assert.Equal(t, 2, pool.Idle())

	c, err := pool.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	pool.Put(c)

	pool.Close()
	_, err = pool.Get()
	assert.Error(t, err)
}
