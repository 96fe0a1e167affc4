package lua

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

type Runtime struct {
	state      *lua.LState
	secureMode bool
	modules    []Module
	preloads   map[string]lua.LGFunction
	loader     Loader
}

type RuntimeOption func(*Runtime)

func WithLoader(loader Loader) RuntimeOption {
	return func(r *Runtime) {
		r.loader = loader
	}
}

func WithSecureMode(secure bool) RuntimeOption {
	return func(r *Runtime) {
		r.secureMode = secure
	}
}

// WithModules registers Go backed globals such as html or log.
func WithModules(modules ...Module) RuntimeOption {
	return func(r *Runtime) {
		r.modules = append(r.modules, modules...)
	}
}

// WithPreload makes a module available through require(name).
func WithPreload(name string, loader lua.LGFunction) RuntimeOption {
	return func(r *Runtime) {
		r.preloads[name] = loader
	}
}

func NewRuntime(options ...RuntimeOption) (*Runtime, error) {
	runtime := &Runtime{
		state:      lua.NewState(),
		secureMode: true,
		preloads:   make(map[string]lua.LGFunction),
	}

	for _, opt := range options {
		opt(runtime)
	}

	for name, loader := range runtime.preloads {
		runtime.state.PreloadModule(name, loader)
	}

	if runtime.loader != nil {
		SetupRequire(runtime.state, runtime.loader)
	}

	for _, module := range runtime.modules {
		if err := RegisterModule(runtime.state, module); err != nil {
			runtime.state.Close()
			return nil, fmt.Errorf("failed to register lua module %s: %w", module.Name(), err)
		}
	}

	if runtime.secureMode {
		runtime.setupSecureState()
	}

	return runtime, nil
}

func (r *Runtime) State() *lua.LState {
	return r.state
}

func (r *Runtime) setupSecureState() {
	r.state.SetGlobal("os", lua.LNil)
	r.state.SetGlobal("io", lua.LNil)
	r.state.SetGlobal("debug", lua.LNil)
	r.state.SetGlobal("dofile", lua.LNil)
	r.state.SetGlobal("loadfile", lua.LNil)
}

// Compile parses and compiles a chunk once so many runtimes can share it.
func Compile(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	return proto, nil
}

func (r *Runtime) LoadScript(scriptContent string) error {
	if err := r.state.DoString(scriptContent); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	return nil
}

// LoadProto runs a compiled chunk so the globals it defines become callable.
func (r *Runtime) LoadProto(proto *lua.FunctionProto) error {
	r.state.Push(r.state.NewFunctionFromProto(proto))
	if err := r.state.PCall(0, lua.MultRet, nil); err != nil {
		r.state.SetTop(0)
		return fmt.Errorf("failed to load %s: %w", proto.SourceName, err)
	}
	r.state.SetTop(0)
	return nil
}

func (r *Runtime) HasFunction(functionName string) bool {
	_, ok := r.state.GetGlobal(functionName).(*lua.LFunction)
	return ok
}

func (r *Runtime) Execute(functionName string, args ...interface{}) ([]interface{}, error) {
	fn := r.state.GetGlobal(functionName)
	if fn == lua.LNil {
		return nil, fmt.Errorf("function %s not found", functionName)
	}

	luaFn, ok := fn.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", functionName)
	}

	r.state.SetTop(0)
	r.state.Push(luaFn)
	for _, arg := range args {
		r.state.Push(ToLuaValue(r.state, arg))
	}

	if err := r.state.PCall(len(args), lua.MultRet, nil); err != nil {
		r.state.SetTop(0)
		return nil, fmt.Errorf("lua execution error: %w", err)
	}

	numResults := r.state.GetTop()
	results := make([]interface{}, numResults)
	for i := 1; i <= numResults; i++ {
		results[i-1] = ToGoValue(r.state.Get(i))
	}

	r.state.SetTop(0)

	return results, nil
}

// ExecuteContext is Execute bounded by ctx; a cancelled context aborts the
// running script.
func (r *Runtime) ExecuteContext(ctx context.Context, functionName string, args ...interface{}) ([]interface{}, error) {
	r.state.SetContext(ctx)
	defer r.state.RemoveContext()

	return r.Execute(functionName, args...)
}

func (r *Runtime) Close() error {
	if r.state != nil {
		r.state.Close()
	}
	return nil
}
