package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

type Loader interface {
	Load(identifier string) (string, error)
}

type FilesystemLoader struct {
	basePath string
}

func NewFilesystemLoader(basePath string) *FilesystemLoader {
	return &FilesystemLoader{
		basePath: basePath,
	}
}

func (f *FilesystemLoader) Load(identifier string) (string, error) {
	identifier = strings.ReplaceAll(strings.TrimSuffix(identifier, ".lua"), ".", "/") + ".lua"

	base, err := filepath.Abs(f.basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	path := filepath.Join(base, filepath.FromSlash(identifier))
	if rel, err := filepath.Rel(base, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("module %s escapes plugin directory", identifier)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to load script %s: %w", identifier, err)
	}

	return string(data), nil
}

func SetupRequire(L *lua.LState, loader Loader) {
	originalRequire := L.GetGlobal("require")

	customRequire := L.NewFunction(func(L *lua.LState) int {
		module := L.CheckString(1)

		pkg := L.GetField(L.Get(lua.EnvironIndex), "package")
		preload := L.GetField(pkg, "preload")

		if tbl, ok := preload.(*lua.LTable); ok {
			preloadFn := L.GetField(tbl, module)
			if preloadFn != lua.LNil {
				if fn, ok := originalRequire.(*lua.LFunction); ok {
					L.Push(fn)
					L.Push(lua.LString(module))
					L.Call(1, 1)
					return 1
				}
			}
		}

		loaded, _ := L.GetField(pkg, "loaded").(*lua.LTable)
		if loaded != nil {
			if cached := loaded.RawGetString(module); cached != lua.LNil {
				L.Push(cached)
				return 1
			}
		}

		scriptContent, err := loader.Load(module)
		if err != nil {
			L.RaiseError("failed to require module %s: %s", module, err.Error())
			return 0
		}

		fn, err := L.LoadString(scriptContent)
		if err != nil {
			L.RaiseError("failed to load module %s: %s", module, err.Error())
			return 0
		}

		L.Push(fn)
		L.Call(0, 1)

		result := L.Get(-1)
		if result == lua.LNil {
			result = lua.LTrue
		}
		if loaded != nil {
			loaded.RawSetString(module, result)
		}

		L.Push(result)
		return 1
	})

	if originalRequire != lua.LNil {
		L.SetGlobal("_original_require", originalRequire)
	}
	L.SetGlobal("require", customRequire)
}
