package lua

import (
	"context"
	"log/slog"

	lua "github.com/yuin/gopher-lua"
)

// LogModule exposes log.debug/info/warn/error to scripts. An optional table
// argument is attached as structured attributes.
type LogModule struct {
	logger *slog.Logger
}

func NewLogModule(logger *slog.Logger) *LogModule {
	return &LogModule{
		logger: logger,
	}
}

func (l *LogModule) Name() string {
	return "log"
}

func (l *LogModule) Register(L *lua.LState) error {
	logTable := L.NewTable()

	L.SetField(logTable, "debug", L.NewFunction(l.logAt(slog.LevelDebug)))
	L.SetField(logTable, "info", L.NewFunction(l.logAt(slog.LevelInfo)))
	L.SetField(logTable, "warn", L.NewFunction(l.logAt(slog.LevelWarn)))
	L.SetField(logTable, "error", L.NewFunction(l.logAt(slog.LevelError)))

	L.SetGlobal("log", logTable)
	return nil
}

func (l *LogModule) logAt(level slog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		message := L.CheckString(1)
		if l.logger == nil {
			return 0
		}

		var args []any
		if fields, ok := L.Get(2).(*lua.LTable); ok {
			fields.ForEach(func(key, value lua.LValue) {
				if k, ok := key.(lua.LString); ok {
					args = append(args, string(k), ToGoValue(value))
				}
			})
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		l.logger.Log(ctx, level, message, args...)
		return 0
	}
}
