package luahost

import (
	"context"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// newState creates a Lua state with the safe standard libraries and a log
// table bound to logger.
func newState(logger *slog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	logTbl := L.NewTable()
	for name, level := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		L.SetField(logTbl, name, L.NewFunction(logFunc(logger, level)))
	}
	L.SetGlobal("log", logTbl)
	L.SetGlobal("print", L.NewFunction(logFunc(logger, slog.LevelInfo)))

	return L
}

// logFunc joins its arguments with spaces, like print.
func logFunc(logger *slog.Logger, level slog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Log(context.Background(), level, strings.Join(parts, " "), slog.String("origin", "lua"))
		return 0
	}
}
