package scripting

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/lexlapax/memfact/pkg/log"
)

// setupSandbox opens only the safe standard libraries and removes functions
// that can reach the file system or load arbitrary code.
func setupSandbox(L *lua.LState) {
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

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "io", "os", "package", "debug"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(safePrint))
}

// safePrint redirects Lua's print to the logger
func safePrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}

	log.Info("Lua print", "message", strings.Join(parts, "\t"))
	return 0
}
