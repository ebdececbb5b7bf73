package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

// LuaEngine implements Engine on a single gopher-lua state.
// Calls are serialized; an LState is not safe for concurrent use.
type LuaEngine struct {
	mu     sync.Mutex
	state  *lua.LState
	config Config
}

// NewLuaEngine creates a Lua state configured according to config.
func NewLuaEngine(config Config) (*LuaEngine, error) {
	opts := lua.Options{SkipOpenLibs: config.EnableSandboxing}
	if config.CallStackSize > 0 {
		opts.CallStackSize = config.CallStackSize
	}
	L := lua.NewState(opts)

	if config.EnableSandboxing {
		setupSandbox(L)
	}
	registerAPIFunctions(L)

	log.Debug("Created Lua engine", "sandboxed", config.EnableSandboxing, "timeout_ms", config.ScriptTimeoutMs)
	return &LuaEngine{state: L, config: config}, nil
}

// LoadScript implements Engine.
func (e *LuaEngine) LoadScript(name string, content []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return fmt.Errorf("%w: engine closed", memerrors.ErrLuaExecution)
	}

	fn, err := e.state.Load(strings.NewReader(string(content)), name)
	if err != nil {
		return fmt.Errorf("%w: compile %s: %v", memerrors.ErrLuaExecution, name, err)
	}
	e.state.Push(fn)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("%w: run %s: %v", memerrors.ErrLuaExecution, name, err)
	}

	log.Debug("Loaded Lua script", "name", name)
	return nil
}

// LoadScriptFile implements Engine.
func (e *LuaEngine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(filepath.Base(path), content)
}

// LoadScriptDir implements Engine. Files are loaded in name order; only *.lua files are read.
func (e *LuaEngine) LoadScriptDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return fmt.Errorf("failed to list scripts in %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		if err := e.LoadScriptFile(path); err != nil {
			return err
		}
	}
	return nil
}

// HasFunction implements Engine.
func (e *LuaEngine) HasFunction(funcName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	_, ok := e.state.GetGlobal(funcName).(*lua.LFunction)
	return ok
}

// ExecuteFunction implements Engine. The call is bounded by ctx and by the
// configured script timeout, whichever expires first. Only the first return
// value is converted back to Go.
func (e *LuaEngine) ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil, fmt.Errorf("%w: engine closed", memerrors.ErrLuaExecution)
	}

	fn, ok := e.state.GetGlobal(funcName).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, funcName)
	}

	if e.config.ScriptTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.config.ScriptTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	e.state.SetContext(ctx)
	defer e.state.RemoveContext()

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = convertGoToLua(e.state, arg)
	}

	top := e.state.GetTop()
	err := e.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...)
	if err != nil {
		e.state.SetTop(top)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", memerrors.ErrLuaExecution, funcName, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %v", memerrors.ErrLuaExecution, funcName, err)
	}

	ret := e.state.Get(-1)
	e.state.SetTop(top)
	return convertLuaToGo(ret), nil
}

// Close implements Engine.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	return nil
}

// convertGoToLua converts common Go values into Lua values. Unknown types are
// passed as their string form.
func convertGoToLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case time.Time:
		return lua.LNumber(v.Unix())
	case []string:
		t := L.NewTable()
		for _, s := range v {
			t.Append(lua.LString(s))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for _, item := range v {
			t.Append(convertGoToLua(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range v {
			t.RawSetString(k, convertGoToLua(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range v {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// convertLuaToGo converts a Lua value into Go. Tables with only consecutive
// integer keys starting at 1 become []interface{}; other tables become
// map[string]interface{}. Numbers become float64.
func convertLuaToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 && countKeys(v) == n {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, convertLuaToGo(v.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]interface{})
		v.ForEach(func(key, val lua.LValue) {
			m[key.String()] = convertLuaToGo(val)
		})
		return m
	default:
		return v.String()
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
