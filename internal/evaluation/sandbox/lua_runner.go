package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloudeval/internal/evaluation/model"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/logger"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const (
	msgTimeout        = "timeout"
	msgNoResult       = "script did not return a result"
	msgPassedNotBool  = "result.passed must be a boolean"
	msgModuleNotFound = "module not allowed"
	maxPrintedBytes   = 64 * 1024
)

// Env is what a capability module sees of the current run.
type Env struct {
	Context     context.Context
	Credentials *model.CloudCredentials
	Provider    model.CloudProvider
}

// Module is a capability a script can obtain through require.
type Module interface {
	Name() string
	Open(L *lua.LState, env *Env) lua.LValue
}

// LuaConfig configures the Lua runner.
type LuaConfig struct {
	Timeout  time.Duration
	MaxSleep time.Duration
	// AllowedModules is the default allow-list; empty means DefaultModules.
	AllowedModules []string
}

// LuaRunner executes scripts in a restricted gopher-lua state.
type LuaRunner struct {
	timeout  time.Duration
	maxSleep time.Duration
	allowed  []string
	modules  map[string]Module
}

// NewLuaRunner creates a runner exposing the given capability modules.
func NewLuaRunner(cfg LuaConfig, modules ...Module) *LuaRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultMaxSleep
	}
	allowed := cfg.AllowedModules
	if len(allowed) == 0 {
		allowed = DefaultModules
	}
	r := &LuaRunner{
		timeout:  cfg.Timeout,
		maxSleep: cfg.MaxSleep,
		allowed:  append([]string(nil), allowed...),
		modules:  make(map[string]Module, len(modules)),
	}
	for _, m := range modules {
		r.modules[m.Name()] = m
	}
	return r
}

// Run executes req.Script. The caller is released when the timeout elapses even
// if the script goroutine is still inside a blocking module call.
func (r *LuaRunner) Run(ctx context.Context, req Request) Result {
	timeout := r.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	allowed := r.allowed
	if req.Modules != nil {
		allowed = req.Modules
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan Result, 1)
	go func() {
		done <- r.execute(runCtx, req, allowed)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		cancel()
		return res
	case <-timer.C:
		cancel()
		logger.Warn(ctx, "validation script timed out", zap.Duration("timeout", timeout))
		return Failed(msgTimeout)
	case <-ctx.Done():
		cancel()
		return Failed(ctx.Err().Error())
	}
}

func (r *LuaRunner) execute(ctx context.Context, req Request, allowed []string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Failed(fmt.Sprintf("script panicked: %v", rec))
		}
	}()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	if err := openSafeLibs(L); err != nil {
		return Failed(err.Error())
	}
	out := &printBuffer{}
	env := &Env{Context: ctx, Credentials: req.Credentials, Provider: req.Provider}
	r.installGlobals(L, env, allowed, out)

	fn, err := L.LoadString(req.Script)
	if err != nil {
		return Failed(scriptError(err))
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return Failed(scriptError(err))
	}
	ret := L.Get(-1)
	L.Pop(1)

	if _, ok := ret.(*lua.LTable); !ok {
		if validate, ok := L.GetGlobal("validate").(*lua.LFunction); ok {
			L.Push(validate)
			L.Push(L.GetGlobal("credentials"))
			if err := L.PCall(1, 1, nil); err != nil {
				return Failed(scriptError(err))
			}
			ret = L.Get(-1)
			L.Pop(1)
		}
	}

	res = normalize(ret)
	if res.Evidence == "" {
		res.Evidence = out.String()
	}
	return res
}

func openSafeLibs(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open lua lib %q failed: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

func (r *LuaRunner) installGlobals(L *lua.LState, env *Env, allowed []string, out *printBuffer) {
	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}
	loaded := make(map[string]lua.LValue)

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		m, ok := r.modules[name]
		if !permitted[name] || !ok {
			L.RaiseError("%s: %s", msgModuleNotFound, name)
			return 0
		}
		v := m.Open(L, env)
		loaded[name] = v
		L.Push(v)
		return 1
	}))

	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
		if d > r.maxSleep {
			d = r.maxSleep
		}
		if d <= 0 {
			return 0
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-env.Context.Done():
			L.RaiseError("%s", env.Context.Err().Error())
		}
		return 0
	}))

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		out.Println(strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("provider", lua.LString(env.Provider))
	L.SetGlobal("credentials", ToLua(L, stringMap(env.Credentials.Public())))
}

func normalize(ret lua.LValue) Result {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Failed(msgNoResult)
	}
	passed, ok := tbl.RawGetString("passed").(lua.LBool)
	if !ok {
		return Failed(msgPassedNotBool)
	}
	return Result{
		Passed:   bool(passed),
		Evidence: textField(tbl.RawGetString("evidence")),
		Error:    textField(tbl.RawGetString("error")),
	}
}

func textField(v lua.LValue) string {
	switch val := v.(type) {
	case *lua.LNilType:
		return ""
	case lua.LString:
		return string(val)
	case *lua.LTable:
		data, err := json.Marshal(FromLua(val))
		if err != nil {
			return val.String()
		}
		return string(data)
	default:
		return v.String()
	}
}

// scriptError extracts the Lua-level message without the interpreter stack trace.
func scriptError(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// IsModuleNotAllowed reports whether a result failed on the allow-list.
func IsModuleNotAllowed(res Result) bool {
	return !res.Passed && strings.Contains(res.Error, msgModuleNotFound)
}

// AsError converts a failed result into a coded error.
func AsError(res Result) error {
	switch {
	case res.Passed:
		return nil
	case res.Error == msgTimeout:
		return appErr.New(appErr.SandboxTimeout)
	case IsModuleNotAllowed(res):
		return appErr.New(appErr.ModuleNotAllowed).WithMessage(res.Error)
	case res.Error == msgNoResult || res.Error == msgPassedNotBool:
		return appErr.New(appErr.MalformedScriptResult).WithMessage(res.Error)
	case res.Error != "":
		return appErr.New(appErr.ScriptError).WithMessage(res.Error)
	}
	return nil
}

type printBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *printBuffer) Println(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sb.Len() >= maxPrintedBytes {
		return
	}
	b.sb.WriteString(line)
	b.sb.WriteByte('\n')
}

func (b *printBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimRight(b.sb.String(), "\n")
}

func stringMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
