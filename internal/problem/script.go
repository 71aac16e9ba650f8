package problem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/pavelanni/grader/internal/calc"
	"github.com/pavelanni/grader/internal/sandbox"
)

// scriptTimeout bounds each author script.
const scriptTimeout = 2 * time.Second

// authorContext is what author scripts produce: names available when
// evaluating reference answers.
type authorContext struct {
	vars  map[string]complex128
	funcs map[string]calc.Func
}

func newLuaState(in *Instance) (*lua.LState, error) {
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
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("random", L.NewFunction(func(L *lua.LState) int {
		lo, hi := float64(L.CheckNumber(1)), float64(L.CheckNumber(2))
		L.Push(lua.LNumber(lo + in.rng.Float64()*(hi-lo)))
		return 1
	}))
	L.SetGlobal("randint", L.NewFunction(func(L *lua.LState) int {
		lo, hi := L.CheckInt64(1), L.CheckInt64(2)
		if hi < lo {
			L.ArgError(2, "empty interval")
		}
		L.Push(lua.LNumber(lo + in.rng.Int64N(hi-lo+1)))
		return 1
	}))
	mathLib := L.GetGlobal("math").(*lua.LTable)
	L.SetField(mathLib, "random", L.NewFunction(func(L *lua.LState) int {
		switch L.GetTop() {
		case 0:
			L.Push(lua.LNumber(in.rng.Float64()))
		case 1:
			m := L.CheckInt64(1)
			if m < 1 {
				L.ArgError(1, "interval is empty")
			}
			L.Push(lua.LNumber(1 + in.rng.Int64N(m)))
		default:
			m, n := L.CheckInt64(1), L.CheckInt64(2)
			if n < m {
				L.ArgError(2, "interval is empty")
			}
			L.Push(lua.LNumber(m + in.rng.Int64N(n-m+1)))
		}
		return 1
	}))
	L.SetField(mathLib, "randomseed", L.NewFunction(func(*lua.LState) int { return 0 }))
	return L, nil
}

func globalNames(L *lua.LState) map[string]bool {
	names := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names[string(s)] = true
		}
	})
	return names
}

// runScripts executes the definition's scripts in order and collects the
// numbers and functions they define.
func (in *Instance) runScripts(ctx context.Context) (*authorContext, error) {
	actx := &authorContext{vars: map[string]complex128{}, funcs: map[string]calc.Func{}}
	if len(in.def.Scripts) == 0 {
		return actx, nil
	}

	var builtins map[string]bool
	for i, s := range in.def.Scripts {
		switch s.Lang {
		case ScriptLua:
			if in.lua == nil {
				L, err := newLuaState(in)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrScript, err)
				}
				in.lua = L
				builtins = globalNames(L)
			}
			if err := in.runLua(ctx, s.Source); err != nil {
				return nil, fmt.Errorf("%w: script %d: %v", ErrScript, i+1, err)
			}
		case ScriptPython:
			vars, err := in.runPython(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("%w: script %d: %v", ErrScript, i+1, err)
			}
			for k, v := range vars {
				actx.vars[k] = v
			}
		}
	}

	if in.lua != nil {
		in.lua.G.Global.ForEach(func(k, v lua.LValue) {
			name, ok := k.(lua.LString)
			if !ok || builtins[string(name)] {
				return
			}
			switch v := v.(type) {
			case lua.LNumber:
				actx.vars[string(name)] = complex(float64(v), 0)
			case *lua.LFunction:
				actx.funcs[string(name)] = in.luaFunc(string(name), v)
			}
		})
	}
	return actx, nil
}

func (in *Instance) runLua(ctx context.Context, src string) error {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	in.lua.SetContext(ctx)
	defer in.lua.RemoveContext()
	return in.lua.DoString(src)
}

// luaFunc adapts a script function to the evaluator's function signature.
// Failures panic; the evaluator turns them into evaluation errors.
func (in *Instance) luaFunc(name string, fn *lua.LFunction) calc.Func {
	return func(z complex128) complex128 {
		if imag(z) != 0 {
			panic(fmt.Sprintf("%s: complex argument %v", name, z))
		}
		L := in.lua
		ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
		defer cancel()
		L.SetContext(ctx)
		defer L.RemoveContext()
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(real(z))); err != nil {
			panic(fmt.Sprintf("%s: %v", name, err))
		}
		ret := L.Get(-1)
		L.Pop(1)
		n, ok := ret.(lua.LNumber)
		if !ok {
			panic(fmt.Sprintf("%s returned %s, not a number", name, ret.Type()))
		}
		return complex(float64(n), 0)
	}
}

type pythonScriptInput struct {
	Seed uint32 `json:"seed"`
}

// runPython runs a python script in the sandbox. The script receives
// {"seed": n} on stdin and must print a JSON object of name to number.
func (in *Instance) runPython(ctx context.Context, s Script) (map[string]complex128, error) {
	stdin, err := json.Marshal(pythonScriptInput{Seed: in.state.Seed})
	if err != nil {
		return nil, err
	}
	res, err := in.runner.Run(ctx, sandbox.Job{Command: s.Command, Code: s.Source, Stdin: stdin})
	if err != nil {
		return nil, err
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("exited with status %d: %s", res.Status, res.Stderr)
	}
	var values map[string]float64
	if err := json.Unmarshal([]byte(res.Stdout), &values); err != nil {
		return nil, fmt.Errorf("output is not a JSON object of numbers: %v", err)
	}
	out := make(map[string]complex128, len(values))
	for k, v := range values {
		out[k] = complex(v, 0)
	}
	return out, nil
}
