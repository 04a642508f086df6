// script.go: Script items executed in a sandboxed Lua state
//
// A script defines main(config, name) and returns the configuration to use.
// Every run gets a fresh state with only the base, table, string and math
// libraries, so nothing leaks between runs and the result depends only on the
// script and its input.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	lua "github.com/yuin/gopher-lua"
)

const (
	scriptEntry = "main"

	// mapMarker tags tables that were empty Go mappings so they convert back
	// to mappings instead of lists.
	mapMarker = "__verge_map"

	maxScriptLogs = 256
)

// ScriptRunner executes script items.
type ScriptRunner struct {
	timeout time.Duration
}

// NewScriptRunner returns a runner that aborts scripts after timeout.
// A zero timeout disables the limit.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{timeout: timeout}
}

// Run executes source against a copy of config. It returns the document the
// script produced and the messages it logged. Logs collected before a
// failure are returned along with the error.
func (r *ScriptRunner) Run(ctx context.Context, source string, config map[string]interface{}, name string) (result map[string]interface{}, logs []string, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openScriptLibraries(L)
	L.SetContext(ctx)

	capture := &scriptLog{}
	installScriptLogging(L, capture)

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			logs = capture.lines
			err = errors.New(ErrCodeScript, fmt.Sprintf("lua panic: %v", rec))
		}
	}()

	if err := L.DoString(source); err != nil {
		return nil, capture.lines, errors.Wrap(err, ErrCodeScript, "failed to load script")
	}

	fn := L.GetGlobal(scriptEntry)
	if fn.Type() != lua.LTFunction {
		return nil, capture.lines, errors.New(ErrCodeScript, "script does not define main(config, name)")
	}

	arg, err := toLuaValue(L, config)
	if err != nil {
		return nil, capture.lines, errors.Wrap(err, ErrCodeScript, "failed to convert configuration")
	}

	base := L.GetTop()
	L.Push(fn)
	L.Push(arg)
	L.Push(lua.LString(name))
	if err := L.PCall(2, 1, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, capture.lines, errors.Wrap(ctxErr, ErrCodeTimeout, "script exceeded its time limit")
		}
		return nil, capture.lines, errors.Wrap(err, ErrCodeScript, "script raised an error")
	}

	ret := L.Get(base + 1)
	L.SetTop(base)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, capture.lines, errors.New(ErrCodeScript, "main must return a table").
			WithContext("returned", ret.Type().String())
	}

	converted, err := fromLuaValue(table, make(map[*lua.LTable]bool))
	if err != nil {
		return nil, capture.lines, errors.Wrap(err, ErrCodeScript, "failed to convert script result")
	}
	doc, ok := converted.(map[string]interface{})
	if !ok {
		return nil, capture.lines, errors.New(ErrCodeScript, "main must return a mapping, not a list")
	}
	return doc, capture.lines, nil
}

func openScriptLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
}

type scriptLog struct {
	lines []string
}

func (s *scriptLog) add(level string, L *lua.LState) int {
	if len(s.lines) >= maxScriptLogs {
		return 0
	}
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.lines = append(s.lines, level+": "+strings.Join(parts, " "))
	return 0
}

// installScriptLogging routes print and log.<level> into capture.
func installScriptLogging(L *lua.LState, capture *scriptLog) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		return capture.add("log", L)
	}))

	mod := L.NewTable()
	for _, level := range []string{"info", "warn", "error", "debug"} {
		lvl := level
		L.SetField(mod, lvl, L.NewFunction(func(L *lua.LState) int {
			return capture.add(lvl, L)
		}))
	}
	L.SetGlobal("log", mod)
}

// toLuaValue converts a document value into Lua.
func toLuaValue(L *lua.LState, v interface{}) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case int:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case float64:
		return lua.LNumber(val), nil
	case float32:
		return lua.LNumber(val), nil
	case []interface{}:
		t := L.NewTable()
		for i, item := range val {
			lv, err := toLuaValue(L, item)
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case map[string]interface{}:
		t := L.NewTable()
		for _, k := range sortedKeys(val) {
			lv, err := toLuaValue(L, val[k])
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		if len(val) == 0 {
			meta := L.NewTable()
			meta.RawSetString(mapMarker, lua.LTrue)
			L.SetMetatable(t, meta)
		}
		return t, nil
	case time.Time:
		return lua.LString(val.Format(time.RFC3339)), nil
	default:
		return nil, errors.New(ErrCodeScript, fmt.Sprintf("unsupported value type %T", v))
	}
}

// fromLuaValue converts a Lua value back into a document value. Tables with
// keys 1..n become lists, other tables become mappings. An empty table is a
// list unless it carries the mapping marker.
func fromLuaValue(v lua.LValue, visited map[*lua.LTable]bool) (interface{}, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f), nil
		}
		return f, nil
	case *lua.LTable:
		if visited[val] {
			return nil, errors.New(ErrCodeScript, "cyclic table in script result")
		}
		visited[val] = true
		defer delete(visited, val)
		return tableToValue(val, visited)
	default:
		return nil, errors.New(ErrCodeScript, "unsupported lua value: "+v.Type().String())
	}
}

func tableToValue(t *lua.LTable, visited map[*lua.LTable]bool) (interface{}, error) {
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		n, ok := k.(lua.LNumber)
		if !ok || float64(n) != math.Trunc(float64(n)) || n < 1 {
			isArray = false
		}
	})

	if count == 0 {
		if meta, ok := t.Metatable.(*lua.LTable); ok && meta.RawGetString(mapMarker) == lua.LTrue {
			return map[string]interface{}{}, nil
		}
		return []interface{}{}, nil
	}

	if isArray && t.MaxN() == count {
		out := make([]interface{}, count)
		for i := 1; i <= count; i++ {
			item, err := fromLuaValue(t.RawGetInt(i), visited)
			if err != nil {
				return nil, err
			}
			out[i-1] = item
		}
		return out, nil
	}

	out := make(map[string]interface{}, count)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			f := float64(kv)
			if f == math.Trunc(f) {
				key = strconv.FormatInt(int64(f), 10)
			} else {
				key = strconv.FormatFloat(f, 'g', -1, 64)
			}
		default:
			key = k.String()
		}
		item, err := fromLuaValue(v, visited)
		if err != nil {
			convErr = err
			return
		}
		out[key] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}
