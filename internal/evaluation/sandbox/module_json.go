package sandbox

import (
	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

// JSONModule lets scripts query response bodies with gjson paths.
type JSONModule struct{}

func (JSONModule) Name() string { return "json" }

func (JSONModule) Open(L *lua.LState, env *Env) lua.LValue {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			body := L.CheckString(1)
			path := L.CheckString(2)
			res := gjson.Get(body, path)
			if !res.Exists() {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(ToLua(L, res.Value()))
			return 1
		},
		"decode": func(L *lua.LState) int {
			body := L.CheckString(1)
			if !gjson.Valid(body) {
				L.RaiseError("invalid json")
				return 0
			}
			L.Push(ToLua(L, gjson.Parse(body).Value()))
			return 1
		},
	})
}
