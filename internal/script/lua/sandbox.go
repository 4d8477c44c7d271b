package lua

import (
	"fmt"
	"io"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// openSafeLibraries opens base, table, string and math only.
// io, os, debug and package stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// installSandbox removes loaders from the base library and redirects print.
func installSandbox(L *lua.LState, out io.Writer) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(out, strings.Join(parts, "\t"))
		return 0
	}))
}

// libraryGuard holds the pristine sandbox globals and library tables.
// Globals created by scripts are not tracked.
type libraryGuard struct {
	globals map[string]lua.LValue
	tables  map[*lua.LTable]map[lua.LValue]lua.LValue
}

func snapshotLibraries(L *lua.LState) *libraryGuard {
	g := &libraryGuard{
		globals: make(map[string]lua.LValue),
		tables:  make(map[*lua.LTable]map[lua.LValue]lua.LValue),
	}
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		g.globals[string(name)] = v
		if tbl, ok := v.(*lua.LTable); ok && tbl != L.G.Global {
			g.capture(tbl)
		}
	})
	if mt, ok := L.GetMetatable(lua.LString("")).(*lua.LTable); ok {
		g.capture(mt)
	}
	return g
}

func (g *libraryGuard) capture(tbl *lua.LTable) {
	fields := make(map[lua.LValue]lua.LValue)
	tbl.ForEach(func(k, v lua.LValue) { fields[k] = v })
	g.tables[tbl] = fields
}

// restore puts every tracked global and library field back.
func (g *libraryGuard) restore(L *lua.LState) {
	for name, v := range g.globals {
		L.SetGlobal(name, v)
	}
	for tbl, fields := range g.tables {
		var extra []lua.LValue
		tbl.ForEach(func(k, _ lua.LValue) {
			if _, ok := fields[k]; !ok {
				extra = append(extra, k)
			}
		})
		for _, k := range extra {
			tbl.RawSet(k, lua.LNil)
		}
		for k, v := range fields {
			tbl.RawSet(k, v)
		}
	}
}
