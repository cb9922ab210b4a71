// Copyright (c) 2024 The Mstarc Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package cfg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/cfg"
	"mstarc/codegen"
	"mstarc/ir"
)

func buildGraph(t *testing.T, source, funcName string) *cfg.Graph {
	t.Helper()
	pkg := ast.ParseString("test.mstar", source)
	ast.Check(pkg)
	funcs, _ := ir.BuildProgram(pkg, false)
	var src *ir.Function
	for _, f := range funcs {
		if f.Name == funcName {
			src = f
		}
	}
	require.NotNil(t, src)
	fn, _ := codegen.Emit(src)
	return cfg.Build(fn)
}

func TestBuildLinearFunctionHasOneBlock(t *testing.T) {
	g := buildGraph(t, `
		func f(x int) int {
			return x + 1;
		}
	`, "f")
	require.Len(t, g.Blocks, 1)
	require.Empty(t, g.Entry.Preds)
	require.Empty(t, g.Entry.Succs)
}

func TestBuildIfSplitsIntoFourBlocks(t *testing.T) {
	g := buildGraph(t, `
		func f(x int) int {
			if (x > 0) {
				return 1;
			}
			return 0;
		}
	`, "f")
	require.Len(t, g.Blocks, 4)
	require.Len(t, g.Entry.Succs, 2, "the branch at entry should fan out to the then- and else-blocks")
}

func TestBuildWhileLoopHasBackEdge(t *testing.T) {
	g := buildGraph(t, `
		func f(n int) int {
			let i = 0;
			while (i < n) {
				i = i + 1;
			}
			return i;
		}
	`, "f")
	dt := cfg.BuildDomTree(g)
	found := false
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			if dt.IsDominator(s, b) {
				found = true
			}
		}
	}
	require.True(t, found, "a while loop must produce a back edge to its header")
}

func TestDomTreeEntryDominatesEveryBlock(t *testing.T) {
	g := buildGraph(t, `
		func f(x int) int {
			if (x > 0) {
				return 1;
			} else {
				return 2;
			}
		}
	`, "f")
	dt := cfg.BuildDomTree(g)
	for _, b := range g.Blocks {
		require.True(t, dt.IsDominator(g.Entry, b))
	}
}

func TestLoopDepthIsZeroOutsideAnyLoop(t *testing.T) {
	g := buildGraph(t, `
		func f(x int) int {
			return x;
		}
	`, "f")
	dt := cfg.BuildDomTree(g)
	require.Equal(t, 0, cfg.LoopDepth(dt, g.Entry))
}

func TestLoopDepthIsPositiveInsideALoop(t *testing.T) {
	g := buildGraph(t, `
		func f(n int) int {
			let i = 0;
			while (i < n) {
				i = i + 1;
			}
			return i;
		}
	`, "f")
	dt := cfg.BuildDomTree(g)
	maxDepth := 0
	for _, b := range g.Blocks {
		if d := cfg.LoopDepth(dt, b); d > maxDepth {
			maxDepth = d
		}
	}
	require.Greater(t, maxDepth, 0)
}
