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
package dataflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/cfg"
	"mstarc/codegen"
	"mstarc/dataflow"
	"mstarc/ir"
)

func emitFunc(t *testing.T, source, name string) *codegen.Func {
	t.Helper()
	pkg := ast.ParseString("test.mstar", source)
	ast.Check(pkg)
	funcs, _ := ir.BuildProgram(pkg, false)
	var src *ir.Function
	for _, f := range funcs {
		if f.Name == name {
			src = f
		}
	}
	require.NotNil(t, src)
	fn, _ := codegen.Emit(src)
	return fn
}

func TestLivenessParamDeadAfterLastUse(t *testing.T) {
	fn := emitFunc(t, `
		func f(x int, y int) int {
			let z = x + 1;
			return z;
		}
	`, "f")
	g := cfg.Build(fn)
	ls := dataflow.Liveness(g, fn.NumVRegs)
	// y (vreg 1) is never used, so it should not be live-out of the entry block.
	require.False(t, ls.Out[g.Entry].IsSet(1))
}

func TestLivenessFixpointIsStable(t *testing.T) {
	fn := emitFunc(t, `
		func f(n int) int {
			let i = 0;
			let acc = 0;
			while (i < n) {
				acc = acc + i;
				i = i + 1;
			}
			return acc;
		}
	`, "f")
	g := cfg.Build(fn)
	ls1 := dataflow.Liveness(g, fn.NumVRegs)
	ls2 := dataflow.Liveness(g, fn.NumVRegs)
	for _, b := range g.Blocks {
		require.True(t, ls1.In[b].Equals(ls2.In[b]))
		require.True(t, ls1.Out[b].Equals(ls2.Out[b]))
	}
}

func TestConstantPropagationReplacesSingleDefUse(t *testing.T) {
	fn := emitFunc(t, `
		func f() int {
			let x = 5;
			return x + 1;
		}
	`, "f")
	dataflow.PropagateConstantsAndCopies(fn)
	movesFromLiteralFive := 0
	for _, i := range fn.Instrs {
		if i.Op == codegen.Mov {
			if imm, ok := i.Src1.(codegen.Imm); ok && imm.Value == 5 {
				movesFromLiteralFive++
			}
		}
	}
	require.GreaterOrEqual(t, movesFromLiteralFive, 2, "the copy of x into the add's operand should fold back to the literal 5")
}

func TestDeadStoreEliminationRemovesUnusedAssignment(t *testing.T) {
	fn := emitFunc(t, `
		func f() int {
			let unused = 1 + 2;
			return 3;
		}
	`, "f")
	before := len(fn.Instrs)
	removed := dataflow.EliminateDeadStores(fn, fn.NumVRegs)
	require.Greater(t, removed, 0)
	require.Less(t, len(fn.Instrs), before)
}

func TestDeadStoreEliminationNeverRemovesCallsOrReturns(t *testing.T) {
	fn := emitFunc(t, `
		func callee() int {
			return 1;
		}
		func f() int {
			callee();
			return 2;
		}
	`, "f")
	dataflow.EliminateDeadStores(fn, fn.NumVRegs)
	foundCall := false
	foundRet := false
	for _, i := range fn.Instrs {
		if i.Op == codegen.Call {
			foundCall = true
		}
		if i.Op == codegen.Ret {
			foundRet = true
		}
	}
	require.True(t, foundCall, "a void call must survive even though its result is unused")
	require.True(t, foundRet)
}
