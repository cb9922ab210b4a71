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
package regalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/codegen"
	"mstarc/ir"
	"mstarc/regalloc"
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

func TestAllocateColorsEveryVRegExactlyOnce(t *testing.T) {
	fn := emitFunc(t, `
		func f(a int, b int, c int) int {
			let x = a + b;
			let y = b + c;
			return x + y;
		}
	`, "f")
	numVRegsBefore := fn.NumVRegs
	a := regalloc.Allocate(fn)
	for v := 0; v < numVRegsBefore; v++ {
		_, hasReg := a.Reg[codegen.VReg(v)]
		_, hasSlot := a.Slot[codegen.VReg(v)]
		require.True(t, hasReg != hasSlot, "vreg %d must land in exactly one map", v)
	}
}

func TestAllocateNeverColorsTwoInterferingVRegsTheSame(t *testing.T) {
	fn := emitFunc(t, `
		func f(a int, b int, c int, d int) int {
			let s1 = a + b;
			let s2 = c + d;
			return s1 * s2;
		}
	`, "f")
	a := regalloc.Allocate(fn)
	// s1 and s2 are both alive at the multiply, so their registers must
	// differ. The parameters take v0-v3, which makes s1 v4 and s2 v5.
	r1, ok1 := a.Reg[codegen.VReg(4)]
	r2, ok2 := a.Reg[codegen.VReg(5)]
	require.True(t, ok1 && ok2, "s1 and s2 are both colored")
	require.NotEqual(t, r1, r2)
}

func TestAllocateNaiveFallbackAboveThreshold(t *testing.T) {
	fn := &codegen.Func{Name: "huge", NumVRegs: regalloc.NaiveThreshold + 10}
	a := regalloc.Allocate(fn)
	require.Empty(t, a.Reg)
	require.Len(t, a.Slot, regalloc.NaiveThreshold+10)
	require.Equal(t, regalloc.NaiveThreshold+10, a.NumSlots)
}

func TestAllocateTerminatesWithManyLiveValues(t *testing.T) {
	// Eight parameters and a running sum are live at once; that is still
	// fewer than the colorable registers, so no spill happens, and Allocate
	// must terminate without panicking.
	fn := emitFunc(t, `
		func f(a int, b int, c int, d int, e int, g int, h int, i int) int {
			let s = a + b;
			s = s + c;
			s = s + d;
			s = s + e;
			s = s + g;
			s = s + h;
			return s + i;
		}
	`, "f")
	require.NotPanics(t, func() {
		regalloc.Allocate(fn)
	})
}
