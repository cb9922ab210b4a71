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
package nasm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/codegen"
	"mstarc/dataflow"
	"mstarc/ir"
	"mstarc/nasm"
	"mstarc/regalloc"
)

// lowerOne runs the full pipeline for one named function and returns both
// the selected+allocated func and its allocation, ready for translation.
func lowerOne(t *testing.T, source, name string) (*codegen.Func, *regalloc.Allocation) {
	fn, _, a := lowerOneWithStrings(t, source, name)
	return fn, a
}

func lowerOneWithStrings(t *testing.T, source, name string) (*codegen.Func, []codegen.StringConst, *regalloc.Allocation) {
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
	fn, strs := codegen.Emit(src)
	dataflow.PropagateConstantsAndCopies(fn)
	dataflow.EliminateDeadStores(fn, fn.NumVRegs)
	a := regalloc.Allocate(fn)
	fn.LocalSlots = a.NumSlots
	return fn, strs, a
}

func TestTranslateEmitsPrologueAndEpilogue(t *testing.T) {
	fn, a := lowerOne(t, `
		func f(x int) int {
			return x + 1;
		}
	`, "f")
	out := nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	require.Contains(t, out, "f:")
	require.Contains(t, out, "push rbp")
	require.Contains(t, out, "mov rbp, rsp")
	require.Contains(t, out, "pop rbp")
	require.Contains(t, out, "ret")
}

func TestTranslateNeverEmitsTwoMemoryOperandsOnOneLine(t *testing.T) {
	// Eight parameters, two of them read from the stack; no output line may
	// pair two memory operands.
	fn, a := lowerOne(t, `
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
	out := nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, ",") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		before := strings.Count(parts[0], "[")
		after := strings.Count(parts[1], "[")
		require.False(t, before > 0 && after > 0, "two memory operands on one line: %q", line)
	}
}

func TestTranslateGlobalsLandInBss(t *testing.T) {
	fn, a := lowerOne(t, `
		let counter = 0;
		func f() int {
			return counter;
		}
	`, "f")
	out := nasm.Translate([]string{"counter"}, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	require.Contains(t, out, "section .bss")
	require.Contains(t, out, codegenGlobalLabel("counter")+": resq 1")
}

func codegenGlobalLabel(name string) string {
	return "g$" + name
}

func TestTranslateStringLiteralsAreLengthPrefixed(t *testing.T) {
	fn, strs, a := lowerOneWithStrings(t, `
		func f() string {
			return "hi";
		}
	`, "f")
	out := nasm.Translate(nil, strs, []nasm.Unit{{Func: fn, Alloc: a}})
	require.Contains(t, out, "section .rodata")
	require.Contains(t, out, "dq 2")
}

func TestTranslateDeclaresExternForCallTargetsOutsideTheUnit(t *testing.T) {
	// callee is deliberately left out of the units passed to Translate, as
	// if it were compiled separately and only linked in later; its call
	// target must come back as an extern rather than an undefined label.
	fn, a := lowerOne(t, `
		func callee() int {
			return 1;
		}
		func f() int {
			return callee();
		}
	`, "f")
	out := nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	require.Contains(t, out, "extern callee")
}

// TestTranslateStagesIMulThroughScratchWhenDestinationIsSpilled covers the
// naive allocator's everything-on-the-stack output, which never assigns a
// VReg a physical register (Alloc.Reg stays empty): imul has no
// memory-destination encoding, so a raw Dst=[rbp-N] would emit unassemblable
// NASM. Built directly rather than through lowerOne because triggering this
// from source would need NaiveThreshold (256) live locals.
func TestTranslateStagesIMulThroughScratchWhenDestinationIsSpilled(t *testing.T) {
	fn := &codegen.Func{
		Name:       "f",
		NumVRegs:   1,
		LocalSlots: 1,
		Instrs: []*codegen.Instr{
			{Op: codegen.IMul, Dst: codegen.VRegOperand{VReg: 0}, Src1: codegen.Imm{Value: 7}},
			{Op: codegen.Ret},
		},
	}
	a := &regalloc.Allocation{Reg: map[codegen.VReg]codegen.PhysReg{}, Slot: map[codegen.VReg]int{0: 0}, NumSlots: 1}
	out := nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	require.NotContains(t, out, "imul qword [rbp")
	require.NotContains(t, out, "imul [rbp")
	require.Contains(t, out, "imul r10, 7")
	require.Contains(t, out, "mov r10, [rbp-8]")
	require.Contains(t, out, "mov [rbp-8], r10")
}

// TestTranslateStagesLeaThroughScratchWhenDestinationIsSpilled mirrors the
// imul case above: lea can only ever write a register operand.
func TestTranslateStagesLeaThroughScratchWhenDestinationIsSpilled(t *testing.T) {
	fn := &codegen.Func{
		Name:       "f",
		NumVRegs:   1,
		LocalSlots: 1,
		Instrs: []*codegen.Instr{
			{Op: codegen.Lea, Dst: codegen.VRegOperand{VReg: 0}, Src1: codegen.Mem{Label: "s$0"}},
			{Op: codegen.Ret},
		},
	}
	a := &regalloc.Allocation{Reg: map[codegen.VReg]codegen.PhysReg{}, Slot: map[codegen.VReg]int{0: 0}, NumSlots: 1}
	out := nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	require.NotContains(t, out, "lea [rbp")
	require.Contains(t, out, "lea r10, [rel s$0]")
	require.Contains(t, out, "mov [rbp-8], r10")
}

func TestTranslatePushesOnlyCalleeSavedRegistersActuallyUsed(t *testing.T) {
	fn, a := lowerOne(t, `
		func f(x int) int {
			return x;
		}
	`, "f")
	var out string
	require.NotPanics(t, func() {
		out = nasm.Translate(nil, nil, []nasm.Unit{{Func: fn, Alloc: a}})
	})
	for _, r := range codegen.CalleeSaved {
		require.NotContains(t, out, "push "+r.String(), "f keeps x in a caller-saved register")
	}
}
