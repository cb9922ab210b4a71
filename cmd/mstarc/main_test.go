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

// Integration tests compiling the example programs under testdata/programs
// end to end, through the same compile.File entry point the CLI itself
// calls. No assembler or linker is invoked; these assert on the shape of
// the emitted NASM text only.
package main_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/compile"
)

func programs(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob("../../testdata/programs/*.mstar")
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one example program")
	return files
}

func TestExampleProgramsCompileToWellFormedNASM(t *testing.T) {
	for _, path := range programs(t) {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			var asm string
			require.NotPanics(t, func() {
				asm = compile.File(path, compile.Options{})
			})
			require.Contains(t, asm, "bits 64")
			require.Contains(t, asm, "global main")
			require.Contains(t, asm, "main:")

			lines := strings.Split(asm, "\n")
			for _, line := range lines {
				if !strings.Contains(line, ",") {
					continue
				}
				parts := strings.SplitN(line, ",", 2)
				before := strings.Count(parts[0], "[")
				after := strings.Count(parts[1], "[")
				require.False(t, before > 0 && after > 0, "two memory operands on one line in %s: %q", path, line)
			}
		})
	}
}

func TestHelloWorldDeclaresPrintlnIntExtern(t *testing.T) {
	asm := compile.File("../../testdata/programs/hello.mstar", compile.Options{})
	require.Contains(t, asm, "extern __printlnInt")
}

func TestStringsProgramEmitsRodataLiterals(t *testing.T) {
	asm := compile.File("../../testdata/programs/strings.mstar", compile.Options{})
	require.Contains(t, asm, "section .rodata")
}

func TestArraysProgramAllocatesThroughRuntime(t *testing.T) {
	asm := compile.File("../../testdata/programs/arrays.mstar", compile.Options{})
	require.Contains(t, asm, "extern __mstar_alloc")
}

func TestClassesProgramDeclaresConstructorAndMethod(t *testing.T) {
	asm := compile.File("../../testdata/programs/classes.mstar", compile.Options{})
	require.Contains(t, asm, "Counter$Counter:")
	require.Contains(t, asm, "Counter$increment:")
}

func TestShortCircuitProgramBranchesOnLogicalOperators(t *testing.T) {
	asm := compile.File("../../testdata/programs/short_circuit.mstar", compile.Options{})
	require.Contains(t, asm, "noisy:")
	require.Contains(t, asm, "jmp")
}

func TestArrayStressProgramAllocatesThroughRuntime(t *testing.T) {
	asm := compile.File("../../testdata/programs/array_stress.mstar", compile.Options{})
	require.Contains(t, asm, "extern __mstar_alloc")
	require.Contains(t, asm, "shl")
}

func TestMemberChainProgramDeclaresConstructorAndMethod(t *testing.T) {
	asm := compile.File("../../testdata/programs/member_chain.mstar", compile.Options{})
	require.Contains(t, asm, "Node$Node:")
	require.Contains(t, asm, "Node$append:")
}

func TestInstructionSelectionProgramUsesIDivAndIMul(t *testing.T) {
	asm := compile.File("../../testdata/programs/instr_select.mstar", compile.Options{})
	require.Contains(t, asm, "imul")
	require.Contains(t, asm, "idiv")
	require.Contains(t, asm, "shl")
}

func TestConstantPropProgramCallsScaleRepeatedly(t *testing.T) {
	asm := compile.File("../../testdata/programs/constant_prop.mstar", compile.Options{})
	require.Contains(t, asm, "call scale")
}
