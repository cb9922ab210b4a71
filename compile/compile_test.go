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
package compile_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/compile"
)

func TestPackageEmitsEntryPointAndUserMain(t *testing.T) {
	pkg := ast.ParseString("test.mstar", `
		func main() int {
			return 0;
		}
	`)
	out := compile.Package(pkg, compile.Options{})
	require.Contains(t, out, "main:")
	require.Contains(t, out, "__mstar_user_main:")
	require.Contains(t, out, "global main")
}

func TestPackageFoldsGlobalInitializersIntoEntry(t *testing.T) {
	pkg := ast.ParseString("test.mstar", `
		let counter = 0;
		func main() int {
			return counter;
		}
	`)
	out := compile.Package(pkg, compile.Options{})
	require.Contains(t, out, "section .bss")
	require.Contains(t, out, "g$counter: resq 1")
	require.Contains(t, out, "mov qword [rel g$counter], 0", "the initializer runs in the entry function")
}

func TestPackagePrintInsReportsBeforeRegisterAllocation(t *testing.T) {
	pkg := ast.ParseString("test.mstar", `
		func main() int {
			return 1 + 2;
		}
	`)
	var stderr bytes.Buffer
	compile.Package(pkg, compile.Options{PrintIns: true, Stderr: &stderr})
	require.Contains(t, stderr.String(), "pre-regalloc")
	require.True(t, strings.Contains(stderr.String(), "main") || strings.Contains(stderr.String(), "__mstar_user_main"))
}

func TestPackagePrintRemoveReportsDeadEffectElimination(t *testing.T) {
	pkg := ast.ParseString("test.mstar", `
		func main() int {
			let x = 1;
			x++;
			return 0;
		}
	`)
	var stderr bytes.Buffer
	compile.Package(pkg, compile.Options{PrintRemove: true, Stderr: &stderr})
	require.Contains(t, stderr.String(), "dead assignment")
}

func TestPackageWithNoStderrSinkDoesNotPanic(t *testing.T) {
	pkg := ast.ParseString("test.mstar", `
		func main() int {
			return 0;
		}
	`)
	require.NotPanics(t, func() {
		compile.Package(pkg, compile.Options{PrintIns: true, PrintRemove: true})
	})
}
