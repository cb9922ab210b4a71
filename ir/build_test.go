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
package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mstarc/ast"
	"mstarc/ir"
)

func lower(t *testing.T, source string) []*ir.Function {
	t.Helper()
	pkg := ast.ParseString("test.mstar", source)
	ast.Check(pkg)
	funcs, _ := ir.BuildProgram(pkg, false)
	return funcs
}

func findFunc(funcs []*ir.Function, name string) *ir.Function {
	for _, f := range funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func countStmts[T any](body []ir.Stmt) int {
	n := 0
	for _, s := range body {
		if _, ok := s.(T); ok {
			n++
		}
	}
	return n
}

func TestLowerArithmeticIntoTemporaries(t *testing.T) {
	funcs := lower(t, `
		func compute() int {
			let x = 1 + 2 * 3;
			return x;
		}
	`)
	fn := findFunc(funcs, "compute")
	require.NotNil(t, fn)
	require.GreaterOrEqual(t, countStmts[ir.Assign](fn.Body), 1)
	require.Equal(t, 1, countStmts[ir.Return](fn.Body))
}

func TestShortCircuitAsValueMaterializesIntoTemp(t *testing.T) {
	funcs := lower(t, `
		func f(a bool, b bool) bool {
			return a && b;
		}
	`)
	fn := findFunc(funcs, "f")
	require.NotNil(t, fn)
	// Value-context && lowers via an Assign/CJump/Assign/Label pattern,
	// never a literal OpLogAnd binary node.
	require.GreaterOrEqual(t, countStmts[ir.CJump](fn.Body), 1)
	require.GreaterOrEqual(t, countStmts[ir.LabelStmt](fn.Body), 1)
}

func TestIfConditionBranchesWithoutMaterializingABool(t *testing.T) {
	funcs := lower(t, `
		func f(a bool, b bool) int {
			if (a && b) {
				return 1;
			}
			return 0;
		}
	`)
	fn := findFunc(funcs, "f")
	require.NotNil(t, fn)
	require.Equal(t, 2, countStmts[ir.Return](fn.Body))
	require.GreaterOrEqual(t, countStmts[ir.CJump](fn.Body), 2) // one per && operand
}

func TestPostIncrementHoistsSideEffectingReceiverOnce(t *testing.T) {
	funcs := lower(t, `
		class C {
			f int;
			func get() C {
				return this;
			}
		}
		func g(c C) int {
			let old = c.get().f++;
			return old;
		}
	`)
	fn := findFunc(funcs, "g")
	require.NotNil(t, fn)
	calls := 0
	for _, s := range fn.Body {
		if c, ok := s.(ir.Call); ok && c.Function == "C$get" {
			calls++
		}
	}
	require.Equal(t, 1, calls, "the receiver of a postfix ++ must be evaluated exactly once")
}

func TestNewArrayOfScalarsNoLoop(t *testing.T) {
	funcs := lower(t, `
		func h() int[] {
			return new int[3];
		}
	`)
	fn := findFunc(funcs, "h")
	require.NotNil(t, fn)
	require.Equal(t, 0, countStmts[ir.Jump](fn.Body))
	require.GreaterOrEqual(t, countStmts[ir.Call](fn.Body), 1)
}

func TestNewMultiDimArrayLowersToLoopNest(t *testing.T) {
	funcs := lower(t, `
		func h() int[][] {
			return new int[2][3];
		}
	`)
	fn := findFunc(funcs, "h")
	require.NotNil(t, fn)
	require.GreaterOrEqual(t, countStmts[ir.Jump](fn.Body), 1)
	require.GreaterOrEqual(t, countStmts[ir.CJump](fn.Body), 1)
}

func TestStringConcatenationUsesRuntimeCall(t *testing.T) {
	funcs := lower(t, `
		func cat(a string, b string) string {
			return a + b;
		}
	`)
	fn := findFunc(funcs, "cat")
	require.NotNil(t, fn)
	found := false
	for _, s := range fn.Body {
		if c, ok := s.(ir.Call); ok && c.Function == "__mstar_strcat" {
			found = true
		}
	}
	require.True(t, found)
}

func TestStringComparisonUsesRuntimeCall(t *testing.T) {
	funcs := lower(t, `
		func eq(a string, b string) bool {
			return a == b;
		}
	`)
	fn := findFunc(funcs, "eq")
	require.NotNil(t, fn)
	found := false
	for _, s := range fn.Body {
		if c, ok := s.(ir.Call); ok && c.Function == "__mstar_strcmp" {
			found = true
		}
	}
	require.True(t, found)
}

func TestGlobalInitializersRunBeforeUserMain(t *testing.T) {
	funcs := lower(t, `
		let g = 41;
		func main() int {
			return g + 1;
		}
	`)
	entry := findFunc(funcs, "main")
	require.NotNil(t, entry)
	require.True(t, entry.IsEntry)
	hasGlobalInit := false
	callsUserMain := false
	for _, s := range entry.Body {
		if a, ok := s.(ir.Assign); ok {
			if m, ok := a.Lhs.(ir.Mem); ok {
				if ao, ok := m.Addr.(ir.AddrOf); ok {
					if _, ok := ao.Operand.(ir.GlobalRef); ok {
						hasGlobalInit = true
					}
				}
			}
		}
		if c, ok := s.(ir.Call); ok && c.Function == "__mstar_user_main" {
			callsUserMain = true
		}
	}
	require.True(t, hasGlobalInit)
	require.True(t, callsUserMain)
}

func TestBreakOutsideLoopIsRejected(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
	}()
	lower(t, `
		func f() int {
			break;
			return 0;
		}
	`)
}
