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
package ir

import "fmt"

// eliminateDeadEffects is a conservative, builder-local dead-store pass: it
// drops an Assign to a temporary whose value never reaches a return, a
// branch condition, a call argument, an expression statement or a memory
// store, whether directly or through other temporaries; a read by another
// dropped Assign does not count. It is sound without any control-flow reasoning because the
// builder never gives an Assign's Rhs a side effect of its own — every
// effectful operation (a call, an allocation) is already represented as its
// own Call statement, with the value consumed, if at all, through a
// separate TempRef. This is strictly weaker than the later fixpoint dead-
// store elimination in package dataflow, which reasons over the CFG and
// also kills dead memory stores; this pass exists to shrink the IR the
// builder itself produces (e.g. the old value of a postfix ++ that the
// caller discards) before that heavier analysis ever runs, and is reported
// separately through --print-remove.
//
// usedTemps follows reads back from those uses to a fixpoint, so one pass
// already catches chains and cycles of dead assigns (the old and new value
// of a discarded x++ read each other); the outer loop then confirms that
// nothing more is left to drop.
func eliminateDeadEffects(body []Stmt) ([]Stmt, []string) {
	var removed []string
	for {
		used := usedTemps(body)
		var next []Stmt
		changed := false
		for _, s := range body {
			if a, ok := s.(Assign); ok {
				if t, ok := a.Lhs.(*Temp); ok && !used[t.Id] {
					removed = append(removed, fmt.Sprintf("dead assignment to %s: %s", t, a.Rhs))
					changed = true
					continue
				}
			}
			next = append(next, s)
		}
		body = next
		if !changed {
			break
		}
	}
	return body, removed
}

func usedTemps(body []Stmt) map[int]bool {
	used := make(map[int]bool)
	mark := func(e Expr) { walkExpr(e, func(t *Temp) { used[t.Id] = true }) }
	for _, s := range body {
		switch st := s.(type) {
		case Assign:
			if _, ok := st.Lhs.(*Temp); ok {
				continue
			}
			mark(st.Rhs)
			if m, ok := st.Lhs.(Mem); ok {
				mark(m.Addr)
			}
		case CJump:
			mark(st.Cond)
		case Return:
			if st.Expr != nil {
				mark(st.Expr)
			}
		case Call:
			for _, a := range st.Args {
				mark(a)
			}
		case ExprStmt:
			mark(st.Expr)
		}
	}
	for changed := true; changed; {
		changed = false
		for _, s := range body {
			a, ok := s.(Assign)
			if t, isTemp := a.Lhs.(*Temp); !ok || !isTemp || !used[t.Id] {
				continue
			}
			walkExpr(a.Rhs, func(r *Temp) {
				if !used[r.Id] {
					used[r.Id] = true
					changed = true
				}
			})
		}
	}
	return used
}

// walkExpr visits every TempRef reachable from e.
func walkExpr(e Expr, visit func(*Temp)) {
	switch x := e.(type) {
	case TempRef:
		visit(x.Temp)
	case Binary:
		walkExpr(x.Left, visit)
		walkExpr(x.Right, visit)
	case Unary:
		walkExpr(x.Operand, visit)
	case AddrOf:
		walkExpr(x.Operand, visit)
	case Mem:
		walkExpr(x.Addr, visit)
	}
}
