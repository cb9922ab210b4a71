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

import (
	"fmt"

	"mstarc/ast"
	"mstarc/internal/diag"
)

// entryFuncName is the mangled label of the synthetic function that runs
// global initializers and then calls the source program's own main. The
// user's `main` is mangled to userMainName so the two never collide.
const (
	entryFuncName  = "main"
	userMainName   = "__mstar_user_main"
	allocFuncName  = "__mstar_alloc"
	concatFuncName = "__mstar_strcat"
	strcmpFuncName = "__mstar_strcmp"
)

// loopCtx tracks the break/continue targets of the innermost enclosing
// while loop.
type loopCtx struct {
	continueLabel *Label
	breakLabel    *Label
}

// Builder lowers one checked package into a list of IR functions. A fresh
// Builder is used per function body; BuildProgram drives one across the
// whole package and collects the results.
type Builder struct {
	fn        *Function
	tempSeq   int
	labelSeq  *int // shared across the whole program so labels stay globally unique
	varTemp   map[*ast.VariableEntity]*Temp
	thisTemp  *Temp
	loopStack []loopCtx
	// ElideDeadEffects runs the dead-effect elimination pass in
	// optimize.go on every lowered function's body when set; wired to the
	// --print-remove CLI flag by the driver.
	ElideDeadEffects bool
	Removed          []string // human-readable record of what the dead-effect pass deleted
}

// BuildProgram lowers every function, method, constructor and the global
// initializers of a checked package into a list of IR functions, the last
// of which is always the synthetic entry point. The second return value is
// the concatenation of every function's dead-effect removal log, in lowering
// order, empty unless elideDeadEffects is set; the driver reports it for
// --print-remove.
func BuildProgram(pkg *ast.PackageDecl, elideDeadEffects bool) ([]*Function, []string) {
	labelSeq := new(int)
	var funcs []*Function
	var removed []string

	var userMain *ast.FunctionEntity
	lower := func(fd *ast.FuncDecl) {
		if fd.Body == nil {
			return // external/runtime-provided function: nothing to lower
		}
		b := &Builder{labelSeq: labelSeq, varTemp: make(map[*ast.VariableEntity]*Temp), ElideDeadEffects: elideDeadEffects}
		fn := b.lowerFunction(fd.Entity)
		funcs = append(funcs, fn)
		removed = append(removed, b.Removed...)
		if fd.Entity.Recv == nil && fd.Entity.Name == "main" {
			userMain = fd.Entity
		}
	}
	for _, fd := range pkg.Funcs {
		lower(fd)
	}
	for _, cd := range pkg.Classes {
		for _, md := range cd.Methods {
			lower(md)
		}
		if cd.Ctor != nil {
			ctorDecl := &ast.FuncDecl{Body: cd.Ctor.Body, Entity: cd.Ctor.Entity}
			lower(ctorDecl)
		}
	}
	if userMain != nil {
		// user main is kept under its own label; give it the renamed
		// mangled name so the synthetic entry below can own "main".
		for _, f := range funcs {
			if f.Entity == userMain {
				f.Name = userMainName
			}
		}
	}

	entry := buildEntryFunction(pkg, labelSeq, userMain != nil)
	funcs = append(funcs, entry)
	return funcs, removed
}

// buildEntryFunction synthesizes the assembly-level `main`: it evaluates
// every global's initializer in declaration order, then calls the source
// program's main (if one was declared) and returns its value.
func buildEntryFunction(pkg *ast.PackageDecl, labelSeq *int, hasUserMain bool) *Function {
	b := &Builder{labelSeq: labelSeq, varTemp: make(map[*ast.VariableEntity]*Temp)}
	b.fn = &Function{Name: entryFuncName, IsEntry: true}
	for _, g := range pkg.Globals {
		val := b.lowerRValue(g.Init)
		b.emit(Assign{Lhs: Mem{Addr: globalAddr(g.Sym), Width: 8}, Rhs: val})
	}
	if hasUserMain {
		result := b.newTemp(ast.TInt)
		b.emit(Call{Function: userMainName, Result: result})
		b.emit(Return{Expr: TempRef{Temp: result}})
	} else {
		b.emit(Return{Expr: IntConst{Value: 0}})
	}
	b.fn.NumTemps = b.tempSeq
	return b.fn
}

func globalAddr(v *ast.VariableEntity) Expr {
	return AddrOf{Operand: GlobalRef{Name: v.Name, Type: v.Type}}
}

// -----------------------------------------------------------------------------
// Per-function lowering

func (b *Builder) lowerFunction(fn *ast.FunctionEntity) *Function {
	b.fn = &Function{Name: fn.MangledName(), Entity: fn}
	if fn.Recv != nil {
		t := b.newTemp(ast.ClassOf(fn.Recv))
		b.thisTemp = t
		b.fn.Params = append(b.fn.Params, t)
	}
	for _, p := range fn.Params {
		t := b.newTemp(p.Type)
		b.varTemp[p] = t
		b.fn.Params = append(b.fn.Params, t)
	}
	b.lowerBlock(fn.Body)
	if fn.RetType.IsVoid() {
		b.emit(Return{})
	}
	if b.ElideDeadEffects {
		b.fn.Body, b.Removed = eliminateDeadEffects(b.fn.Body)
	}
	b.fn.NumTemps = b.tempSeq
	return b.fn
}

func (b *Builder) newTemp(t *ast.Type) *Temp {
	tmp := &Temp{Id: b.tempSeq, Type: t}
	b.tempSeq++
	return tmp
}

func (b *Builder) newLabel(prefix string) *Label {
	*b.labelSeq++
	return &Label{Name: fmt.Sprintf(".L%s%d", prefix, *b.labelSeq)}
}

func (b *Builder) emit(s Stmt) { b.fn.Body = append(b.fn.Body, s) }

// -----------------------------------------------------------------------------
// Statements

func (b *Builder) lowerBlock(blk *ast.Block) {
	for _, s := range blk.Stmts {
		b.lowerStmt(s)
	}
}

func (b *Builder) lowerStmt(s ast.AstStmt) {
	switch st := s.(type) {
	case *ast.VarDeclStmt:
		val := b.lowerRValue(st.Init)
		t := b.newTemp(st.Sym.Type)
		b.varTemp[st.Sym] = t
		b.emit(Assign{Lhs: t, Rhs: val})
	case *ast.ExprStmt:
		b.lowerRValue(st.Expr) // evaluated for effect; any defining statements already emitted
	case *ast.Block:
		b.lowerBlock(st)
	case *ast.IfStmt:
		b.lowerIf(st)
	case *ast.WhileStmt:
		b.lowerWhile(st)
	case *ast.ReturnStmt:
		if st.Expr == nil {
			b.emit(Return{})
		} else {
			b.emit(Return{Expr: b.lowerRValue(st.Expr)})
		}
	case *ast.BreakStmt:
		if len(b.loopStack) == 0 {
			panic(diag.NewSemanticError(st.Pos.Line, st.Pos.Col, "break outside a loop"))
		}
		b.emit(Jump{Target: b.loopStack[len(b.loopStack)-1].breakLabel})
	case *ast.ContinueStmt:
		if len(b.loopStack) == 0 {
			panic(diag.NewSemanticError(st.Pos.Line, st.Pos.Col, "continue outside a loop"))
		}
		b.emit(Jump{Target: b.loopStack[len(b.loopStack)-1].continueLabel})
	default:
		panic(diag.NewInternalError("unhandled statement %T in ir builder", s))
	}
}

func (b *Builder) lowerIf(st *ast.IfStmt) {
	thenLabel := b.newLabel("then")
	endLabel := b.newLabel("endif")
	elseLabel := endLabel
	if st.Else != nil {
		elseLabel = b.newLabel("else")
	}
	b.lowerCond(st.Cond, thenLabel, elseLabel)
	b.emit(LabelStmt{Label: thenLabel})
	b.lowerBlock(st.Then)
	if st.Else != nil {
		b.emit(Jump{Target: endLabel})
		b.emit(LabelStmt{Label: elseLabel})
		b.lowerStmt(st.Else)
	}
	b.emit(LabelStmt{Label: endLabel})
}

func (b *Builder) lowerWhile(st *ast.WhileStmt) {
	loopStart := b.newLabel("loop")
	bodyLabel := b.newLabel("body")
	endLabel := b.newLabel("endloop")
	b.emit(LabelStmt{Label: loopStart})
	b.lowerCond(st.Cond, bodyLabel, endLabel)
	b.emit(LabelStmt{Label: bodyLabel})
	b.loopStack = append(b.loopStack, loopCtx{continueLabel: loopStart, breakLabel: endLabel})
	b.lowerBlock(st.Body)
	b.loopStack = b.loopStack[:len(b.loopStack)-1]
	b.emit(Jump{Target: loopStart})
	b.emit(LabelStmt{Label: endLabel})
}

// -----------------------------------------------------------------------------
// Condition (branch) context: short-circuit && / || / ! lower directly to
// jumps here instead of materializing an intermediate boolean value, so an
// `if (a && b)` never computes a throwaway 0/1 word.

func (b *Builder) lowerCond(e ast.AstExpr, trueLabel, falseLabel *Label) {
	if be, ok := e.(*ast.BinaryExpr); ok {
		switch be.Opt {
		case ast.TK_LOGAND:
			mid := b.newLabel("and")
			b.lowerCond(be.Left, mid, falseLabel)
			b.emit(LabelStmt{Label: mid})
			b.lowerCond(be.Right, trueLabel, falseLabel)
			return
		case ast.TK_LOGOR:
			mid := b.newLabel("or")
			b.lowerCond(be.Left, trueLabel, mid)
			b.emit(LabelStmt{Label: mid})
			b.lowerCond(be.Right, trueLabel, falseLabel)
			return
		}
		if be.Opt.IsCmpOp() || be.Opt == ast.TK_EQ || be.Opt == ast.TK_NE {
			cond := b.lowerComparison(be)
			b.emit(CJump{Cond: cond, Then: trueLabel, Else: falseLabel})
			return
		}
	}
	if ue, ok := e.(*ast.UnaryExpr); ok && ue.Opt == ast.TK_LOGNOT {
		b.lowerCond(ue.Operand, falseLabel, trueLabel)
		return
	}
	val := b.lowerRValue(e)
	b.emit(CJump{Cond: val, Then: trueLabel, Else: falseLabel})
}

// lowerComparison lowers the two operands of a comparison (hoisting any
// effects, left to right) and builds the appropriate Binary node, routing
// string operands through the runtime comparison helper.
func (b *Builder) lowerComparison(be *ast.BinaryExpr) Expr {
	left := be.Left.GetType()
	right := be.Right.GetType()
	op := binOpOf(be.Opt)
	if left.IsString() && right.IsString() {
		l := b.hoist(be.Left)
		r := b.hoist(be.Right)
		cmp := b.newTemp(ast.TInt)
		b.emit(Call{Function: strcmpFuncName, Args: []Expr{l, r}, Result: cmp})
		return Binary{Op: OpStrCompare, Left: TempRef{Temp: cmp}, Right: IntConst{Value: 0}, StrCompareOp: op}
	}
	l := b.hoist(be.Left)
	r := b.hoist(be.Right)
	return Binary{Op: op, Left: l, Right: r}
}

// -----------------------------------------------------------------------------
// Value context

// hoist evaluates e left-to-right and, if e may have a side effect (a call,
// an assignment, or a pre/post increment), materializes it into a fresh
// temporary immediately so later sibling subexpressions observe the effect
// exactly once and in source order.
func (b *Builder) hoist(e ast.AstExpr) Expr {
	switch e.(type) {
	case *ast.CallExpr, *ast.AssignExpr, *ast.IncDecExpr, *ast.NewExpr, *ast.NewArrayExpr:
		val := b.lowerRValue(e)
		if tr, ok := val.(TempRef); ok {
			return tr
		}
		t := b.newTemp(e.GetType())
		b.emit(Assign{Lhs: t, Rhs: val})
		return TempRef{Temp: t}
	default:
		return b.lowerRValue(e)
	}
}

func binOpOf(k ast.TokenKind) BinOp {
	switch k {
	case ast.TK_PLUS:
		return OpAdd
	case ast.TK_MINUS:
		return OpSub
	case ast.TK_TIMES:
		return OpMul
	case ast.TK_DIV:
		return OpDiv
	case ast.TK_MOD:
		return OpMod
	case ast.TK_BITAND:
		return OpBitAnd
	case ast.TK_BITOR:
		return OpBitOr
	case ast.TK_BITXOR:
		return OpBitXor
	case ast.TK_LSHIFT:
		return OpShl
	case ast.TK_RSHIFT:
		return OpShr
	case ast.TK_LT:
		return OpLt
	case ast.TK_LE:
		return OpLe
	case ast.TK_GT:
		return OpGt
	case ast.TK_GE:
		return OpGe
	case ast.TK_EQ:
		return OpEq
	case ast.TK_NE:
		return OpNe
	}
	panic(diag.NewInternalError("unhandled binary operator %s", k))
}

// lowerRValue lowers e as a value-producing expression. Subexpressions with
// possible side effects are hoisted in source (left-to-right) order before
// the containing operation is built.
func (b *Builder) lowerRValue(e ast.AstExpr) Expr {
	switch x := e.(type) {
	case *ast.IntExpr:
		return IntConst{Value: x.Value}
	case *ast.BoolExpr:
		return BoolConst{Value: x.Value}
	case *ast.StrExpr:
		return StrConst{Value: x.Value, DataLabel: b.newLabel("str").Name}
	case *ast.NullExpr:
		return NullConst{}
	case *ast.ThisExpr:
		return TempRef{Temp: b.thisTemp}
	case *ast.VarExpr:
		return b.lowerVarRef(x)
	case *ast.FieldExpr:
		return Mem{Addr: b.fieldAddr(x), Width: 8}
	case *ast.IndexExpr:
		return Mem{Addr: b.indexAddr(x), Width: 8}
	case *ast.UnaryExpr:
		return b.lowerUnary(x)
	case *ast.BinaryExpr:
		return b.lowerBinary(x)
	case *ast.AssignExpr:
		return b.lowerAssign(x)
	case *ast.IncDecExpr:
		return b.lowerIncDec(x)
	case *ast.CallExpr:
		return b.lowerCall(x)
	case *ast.NewExpr:
		return b.lowerNew(x)
	case *ast.NewArrayExpr:
		return b.lowerNewArray(x)
	default:
		panic(diag.NewInternalError("unhandled expression %T in ir builder", e))
	}
}

func (b *Builder) lowerVarRef(x *ast.VarExpr) Expr {
	v, ok := x.Sym.(*ast.VariableEntity)
	if !ok {
		panic(diag.NewInternalError("VarExpr %q resolved to non-variable", x.Name))
	}
	if v.Storage == ast.StorageGlobal {
		return Mem{Addr: globalAddr(v), Width: 8}
	}
	t, ok := b.varTemp[v]
	if !ok {
		panic(diag.NewInternalError("variable %q has no bound temporary", x.Name))
	}
	return TempRef{Temp: t}
}

func (b *Builder) fieldAddr(x *ast.FieldExpr) Expr {
	recv := b.hoist(x.Recv)
	return Binary{Op: OpAdd, Left: recv, Right: IntConst{Value: int64(x.Offset)}}
}

// indexAddr computes the byte address of Recv[Index]. Array layout is
// [count][elem0]...[elemN-1], so element i sits at base+8+i*8.
func (b *Builder) indexAddr(x *ast.IndexExpr) Expr {
	recv := b.hoist(x.Recv)
	idx := b.hoist(x.Index)
	offset := Binary{Op: OpAdd, Left: Binary{Op: OpMul, Left: idx, Right: IntConst{Value: 8}}, Right: IntConst{Value: 8}}
	return Binary{Op: OpAdd, Left: recv, Right: offset}
}

// lvalueAddr computes the address of an lvalue once, for use by both a read
// and a write (IncDecExpr, and the left side of an AssignExpr). For a plain
// variable it returns nil: the builder reads/writes the bound Temp
// directly rather than its address, since locals never alias.
func (b *Builder) lvalueAddr(e ast.AstExpr) (addr Expr, isMem bool, tempVar *ast.VariableEntity) {
	switch x := e.(type) {
	case *ast.VarExpr:
		v := x.Sym.(*ast.VariableEntity)
		if v.Storage == ast.StorageGlobal {
			return globalAddr(v), true, nil
		}
		return nil, false, v
	case *ast.FieldExpr:
		return b.fieldAddr(x), true, nil
	case *ast.IndexExpr:
		return b.indexAddr(x), true, nil
	default:
		panic(diag.NewInternalError("expression %T is not an lvalue", e))
	}
}

func (b *Builder) lowerAssign(x *ast.AssignExpr) Expr {
	addr, isMem, v := b.lvalueAddr(x.Left)
	rhs := b.lowerRValue(x.Right)
	val := rhs
	if _, ok := rhs.(TempRef); !ok {
		t := b.newTemp(x.Right.GetType())
		b.emit(Assign{Lhs: t, Rhs: rhs})
		val = TempRef{Temp: t}
	}
	if isMem {
		b.emit(Assign{Lhs: Mem{Addr: addr, Width: 8}, Rhs: val})
	} else {
		t, ok := b.varTemp[v]
		if !ok {
			t = b.newTemp(v.Type)
			b.varTemp[v] = t
		}
		b.emit(Assign{Lhs: t, Rhs: val})
	}
	return val
}

// lowerIncDec implements both prefix and postfix ++/--. When the target is
// a field or index expression with a side-effecting receiver (e.g.
// `a.next().count++`), the receiver's address is computed exactly once via
// lvalueAddr/hoist and reused for both the load and the store.
func (b *Builder) lowerIncDec(x *ast.IncDecExpr) Expr {
	delta := int64(1)
	if x.Opt == ast.TK_DEC {
		delta = -1
	}
	addr, isMem, v := b.lvalueAddr(x.Target)
	var old Expr
	if isMem {
		oldT := b.newTemp(ast.TInt)
		b.emit(Assign{Lhs: oldT, Rhs: Mem{Addr: addr, Width: 8}})
		old = TempRef{Temp: oldT}
	} else {
		t, ok := b.varTemp[v]
		if !ok {
			t = b.newTemp(v.Type)
			b.varTemp[v] = t
		}
		old = TempRef{Temp: t}
	}
	newT := b.newTemp(ast.TInt)
	b.emit(Assign{Lhs: newT, Rhs: Binary{Op: OpAdd, Left: old, Right: IntConst{Value: delta}}})
	newVal := TempRef{Temp: newT}
	if isMem {
		b.emit(Assign{Lhs: Mem{Addr: addr, Width: 8}, Rhs: newVal})
	} else {
		b.emit(Assign{Lhs: b.varTemp[v], Rhs: newVal})
	}
	if x.Prefix {
		return newVal
	}
	return old
}

func (b *Builder) lowerUnary(x *ast.UnaryExpr) Expr {
	switch x.Opt {
	case ast.TK_MINUS:
		return Unary{Op: OpNeg, Operand: b.hoist(x.Operand)}
	case ast.TK_BITNOT:
		return Unary{Op: OpBitNot, Operand: b.hoist(x.Operand)}
	case ast.TK_LOGNOT:
		// Not a branch context here: materialize via xor against 1, since
		// bool is represented as the machine word 0 or 1.
		return Binary{Op: OpBitXor, Left: b.hoist(x.Operand), Right: IntConst{Value: 1}}
	default:
		panic(diag.NewInternalError("unhandled unary operator %s", x.Opt))
	}
}

// lowerBinary handles everything except comparisons used in a branch
// context (those go through lowerCond/lowerComparison); && and || get the
// value-context jump-to-end materialization described for boolean
// expressions that are not the direct condition of an if/while.
func (b *Builder) lowerBinary(x *ast.BinaryExpr) Expr {
	switch x.Opt {
	case ast.TK_LOGAND, ast.TK_LOGOR:
		return b.lowerBoolValue(x)
	case ast.TK_EQ, ast.TK_NE, ast.TK_LT, ast.TK_LE, ast.TK_GT, ast.TK_GE:
		return b.lowerComparison(x)
	case ast.TK_PLUS:
		if x.Left.GetType().IsString() {
			l := b.hoist(x.Left)
			r := b.hoist(x.Right)
			res := b.newTemp(ast.TString)
			b.emit(Call{Function: concatFuncName, Args: []Expr{l, r}, Result: res})
			return TempRef{Temp: res}
		}
		return Binary{Op: OpAdd, Left: b.hoist(x.Left), Right: b.hoist(x.Right)}
	default:
		return Binary{Op: binOpOf(x.Opt), Left: b.hoist(x.Left), Right: b.hoist(x.Right)}
	}
}

// lowerBoolValue materializes a && / || expression that is not itself a
// branch condition: `evaluate left into t; if (left-determines-result)
// jump to end; evaluate right into t; end:`.
func (b *Builder) lowerBoolValue(x *ast.BinaryExpr) Expr {
	t := b.newTemp(ast.TBool)
	b.emit(Assign{Lhs: t, Rhs: b.hoist(x.Left)})
	end := b.newLabel("boolval")
	shortCircuit := b.newLabel("shortcircuit")
	if x.Opt == ast.TK_LOGAND {
		// left == false: short-circuit
		b.emit(CJump{Cond: TempRef{Temp: t}, Then: shortCircuit, Else: end})
	} else {
		// left == true: short-circuit
		b.emit(CJump{Cond: TempRef{Temp: t}, Then: end, Else: shortCircuit})
	}
	b.emit(LabelStmt{Label: shortCircuit})
	b.emit(Assign{Lhs: t, Rhs: b.hoist(x.Right)})
	b.emit(LabelStmt{Label: end})
	return TempRef{Temp: t}
}

func (b *Builder) lowerCall(x *ast.CallExpr) Expr {
	var args []Expr
	if x.Recv != nil {
		args = append(args, b.hoist(x.Recv))
	}
	for _, a := range x.Args {
		args = append(args, b.hoist(a))
	}
	var result *Temp
	if !x.Sym.RetType.IsVoid() {
		result = b.newTemp(x.Sym.RetType)
	}
	b.emit(Call{Function: x.Sym.MangledName(), Args: args, Result: result})
	if result == nil {
		return IntConst{Value: 0} // unused: caller is in statement context
	}
	return TempRef{Temp: result}
}

func (b *Builder) lowerNew(x *ast.NewExpr) Expr {
	cls := x.GetType().Class
	ptr := b.newTemp(x.GetType())
	b.emit(Call{Function: allocFuncName, Args: []Expr{IntConst{Value: int64(cls.Size())}}, Result: ptr})
	if cls.Ctor != nil {
		args := []Expr{TempRef{Temp: ptr}}
		for _, a := range x.Args {
			args = append(args, b.hoist(a))
		}
		b.emit(Call{Function: cls.Ctor.MangledName(), Args: args})
	}
	return TempRef{Temp: ptr}
}

// lowerNewArray lowers `new T[n1][n2]...[nk]` into the loop nest described
// for multi-dimensional array construction: the outer array is allocated
// with one count word plus n1 element slots, then each slot is recursively
// filled with a freshly allocated inner array for every dimension beyond
// the first. Dimension expressions are hoisted left-to-right up front so
// a side-effecting size expression is evaluated exactly once regardless of
// how many elements the loop nest ends up allocating.
func (b *Builder) lowerNewArray(x *ast.NewArrayExpr) Expr {
	dims := make([]Expr, len(x.Dims))
	for i, d := range x.Dims {
		dims[i] = b.hoist(d)
	}
	elemTypes := make([]*ast.Type, len(dims))
	t := x.ElemType
	for i := len(dims) - 1; i >= 0; i-- {
		elemTypes[i] = t
		t = ast.ArrayOf(t)
	}
	return b.allocArrayDim(dims, elemTypes, 0)
}

func (b *Builder) allocArrayDim(dims []Expr, elemTypes []*ast.Type, depth int) Expr {
	n := dims[depth]
	size := Binary{Op: OpAdd, Left: Binary{Op: OpMul, Left: n, Right: IntConst{Value: 8}}, Right: IntConst{Value: 8}}
	ptr := b.newTemp(ast.ArrayOf(elemTypes[depth]))
	b.emit(Call{Function: allocFuncName, Args: []Expr{size}, Result: ptr})
	b.emit(Assign{Lhs: Mem{Addr: TempRef{Temp: ptr}, Width: 8}, Rhs: n})

	if depth+1 >= len(dims) {
		return TempRef{Temp: ptr}
	}

	i := b.newTemp(ast.TInt)
	b.emit(Assign{Lhs: i, Rhs: IntConst{Value: 0}})
	loopStart := b.newLabel("arrloop")
	bodyLabel := b.newLabel("arrbody")
	endLabel := b.newLabel("arrend")
	b.emit(LabelStmt{Label: loopStart})
	b.emit(CJump{Cond: Binary{Op: OpLt, Left: TempRef{Temp: i}, Right: n}, Then: bodyLabel, Else: endLabel})
	b.emit(LabelStmt{Label: bodyLabel})
	inner := b.allocArrayDim(dims, elemTypes, depth+1)
	elemAddr := Binary{Op: OpAdd, Left: TempRef{Temp: ptr},
		Right: Binary{Op: OpAdd, Left: Binary{Op: OpMul, Left: TempRef{Temp: i}, Right: IntConst{Value: 8}}, Right: IntConst{Value: 8}}}
	b.emit(Assign{Lhs: Mem{Addr: elemAddr, Width: 8}, Rhs: inner})
	b.emit(Assign{Lhs: i, Rhs: Binary{Op: OpAdd, Left: TempRef{Temp: i}, Right: IntConst{Value: 1}}})
	b.emit(Jump{Target: loopStart})
	b.emit(LabelStmt{Label: endLabel})
	return TempRef{Temp: ptr}
}
