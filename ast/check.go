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

// Name resolution and type checking. The front end is an external
// collaborator whose only contract is to hand the core a resolved,
// type-correct AST with a populated symbol environment; this file is that
// collaborator, kept to the minimum needed to satisfy the contract.
package ast

import (
	"mstarc/internal/diag"
)

type Checker struct {
	global  *Scope
	classes map[string]*ClassEntity
	funcs   map[string]*FunctionEntity
	curFunc *FunctionEntity
}

// Check resolves names and checks types across a whole package, returning
// the populated global Scope. It panics with a *diag.SemanticError on the
// first violation found.
func Check(pkg *PackageDecl) *Scope {
	c := &Checker{
		global:  NewScope(nil),
		classes: make(map[string]*ClassEntity),
		funcs:   make(map[string]*FunctionEntity),
	}
	c.declareClassSignatures(pkg)
	c.resolveClassMembers(pkg)
	c.declareFuncSignatures(pkg)
	c.declareGlobals(pkg)
	c.checkGlobalInits(pkg)
	for _, fd := range pkg.Funcs {
		c.checkFuncBody(fd)
	}
	for _, cd := range pkg.Classes {
		for _, md := range cd.Methods {
			c.checkFuncBody(md)
		}
		if cd.Ctor != nil {
			c.checkFuncBody(cd.Ctor)
		}
	}
	pkg.Scope = c.global
	return c.global
}

func fail(pos Pos, format string, args ...interface{}) {
	panic(diag.NewSemanticError(pos.Line, pos.Col, format, args...))
}

// -----------------------------------------------------------------------------
// Pass 1: declare every class name so field/parameter types that reference
// another class (forward or circular) can be resolved in pass 2.

func (c *Checker) declareClassSignatures(pkg *PackageDecl) {
	for _, cd := range pkg.Classes {
		if _, exists := c.classes[cd.Name]; exists {
			fail(cd.Pos, "duplicate class declaration %q", cd.Name)
		}
		entity := &ClassEntity{Name: cd.Name}
		cd.Entity = entity
		c.classes[cd.Name] = entity
		if !c.global.Declare(cd.Name, entity) {
			fail(cd.Pos, "duplicate declaration %q", cd.Name)
		}
	}
}

func (c *Checker) resolveType(t *Type) *Type {
	switch t.Kind {
	case TypeClass:
		if t.Class != nil && len(t.Class.Fields) == 0 && len(t.Class.Methods) == 0 {
			// placeholder created by the parser; resolve to the real entity
			resolved, ok := c.classes[t.Class.Name]
			if !ok {
				fail(Pos{}, "undeclared type %q", t.Class.Name)
			}
			return ClassOf(resolved)
		}
		return t
	case TypeArray:
		return ArrayOf(c.resolveType(t.ElemType))
	default:
		return t
	}
}

func (c *Checker) resolveClassMembers(pkg *PackageDecl) {
	for _, cd := range pkg.Classes {
		entity := cd.Entity
		offset := 0
		for _, fd := range cd.Fields {
			ftype := c.resolveType(fd.Type)
			field := &VariableEntity{Name: fd.Name, Type: ftype, Storage: StorageMember, Offset: offset}
			entity.Fields = append(entity.Fields, field)
			offset += ftype.Width()
		}
		for _, md := range cd.Methods {
			fn := c.declareFuncEntity(md, cd.Entity)
			entity.Methods = append(entity.Methods, fn)
		}
		if cd.Ctor != nil {
			fn := c.declareFuncEntity(cd.Ctor, cd.Entity)
			fn.IsCtor = true
			entity.Ctor = fn
		}
	}
}

func (c *Checker) declareFuncEntity(fd *FuncDecl, recv *ClassEntity) *FunctionEntity {
	params := make([]*VariableEntity, len(fd.Params))
	for i, p := range fd.Params {
		params[i] = &VariableEntity{Name: p.Name, Type: c.resolveType(p.Type), Storage: StorageParam, Index: i}
	}
	fn := &FunctionEntity{
		Name:       fd.Name,
		Recv:       recv,
		Params:     params,
		RetType:    c.resolveType(fd.RetType),
		Body:       nil,
		IsCtor:     fd.IsCtor,
		IsExternal: fd.Body == nil,
	}
	fd.Entity = fn
	return fn
}

func (c *Checker) declareFuncSignatures(pkg *PackageDecl) {
	for _, fd := range pkg.Funcs {
		fn := c.declareFuncEntity(fd, nil)
		if _, exists := c.funcs[fn.Name]; exists {
			fail(fd.Pos, "duplicate function declaration %q", fn.Name)
		}
		c.funcs[fn.Name] = fn
		if !c.global.Declare(fn.Name, fn) {
			fail(fd.Pos, "duplicate declaration %q", fn.Name)
		}
	}
}

func (c *Checker) declareGlobals(pkg *PackageDecl) {
	for _, g := range pkg.Globals {
		var gtype *Type
		if g.Type != nil {
			gtype = c.resolveType(g.Type)
		}
		sym := &VariableEntity{Name: g.Name, Type: gtype, Storage: StorageGlobal}
		g.Sym = sym
		if !c.global.Declare(g.Name, sym) {
			fail(g.Pos, "duplicate declaration %q", g.Name)
		}
	}
}

// checkGlobalInits type-checks each global's initializer in the global
// scope, resolving its type when no explicit annotation was given. These
// run at program start, in declaration order, inside an implicit entry
// function built later by the IR builder.
func (c *Checker) checkGlobalInits(pkg *PackageDecl) {
	for _, g := range pkg.Globals {
		initType := c.checkExpr(g.Init, c.global)
		if g.Sym.Type == nil {
			g.Sym.Type = initType
		} else if !initType.AssignableTo(g.Sym.Type) {
			fail(g.Pos, "cannot assign %s to global %q of type %s", initType, g.Name, g.Sym.Type)
		}
	}
}

// -----------------------------------------------------------------------------
// Pass 2: statements and expressions within a function/method body.

func (c *Checker) checkFuncBody(fd *FuncDecl) {
	if fd.Body == nil {
		return // external/builtin function: no body to check
	}
	fn := fd.Entity
	scope := NewScope(c.global)
	if fn.Recv != nil {
		scope.Declare("this", &VariableEntity{Name: "this", Type: ClassOf(fn.Recv), Storage: StorageParam})
	}
	for _, p := range fn.Params {
		if !scope.Declare(p.Name, p) {
			fail(fd.Pos, "duplicate parameter %q", p.Name)
		}
	}
	prev := c.curFunc
	c.curFunc = fn
	c.checkBlock(fd.Body, scope)
	c.curFunc = prev
	fn.Body = fd.Body
}

func (c *Checker) checkBlock(b *Block, parent *Scope) {
	b.Scope = NewScope(parent)
	for _, s := range b.Stmts {
		c.checkStmt(s, b.Scope)
	}
}

func (c *Checker) checkStmt(s AstStmt, scope *Scope) {
	switch st := s.(type) {
	case *VarDeclStmt:
		initType := c.checkExpr(st.Init, scope)
		if st.Type == nil {
			st.Type = initType
		} else {
			st.Type = c.resolveType(st.Type)
			if !initType.AssignableTo(st.Type) {
				fail(st.Pos, "cannot assign %s to %q of type %s", initType, st.Name, st.Type)
			}
		}
		st.Sym = &VariableEntity{Name: st.Name, Type: st.Type, Storage: StorageLocal}
		if !scope.Declare(st.Name, st.Sym) {
			fail(st.Pos, "duplicate declaration %q", st.Name)
		}
		c.curFunc.Locals = append(c.curFunc.Locals, st.Sym)
	case *ExprStmt:
		c.checkExpr(st.Expr, scope)
	case *IfStmt:
		condType := c.checkExpr(st.Cond, scope)
		if !condType.IsBool() {
			fail(st.Pos, "if condition must be bool, got %s", condType)
		}
		c.checkBlock(st.Then, scope)
		if st.Else != nil {
			c.checkStmt(st.Else, scope)
		}
	case *Block:
		c.checkBlock(st, scope)
	case *WhileStmt:
		condType := c.checkExpr(st.Cond, scope)
		if !condType.IsBool() {
			fail(st.Pos, "while condition must be bool, got %s", condType)
		}
		c.checkBlock(st.Body, scope)
	case *ReturnStmt:
		if st.Expr == nil {
			if !c.curFunc.RetType.IsVoid() {
				fail(st.Pos, "missing return value, function returns %s", c.curFunc.RetType)
			}
			return
		}
		retType := c.checkExpr(st.Expr, scope)
		if !retType.AssignableTo(c.curFunc.RetType) {
			fail(st.Pos, "cannot return %s from function returning %s", retType, c.curFunc.RetType)
		}
	case *BreakStmt, *ContinueStmt:
		// Unconditionally legal here; a well-formedness pass that rejects
		// break/continue outside a loop is left to the IR builder, which
		// already tracks the enclosing loop's exit/continue labels and is
		// the natural place to raise it as it walks the same structure.
	default:
		fail(Pos{}, "unhandled statement %T", s)
	}
}

func (c *Checker) checkExpr(e AstExpr, scope *Scope) *Type {
	switch x := e.(type) {
	case *IntExpr:
		x.SetType(TInt)
	case *BoolExpr:
		x.SetType(TBool)
	case *StrExpr:
		x.SetType(TString)
	case *NullExpr:
		x.SetType(TNull)
	case *ThisExpr:
		sym, ok := scope.Lookup("this")
		if !ok {
			fail(x.GetPos(), "'this' used outside a method")
		}
		x.SetType(sym.(*VariableEntity).Type)
	case *VarExpr:
		sym, ok := scope.Lookup(x.Name)
		if !ok {
			fail(x.GetPos(), "undeclared identifier %q", x.Name)
		}
		x.Sym = sym
		switch v := sym.(type) {
		case *VariableEntity:
			x.SetType(v.Type)
		case *FunctionEntity:
			fail(x.GetPos(), "%q is a function, not a value", x.Name)
		}
	case *FieldExpr:
		recvType := c.checkExpr(x.Recv, scope)
		if !recvType.IsClass() {
			fail(x.GetPos(), "cannot access field %q on non-class type %s", x.Name, recvType)
		}
		field := recvType.Class.Field(x.Name)
		if field == nil {
			fail(x.GetPos(), "class %s has no field %q", recvType.Class.Name, x.Name)
		}
		x.Offset = field.Offset
		x.SetType(field.Type)
	case *IndexExpr:
		recvType := c.checkExpr(x.Recv, scope)
		if !recvType.IsArray() {
			fail(x.GetPos(), "cannot index non-array type %s", recvType)
		}
		idxType := c.checkExpr(x.Index, scope)
		if !idxType.IsInt() {
			fail(x.GetPos(), "array index must be int, got %s", idxType)
		}
		x.SetType(recvType.ElemType)
	case *UnaryExpr:
		operandType := c.checkExpr(x.Operand, scope)
		switch x.Opt {
		case TK_LOGNOT:
			if !operandType.IsBool() {
				fail(x.GetPos(), "operand of ! must be bool, got %s", operandType)
			}
			x.SetType(TBool)
		case TK_MINUS, TK_BITNOT:
			if !operandType.IsInt() {
				fail(x.GetPos(), "operand of %s must be int, got %s", x.Opt, operandType)
			}
			x.SetType(TInt)
		}
	case *IncDecExpr:
		targetType := c.checkExpr(x.Target, scope)
		if !targetType.IsInt() {
			fail(x.GetPos(), "operand of %s must be int, got %s", x.Opt, targetType)
		}
		if !isLvalue(x.Target) {
			fail(x.GetPos(), "operand of %s must be an lvalue", x.Opt)
		}
		x.SetType(TInt)
	case *BinaryExpr:
		c.checkBinary(x, scope)
	case *AssignExpr:
		if !isLvalue(x.Left) {
			fail(x.GetPos(), "left side of assignment is not an lvalue")
		}
		leftType := c.checkExpr(x.Left, scope)
		rightType := c.checkExpr(x.Right, scope)
		if !rightType.AssignableTo(leftType) {
			fail(x.GetPos(), "cannot assign %s to %s", rightType, leftType)
		}
		x.SetType(leftType)
	case *CallExpr:
		c.checkCall(x, scope)
	case *NewExpr:
		cls, ok := c.classes[x.ClassName]
		if !ok {
			fail(x.GetPos(), "undeclared class %q", x.ClassName)
		}
		if cls.Ctor != nil {
			c.checkArgs(x.GetPos(), cls.Ctor.Params, x.Args, scope, cls.Name)
		} else if len(x.Args) != 0 {
			fail(x.GetPos(), "class %q has no constructor but arguments were given", x.ClassName)
		}
		x.SetType(ClassOf(cls))
	case *NewArrayExpr:
		x.ElemType = c.resolveType(x.ElemType)
		t := x.ElemType
		for _, d := range x.Dims {
			dimType := c.checkExpr(d, scope)
			if !dimType.IsInt() {
				fail(x.GetPos(), "array dimension must be int, got %s", dimType)
			}
			t = ArrayOf(t)
		}
		x.SetType(t)
	default:
		fail(Pos{}, "unhandled expression %T", e)
	}
	return e.GetType()
}

func (c *Checker) checkBinary(x *BinaryExpr, scope *Scope) {
	leftType := c.checkExpr(x.Left, scope)
	rightType := c.checkExpr(x.Right, scope)
	switch {
	case x.Opt.IsShortCircuitOp():
		if !leftType.IsBool() || !rightType.IsBool() {
			fail(x.GetPos(), "operands of %s must be bool, got %s and %s", x.Opt, leftType, rightType)
		}
		x.SetType(TBool)
	case x.Opt == TK_EQ || x.Opt == TK_NE:
		if !leftType.Equals(rightType) && !(leftType.IsReference() && rightType.IsNull()) && !(rightType.IsReference() && leftType.IsNull()) {
			fail(x.GetPos(), "cannot compare %s with %s", leftType, rightType)
		}
		x.SetType(TBool)
	case x.Opt.IsCmpOp(): // < <= > >=
		if leftType.IsString() && rightType.IsString() {
			x.SetType(TBool)
			return
		}
		if !leftType.IsInt() || !rightType.IsInt() {
			fail(x.GetPos(), "operands of %s must be int, got %s and %s", x.Opt, leftType, rightType)
		}
		x.SetType(TBool)
	case x.Opt == TK_PLUS && leftType.IsString() && rightType.IsString():
		x.SetType(TString)
	default:
		if !leftType.IsInt() || !rightType.IsInt() {
			fail(x.GetPos(), "operands of %s must be int, got %s and %s", x.Opt, leftType, rightType)
		}
		x.SetType(TInt)
	}
}

func (c *Checker) checkCall(x *CallExpr, scope *Scope) {
	if x.Recv == nil {
		sym, ok := scope.Lookup(x.Name)
		if !ok {
			fail(x.GetPos(), "undeclared function %q", x.Name)
		}
		fn, ok := sym.(*FunctionEntity)
		if !ok {
			fail(x.GetPos(), "%q is not a function", x.Name)
		}
		x.Sym = fn
		c.checkArgs(x.GetPos(), fn.Params, x.Args, scope, x.Name)
		x.SetType(fn.RetType)
		return
	}
	recvType := c.checkExpr(x.Recv, scope)
	if !recvType.IsClass() {
		fail(x.GetPos(), "cannot call method %q on non-class type %s", x.Name, recvType)
	}
	fn := recvType.Class.Method(x.Name)
	if fn == nil {
		fail(x.GetPos(), "class %s has no method %q", recvType.Class.Name, x.Name)
	}
	x.Sym = fn
	c.checkArgs(x.GetPos(), fn.Params, x.Args, scope, x.Name)
	x.SetType(fn.RetType)
}

func (c *Checker) checkArgs(pos Pos, params []*VariableEntity, args []AstExpr, scope *Scope, name string) {
	if len(params) != len(args) {
		fail(pos, "%q expects %d arguments, got %d", name, len(params), len(args))
	}
	for i, a := range args {
		argType := c.checkExpr(a, scope)
		if !argType.AssignableTo(params[i].Type) {
			fail(pos, "argument %d of %q: cannot assign %s to %s", i+1, name, argType, params[i].Type)
		}
	}
}

// isLvalue reports whether e denotes an assignable storage location:
// a variable, a field access, or an array index.
func isLvalue(e AstExpr) bool {
	switch e.(type) {
	case *VarExpr, *FieldExpr, *IndexExpr:
		return true
	default:
		return false
	}
}
