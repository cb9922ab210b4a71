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
package ast

import (
	"os"
	"strconv"
	"strings"

	"mstarc/internal/diag"
)

// Parser is a hand-written recursive-descent parser with a single token of
// lookahead: consume() pulls the next token, lookNext() peeks one further
// when the grammar needs to disambiguate (e.g. a `[]` array-type suffix
// after a type, or a constructor `C(` from a field named `C` in class C).
type Parser struct {
	token      TokenKind
	lexeme     string
	line, col  int
	nextToken  TokenKind
	nextLexeme string
	nextLine   int
	nextCol    int
	hasNext    bool
	lexer      *Lexer
}

func ParseFile(filePath string) *PackageDecl {
	file, err := os.Open(filePath)
	if err != nil {
		panic(diag.NewSemanticError(0, 0, "cannot open %s: %v", filePath, err))
	}
	defer file.Close()

	lexer := new(Lexer)
	lexer.Init(file)
	p := &Parser{lexer: lexer}
	p.consume()
	return p.parsePackage()
}

// ParseString parses source held in memory; used by tests that want a
// PackageDecl without writing a temp file to disk.
func ParseString(name, source string) *PackageDecl {
	lexer := new(Lexer)
	lexer.InitReader(strings.NewReader(source), name)
	p := &Parser{lexer: lexer}
	p.consume()
	return p.parsePackage()
}

func (p *Parser) pos() Pos { return Pos{p.line, p.col} }

func (p *Parser) fail(format string, args ...interface{}) {
	panic(diag.NewSemanticError(p.line, p.col, format, args...))
}

func (p *Parser) guarantee(cond bool, format string, args ...interface{}) {
	if !cond {
		p.fail(format, args...)
	}
}

func (p *Parser) consume() {
	if p.hasNext {
		p.token, p.lexeme, p.line, p.col = p.nextToken, p.nextLexeme, p.nextLine, p.nextCol
		p.hasNext = false
		return
	}
	p.token, p.lexeme = p.lexer.NextToken()
	p.line, p.col = p.lexer.Pos()
}

func (p *Parser) lookNext() TokenKind {
	if !p.hasNext {
		p.nextToken, p.nextLexeme = p.lexer.NextToken()
		p.nextLine, p.nextCol = p.lexer.Pos()
		p.hasNext = true
	}
	return p.nextToken
}

func (p *Parser) expect(tk TokenKind) {
	p.guarantee(p.token == tk, "expected %s, got %s", tk, p.token)
	p.consume()
}

// -----------------------------------------------------------------------------
// Top level

func (p *Parser) parsePackage() *PackageDecl {
	pkg := &PackageDecl{}
	for p.token != TK_EOF {
		switch p.token {
		case KW_CLASS:
			pkg.Classes = append(pkg.Classes, p.parseClassDecl())
		case KW_FUNC:
			pkg.Funcs = append(pkg.Funcs, p.parseFuncDecl(nil))
		case KW_LET:
			pkg.Globals = append(pkg.Globals, p.parseVarDeclStmt())
			p.expect(TK_SEMICOLON)
		default:
			p.fail("expected class, func or let declaration, got %s", p.token)
		}
	}
	return pkg
}

func (p *Parser) parseType() *Type {
	var base *Type
	switch p.token {
	case KW_TYPE_INT:
		base = TInt
		p.consume()
	case KW_TYPE_BOOL:
		base = TBool
		p.consume()
	case KW_TYPE_STR:
		base = TString
		p.consume()
	case KW_TYPE_VOID:
		base = TVoid
		p.consume()
	case TK_IDENT:
		// A forward reference to a class type; resolved to a *ClassEntity
		// by the checker. We stash the name in an otherwise-empty
		// ClassEntity and let the checker rewrite it.
		base = ClassOf(&ClassEntity{Name: p.lexeme})
		p.consume()
	default:
		p.fail("expected a type, got %s", p.token)
	}
	for p.token == TK_LBRACKET && p.lookNext() == TK_RBRACKET {
		p.consume() // [
		p.consume() // ]
		base = ArrayOf(base)
	}
	return base
}

func (p *Parser) parseParams() []*ParamDecl {
	p.expect(TK_LPAREN)
	params := make([]*ParamDecl, 0)
	for p.token != TK_RPAREN {
		if len(params) > 0 {
			p.expect(TK_COMMA)
		}
		p.guarantee(p.token == TK_IDENT, "expected a parameter name")
		name := p.lexeme
		p.consume()
		typ := p.parseType()
		params = append(params, &ParamDecl{Name: name, Type: typ})
	}
	p.expect(TK_RPAREN)
	return params
}

func (p *Parser) parseFuncDecl(recvCls *ClassDecl) *FuncDecl {
	pos := p.pos()
	p.expect(KW_FUNC)
	p.guarantee(p.token == TK_IDENT, "expected a function name")
	name := p.lexeme
	p.consume()
	fn := &FuncDecl{Pos: pos, Name: name, RecvCls: recvCls}
	if recvCls != nil && name == recvCls.Name {
		fn.IsCtor = true
	}
	fn.Params = p.parseParams()
	if p.token == TK_LBRACE || p.token == TK_SEMICOLON {
		fn.RetType = TVoid
	} else {
		fn.RetType = p.parseType()
	}
	if p.token == TK_SEMICOLON {
		// extern declaration: body is provided by the linked runtime, not
		// this translation unit.
		p.consume()
		return fn
	}
	fn.Body = p.parseBlock()
	return fn
}

func (p *Parser) parseClassDecl() *ClassDecl {
	pos := p.pos()
	p.expect(KW_CLASS)
	p.guarantee(p.token == TK_IDENT, "expected a class name")
	cls := &ClassDecl{Pos: pos, Name: p.lexeme}
	p.consume()
	p.expect(TK_LBRACE)
	for p.token != TK_RBRACE {
		if p.token == KW_FUNC {
			fn := p.parseFuncDecl(cls)
			if fn.IsCtor {
				cls.Ctor = fn
			} else {
				cls.Methods = append(cls.Methods, fn)
			}
			continue
		}
		if p.token == TK_IDENT && p.lexeme == cls.Name && p.lookNext() == TK_LPAREN {
			ctor := &FuncDecl{Pos: p.pos(), Name: cls.Name, RecvCls: cls, IsCtor: true, RetType: TVoid}
			p.consume()
			ctor.Params = p.parseParams()
			ctor.Body = p.parseBlock()
			cls.Ctor = ctor
			continue
		}
		p.guarantee(p.token == TK_IDENT, "expected a field or method declaration")
		fname := p.lexeme
		p.consume()
		ftype := p.parseType()
		p.expect(TK_SEMICOLON)
		cls.Fields = append(cls.Fields, &FieldDecl{Name: fname, Type: ftype})
	}
	p.expect(TK_RBRACE)
	return cls
}

// -----------------------------------------------------------------------------
// Statements

func (p *Parser) parseBlock() *Block {
	pos := p.pos()
	p.expect(TK_LBRACE)
	block := &Block{Pos: pos}
	for p.token != TK_RBRACE {
		block.Stmts = append(block.Stmts, p.parseStmt())
	}
	p.expect(TK_RBRACE)
	return block
}

func (p *Parser) parseVarDeclStmt() *VarDeclStmt {
	pos := p.pos()
	p.expect(KW_LET)
	p.guarantee(p.token == TK_IDENT, "expected a variable name")
	name := p.lexeme
	p.consume()
	var typ *Type
	if p.token != TK_ASSIGN {
		typ = p.parseType()
	}
	p.expect(TK_ASSIGN)
	init := p.parseExpr()
	return &VarDeclStmt{Pos: pos, Name: name, Type: typ, Init: init}
}

func (p *Parser) parseStmt() AstStmt {
	switch p.token {
	case KW_LET:
		s := p.parseVarDeclStmt()
		p.expect(TK_SEMICOLON)
		return s
	case KW_IF:
		return p.parseIfStmt()
	case KW_WHILE:
		return p.parseWhileStmt()
	case KW_RETURN:
		pos := p.pos()
		p.consume()
		var expr AstExpr
		if p.token != TK_SEMICOLON {
			expr = p.parseExpr()
		}
		p.expect(TK_SEMICOLON)
		return &ReturnStmt{Pos: pos, Expr: expr}
	case KW_BREAK:
		pos := p.pos()
		p.consume()
		p.expect(TK_SEMICOLON)
		return &BreakStmt{Pos: pos}
	case KW_CONTINUE:
		pos := p.pos()
		p.consume()
		p.expect(TK_SEMICOLON)
		return &ContinueStmt{Pos: pos}
	case TK_LBRACE:
		return p.parseBlock()
	default:
		pos := p.pos()
		expr := p.parseExpr()
		p.expect(TK_SEMICOLON)
		return &ExprStmt{Pos: pos, Expr: expr}
	}
}

func (p *Parser) parseIfStmt() *IfStmt {
	pos := p.pos()
	p.expect(KW_IF)
	p.expect(TK_LPAREN)
	cond := p.parseExpr()
	p.expect(TK_RPAREN)
	then := p.parseBlock()
	stmt := &IfStmt{Pos: pos, Cond: cond, Then: then}
	if p.token == KW_ELSE {
		p.consume()
		if p.token == KW_IF {
			stmt.Else = p.parseIfStmt()
		} else {
			stmt.Else = p.parseBlock()
		}
	}
	return stmt
}

func (p *Parser) parseWhileStmt() *WhileStmt {
	pos := p.pos()
	p.expect(KW_WHILE)
	p.expect(TK_LPAREN)
	cond := p.parseExpr()
	p.expect(TK_RPAREN)
	body := p.parseBlock()
	return &WhileStmt{Pos: pos, Cond: cond, Body: body}
}

// -----------------------------------------------------------------------------
// Expressions, by ascending precedence.

func (p *Parser) parseExpr() AstExpr {
	return p.parseAssign()
}

func (p *Parser) parseAssign() AstExpr {
	left := p.parseLogicalOr()
	if p.token == TK_ASSIGN {
		pos := p.pos()
		p.consume()
		right := p.parseAssign()
		return &AssignExpr{Expr: Expr{Pos: pos}, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseLogicalOr() AstExpr {
	left := p.parseLogicalAnd()
	for p.token == TK_LOGOR {
		pos := p.pos()
		p.consume()
		right := p.parseLogicalAnd()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: TK_LOGOR}
	}
	return left
}

func (p *Parser) parseLogicalAnd() AstExpr {
	left := p.parseBitOr()
	for p.token == TK_LOGAND {
		pos := p.pos()
		p.consume()
		right := p.parseBitOr()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: TK_LOGAND}
	}
	return left
}

func (p *Parser) parseBitOr() AstExpr {
	left := p.parseBitXor()
	for p.token == TK_BITOR {
		pos := p.pos()
		p.consume()
		right := p.parseBitXor()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: TK_BITOR}
	}
	return left
}

func (p *Parser) parseBitXor() AstExpr {
	left := p.parseBitAnd()
	for p.token == TK_BITXOR {
		pos := p.pos()
		p.consume()
		right := p.parseBitAnd()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: TK_BITXOR}
	}
	return left
}

func (p *Parser) parseBitAnd() AstExpr {
	left := p.parseEquality()
	for p.token == TK_BITAND {
		pos := p.pos()
		p.consume()
		right := p.parseEquality()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: TK_BITAND}
	}
	return left
}

func (p *Parser) parseEquality() AstExpr {
	left := p.parseRelational()
	for p.token == TK_EQ || p.token == TK_NE {
		opt, pos := p.token, p.pos()
		p.consume()
		right := p.parseRelational()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: opt}
	}
	return left
}

func (p *Parser) parseRelational() AstExpr {
	left := p.parseShift()
	for p.token == TK_LT || p.token == TK_LE || p.token == TK_GT || p.token == TK_GE {
		opt, pos := p.token, p.pos()
		p.consume()
		right := p.parseShift()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: opt}
	}
	return left
}

func (p *Parser) parseShift() AstExpr {
	left := p.parseAdditive()
	for p.token == TK_LSHIFT || p.token == TK_RSHIFT {
		opt, pos := p.token, p.pos()
		p.consume()
		right := p.parseAdditive()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: opt}
	}
	return left
}

func (p *Parser) parseAdditive() AstExpr {
	left := p.parseMultiplicative()
	for p.token == TK_PLUS || p.token == TK_MINUS {
		opt, pos := p.token, p.pos()
		p.consume()
		right := p.parseMultiplicative()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: opt}
	}
	return left
}

func (p *Parser) parseMultiplicative() AstExpr {
	left := p.parseUnary()
	for p.token == TK_TIMES || p.token == TK_DIV || p.token == TK_MOD {
		opt, pos := p.token, p.pos()
		p.consume()
		right := p.parseUnary()
		left = &BinaryExpr{Expr: Expr{Pos: pos}, Left: left, Right: right, Opt: opt}
	}
	return left
}

func (p *Parser) parseUnary() AstExpr {
	switch p.token {
	case TK_LOGNOT, TK_MINUS, TK_BITNOT:
		opt, pos := p.token, p.pos()
		p.consume()
		operand := p.parseUnary()
		return &UnaryExpr{Expr: Expr{Pos: pos}, Opt: opt, Operand: operand}
	case TK_INC, TK_DEC:
		opt, pos := p.token, p.pos()
		p.consume()
		target := p.parseUnary()
		return &IncDecExpr{Expr: Expr{Pos: pos}, Target: target, Opt: opt, Prefix: true}
	default:
		return p.parsePostfix()
	}
}

func (p *Parser) parsePostfix() AstExpr {
	expr := p.parsePrimary()
	for {
		switch p.token {
		case TK_DOT:
			pos := p.pos()
			p.consume()
			p.guarantee(p.token == TK_IDENT, "expected a field or method name")
			name := p.lexeme
			p.consume()
			if p.token == TK_LPAREN {
				args := p.parseArgs()
				expr = &CallExpr{Expr: Expr{Pos: pos}, Recv: expr, Name: name, Args: args}
			} else {
				expr = &FieldExpr{Expr: Expr{Pos: pos}, Recv: expr, Name: name}
			}
		case TK_LBRACKET:
			pos := p.pos()
			p.consume()
			idx := p.parseExpr()
			p.expect(TK_RBRACKET)
			expr = &IndexExpr{Expr: Expr{Pos: pos}, Recv: expr, Index: idx}
		case TK_INC, TK_DEC:
			opt, pos := p.token, p.pos()
			p.consume()
			expr = &IncDecExpr{Expr: Expr{Pos: pos}, Target: expr, Opt: opt, Prefix: false}
		default:
			return expr
		}
	}
}

func (p *Parser) parseArgs() []AstExpr {
	p.expect(TK_LPAREN)
	args := make([]AstExpr, 0)
	for p.token != TK_RPAREN {
		if len(args) > 0 {
			p.expect(TK_COMMA)
		}
		args = append(args, p.parseExpr())
	}
	p.expect(TK_RPAREN)
	return args
}

func (p *Parser) parsePrimary() AstExpr {
	pos := p.pos()
	switch p.token {
	case LIT_INT:
		v, err := strconv.ParseInt(p.lexeme, 10, 64)
		p.guarantee(err == nil, "malformed integer literal %q", p.lexeme)
		p.consume()
		return &IntExpr{Expr: Expr{Pos: pos}, Value: v}
	case LIT_STR:
		v := p.lexeme
		p.consume()
		return &StrExpr{Expr: Expr{Pos: pos}, Value: v}
	case KW_TRUE:
		p.consume()
		return &BoolExpr{Expr: Expr{Pos: pos}, Value: true}
	case KW_FALSE:
		p.consume()
		return &BoolExpr{Expr: Expr{Pos: pos}, Value: false}
	case KW_NULL:
		p.consume()
		return &NullExpr{Expr: Expr{Pos: pos}}
	case KW_THIS:
		p.consume()
		return &ThisExpr{Expr: Expr{Pos: pos}}
	case KW_NEW:
		return p.parseNewExpr()
	case TK_LPAREN:
		p.consume()
		e := p.parseExpr()
		p.expect(TK_RPAREN)
		return e
	case TK_IDENT:
		name := p.lexeme
		p.consume()
		if p.token == TK_LPAREN {
			args := p.parseArgs()
			return &CallExpr{Expr: Expr{Pos: pos}, Name: name, Args: args}
		}
		return &VarExpr{Expr: Expr{Pos: pos}, Name: name}
	default:
		p.fail("unexpected token %s in expression", p.token)
		return nil
	}
}

func (p *Parser) parseNewExpr() AstExpr {
	pos := p.pos()
	p.expect(KW_NEW)
	// Disambiguate `new Foo(...)` (object) from `new int[...]` / `new Foo[...]`
	// (array): both begin with a type name, so look past it for '('.
	elemType := p.parseScalarOrClassType()
	if p.token == TK_LPAREN {
		className := elemType.String()
		args := p.parseArgs()
		return &NewExpr{Expr: Expr{Pos: pos}, ClassName: className, Args: args}
	}
	p.guarantee(p.token == TK_LBRACKET, "expected '(' or '[' after 'new %s'", elemType)
	dims := make([]AstExpr, 0, 1)
	for p.token == TK_LBRACKET {
		p.consume()
		dims = append(dims, p.parseExpr())
		p.expect(TK_RBRACKET)
	}
	return &NewArrayExpr{Expr: Expr{Pos: pos}, ElemType: elemType, Dims: dims}
}

// parseScalarOrClassType parses a single (non-array) type name, used right
// after `new` where brackets mean "array of N" rather than "array type".
func (p *Parser) parseScalarOrClassType() *Type {
	switch p.token {
	case KW_TYPE_INT:
		p.consume()
		return TInt
	case KW_TYPE_BOOL:
		p.consume()
		return TBool
	case KW_TYPE_STR:
		p.consume()
		return TString
	case TK_IDENT:
		name := p.lexeme
		p.consume()
		return ClassOf(&ClassEntity{Name: name})
	default:
		p.fail("expected a type after 'new', got %s", p.token)
		return nil
	}
}
