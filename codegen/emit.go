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
package codegen

import (
	"fmt"

	"mstarc/internal/diag"
	"mstarc/ir"
	"mstarc/utils"
)

// StringConst is a string literal discovered while selecting instructions;
// the translator (package nasm) lays these out in .rodata.
type StringConst struct {
	Label string
	Value string
}

// GlobalDataLabel is the .bss symbol a source-level global variable
// is addressed through; kept distinct from user function/method names so
// the two namespaces never collide once both land in one assembly file.
func GlobalDataLabel(name string) string { return "g$" + name }

// Emitter turns one ir.Function into a codegen.Func: a flat list of
// abstract instructions over virtual registers, with addressing-mode
// folding, strength reduction for power-of-two multiplication, and
// compare/branch fusion already applied. It never makes a register
// allocation decision itself.
type Emitter struct {
	fn       *Func
	nextVReg VReg
	strings  []StringConst
}

// Emit selects instructions for one IR function.
func Emit(src *ir.Function) (*Func, []StringConst) {
	e := &Emitter{fn: &Func{Name: src.Name, IsEntry: src.IsEntry}, nextVReg: VReg(src.NumTemps)}
	if len(src.Params) > len(ArgRegs) {
		e.fn.StackArgs = 8 * (len(src.Params) - len(ArgRegs))
	}
	for i, p := range src.Params {
		dst := VRegOperand{VReg: VReg(p.Id)}
		if i < len(ArgRegs) {
			e.emit(Mov, dst, PhysRegOperand{Reg: ArgRegs[i]}, nil, "")
		} else {
			stackOffset := int64(16 + 8*(i-len(ArgRegs)))
			e.emit(Mov, dst, Mem{Base: PhysRegOperand{Reg: RBP}, Disp: stackOffset}, nil, "")
		}
	}
	for _, s := range src.Body {
		e.emitStmt(s)
	}
	e.fn.NumVRegs = int(e.nextVReg)
	return e.fn, e.strings
}

func (e *Emitter) newVReg() VReg {
	v := e.nextVReg
	e.nextVReg++
	return v
}

func (e *Emitter) emit(op Op, dst, src1, src2 Operand, comment string) *Instr {
	i := &Instr{Op: op, Dst: dst, Src1: src1, Src2: src2, Comment: comment}
	e.fn.Instrs = append(e.fn.Instrs, i)
	return i
}

// -----------------------------------------------------------------------------
// Statements

func (e *Emitter) emitStmt(s ir.Stmt) {
	switch st := s.(type) {
	case ir.Assign:
		e.emitAssign(st)
	case ir.CJump:
		e.emitCJump(st)
	case ir.Jump:
		e.emit(Jmp, nil, nil, nil, "").Label = st.Target.Name
	case ir.LabelStmt:
		e.emit(LabelPseudo, nil, nil, nil, "").Label = st.Label.Name
	case ir.Return:
		if st.Expr != nil {
			val := e.emitOperand(st.Expr)
			e.emit(Mov, PhysRegOperand{Reg: RAX}, val, nil, "")
		}
		e.emit(Ret, nil, nil, nil, "")
	case ir.Call:
		e.emitCall(st)
	case ir.ExprStmt:
		e.emitOperand(st.Expr)
	default:
		panic(diag.NewInternalError("unhandled ir statement %T in instruction selection", s))
	}
}

func (e *Emitter) emitAssign(st ir.Assign) {
	switch lhs := st.Lhs.(type) {
	case *ir.Temp:
		e.emitInto(VRegOperand{VReg: VReg(lhs.Id)}, st.Rhs)
	case ir.Mem:
		addr := e.emitAddress(lhs.Addr)
		src := e.emitOperand(st.Rhs)
		if _, isMem := src.(Mem); isMem {
			// mem-to-mem moves are not encodable; stage through a register
			tmp := e.newVReg()
			e.emit(Mov, VRegOperand{VReg: tmp}, src, nil, "")
			src = VRegOperand{VReg: tmp}
		}
		e.emit(Mov, addr, src, nil, "")
	default:
		panic(diag.NewInternalError("unhandled assignment target %T", st.Lhs))
	}
}

// emitCJump fuses a comparison directly into cmp+jcc when the condition is
// itself a comparison, instead of materializing a throwaway 0/1 word and
// testing it.
func (e *Emitter) emitCJump(st ir.CJump) {
	if b, ok := st.Cond.(ir.Binary); ok {
		op := b.Op
		if op == ir.OpStrCompare {
			op = b.StrCompareOp
		}
		if op.IsCompare() {
			left := e.emitOperand(b.Left)
			right := e.emitOperand(b.Right)
			left = e.toRegisterIfBothMem(left, &right)
			e.emit(Cmp, nil, left, right, "")
			e.emit(jccFor(op), nil, nil, nil, "").Label = st.Then.Name
			e.emit(Jmp, nil, nil, nil, "").Label = st.Else.Name
			return
		}
	}
	val := e.emitOperand(st.Cond)
	e.emit(Test, nil, val, val, "")
	e.emit(Jnz, nil, nil, nil, "").Label = st.Then.Name
	e.emit(Jmp, nil, nil, nil, "").Label = st.Else.Name
}

func jccFor(op ir.BinOp) Op {
	switch op {
	case ir.OpEq:
		return Je
	case ir.OpNe:
		return Jne
	case ir.OpLt:
		return Jl
	case ir.OpLe:
		return Jle
	case ir.OpGt:
		return Jg
	case ir.OpGe:
		return Jge
	default:
		panic(diag.NewInternalError("%s is not a comparison", op))
	}
}

func setccFor(op ir.BinOp) Op {
	switch op {
	case ir.OpEq:
		return SetE
	case ir.OpNe:
		return SetNE
	case ir.OpLt:
		return SetL
	case ir.OpLe:
		return SetLE
	case ir.OpGt:
		return SetG
	case ir.OpGe:
		return SetGE
	default:
		panic(diag.NewInternalError("%s is not a comparison", op))
	}
}

func (e *Emitter) emitCall(st ir.Call) {
	if len(st.Args) > len(ArgRegs) {
		stackArgs := st.Args[len(ArgRegs):]
		for i := len(stackArgs) - 1; i >= 0; i-- {
			val := e.emitOperand(stackArgs[i])
			e.emit(Push, nil, val, nil, "")
		}
	}
	regArgs := st.Args
	if len(regArgs) > len(ArgRegs) {
		regArgs = regArgs[:len(ArgRegs)]
	}
	for i, a := range regArgs {
		val := e.emitOperand(a)
		e.emit(Mov, PhysRegOperand{Reg: ArgRegs[i]}, val, nil, "")
	}
	e.emit(Call, nil, nil, nil, "").Label = st.Function
	if len(st.Args) > len(ArgRegs) {
		freed := int64(8 * (len(st.Args) - len(ArgRegs)))
		e.emit(Add, PhysRegOperand{Reg: RSP}, PhysRegOperand{Reg: RSP}, Imm{Value: freed}, "restore stack after call")
	}
	if st.Result != nil {
		e.emit(Mov, VRegOperand{VReg: VReg(st.Result.Id)}, PhysRegOperand{Reg: RAX}, nil, "")
	}
}

// -----------------------------------------------------------------------------
// Expressions

// emitInto selects instructions that compute e directly into dst, used for
// Assign targets so simple cases (`t := other temp`) don't allocate an
// extra virtual register just to move out of it again.
func (e *Emitter) emitInto(dst Operand, expr ir.Expr) {
	switch x := expr.(type) {
	case ir.Unary:
		src := e.emitOperand(x.Operand)
		e.emit(Mov, dst, src, nil, "")
		switch x.Op {
		case ir.OpNeg:
			e.emit(Neg, dst, nil, nil, "")
		case ir.OpBitNot:
			e.emit(Not, dst, nil, nil, "")
		}
		return
	case ir.Binary:
		e.emitBinaryInto(dst, x)
		return
	default:
		src := e.emitOperand(expr)
		e.emit(Mov, dst, src, nil, "")
	}
}

// emitOperand selects instructions computing expr's value and returns an
// operand holding it; immediates and already-resident temporaries are
// returned directly rather than forced through an extra mov.
func (e *Emitter) emitOperand(expr ir.Expr) Operand {
	switch x := expr.(type) {
	case ir.IntConst:
		return Imm{Value: x.Value}
	case ir.BoolConst:
		if x.Value {
			return Imm{Value: 1}
		}
		return Imm{Value: 0}
	case ir.NullConst:
		return Imm{Value: 0}
	case ir.TempRef:
		return VRegOperand{VReg: VReg(x.Temp.Id)}
	case ir.StrConst:
		e.strings = append(e.strings, StringConst{Label: x.DataLabel, Value: x.Value})
		dst := e.newVReg()
		e.emit(Lea, VRegOperand{VReg: dst}, Mem{Label: x.DataLabel}, nil, "")
		return VRegOperand{VReg: dst}
	case ir.AddrOf:
		addr := e.emitAddress(x.Operand)
		dst := e.newVReg()
		e.emit(Lea, VRegOperand{VReg: dst}, addr, nil, "")
		return VRegOperand{VReg: dst}
	case ir.Mem:
		addr := e.emitAddress(x.Addr)
		dst := e.newVReg()
		e.emit(Mov, VRegOperand{VReg: dst}, addr, nil, "")
		return VRegOperand{VReg: dst}
	case ir.Unary:
		dst := e.newVReg()
		e.emitInto(VRegOperand{VReg: dst}, x)
		return VRegOperand{VReg: dst}
	case ir.Binary:
		dst := e.newVReg()
		e.emitBinaryInto(VRegOperand{VReg: dst}, x)
		return VRegOperand{VReg: dst}
	default:
		panic(diag.NewInternalError("unhandled ir expression %T in instruction selection", expr))
	}
}

// emitAddress folds expr, which must denote a byte address, into a single
// x86 addressing mode: plain register, [base+disp], or [rel label]. The IR
// builder always hoists an array index's scaled offset into its own temp
// before adding the base (see ir.Builder.indexAddr), so a constant-only
// displacement is all this ever needs to fold.
func (e *Emitter) emitAddress(expr ir.Expr) Mem {
	if ao, ok := expr.(ir.AddrOf); ok {
		if g, ok := ao.Operand.(ir.GlobalRef); ok {
			return Mem{Label: GlobalDataLabel(g.Name)}
		}
	}
	if b, ok := expr.(ir.Binary); ok && b.Op == ir.OpAdd {
		if disp, ok := asConstDisp(b.Right); ok {
			base := e.emitOperand(b.Left)
			return Mem{Base: base, Disp: disp}
		}
	}
	base := e.emitOperand(expr)
	return Mem{Base: base}
}

func asConstDisp(e ir.Expr) (int64, bool) {
	if c, ok := e.(ir.IntConst); ok {
		return c.Value, true
	}
	return 0, false
}

func (e *Emitter) emitBinaryInto(dst Operand, x ir.Binary) {
	op := x.Op
	if op == ir.OpStrCompare {
		op = x.StrCompareOp
	}
	if op.IsCompare() {
		left := e.emitOperand(x.Left)
		right := e.emitOperand(x.Right)
		left = e.toRegisterIfBothMem(left, &right)
		e.emit(Xor, dst, dst, nil, "")
		e.emit(Cmp, nil, left, right, "")
		e.emit(setccFor(op), dst, nil, nil, "")
		return
	}
	switch op {
	case ir.OpMul:
		if n, ok := asConstDisp(x.Right); ok && e.strengthReduceMul(dst, x.Left, n) {
			return
		}
		if n, ok := asConstDisp(x.Left); ok && e.strengthReduceMul(dst, x.Right, n) {
			return
		}
		left := e.emitOperand(x.Left)
		right := e.emitOperand(x.Right)
		e.emit(Mov, dst, left, nil, "")
		e.emit(IMul, dst, right, nil, "")
	case ir.OpDiv, ir.OpMod:
		if n, ok := asConstDisp(x.Right); ok && utils.IsPowerOfTwo(n) {
			e.strengthReduceDivMod(dst, x.Left, n, op)
			return
		}
		left := e.emitOperand(x.Left)
		right := e.emitOperand(x.Right)
		e.emit(Mov, PhysRegOperand{Reg: RAX}, left, nil, "")
		e.emit(Cdq, nil, nil, nil, "")
		if _, isImm := right.(Imm); isImm {
			tmp := e.newVReg()
			e.emit(Mov, VRegOperand{VReg: tmp}, right, nil, "")
			right = VRegOperand{VReg: tmp}
		}
		e.emit(IDiv, nil, right, nil, "")
		if op == ir.OpDiv {
			e.emit(Mov, dst, PhysRegOperand{Reg: RAX}, nil, "")
		} else {
			e.emit(Mov, dst, PhysRegOperand{Reg: RDX}, nil, "")
		}
	case ir.OpShl, ir.OpShr:
		left := e.emitOperand(x.Left)
		e.emit(Mov, dst, left, nil, "")
		shiftOp := Shl
		if op == ir.OpShr {
			shiftOp = Sar
		}
		if n, ok := asConstDisp(x.Right); ok {
			e.emit(shiftOp, dst, Imm{Value: n}, nil, "")
			return
		}
		right := e.emitOperand(x.Right)
		e.emit(Mov, PhysRegOperand{Reg: RCX}, right, nil, "")
		e.emit(shiftOp, dst, PhysRegOperand{Reg: RCX}, nil, "")
	default:
		left := e.emitOperand(x.Left)
		right := e.emitOperand(x.Right)
		e.emit(Mov, dst, left, nil, "")
		e.emit(arithOp(op), dst, right, nil, "")
	}
}

// strengthReduceMul rewrites dst = operand*n as shifts/adds when n is cheap
// to synthesize without IMUL: a plain shift for a single set bit, a shift
// plus an add of a second shifted copy for exactly two set bits (e.g. *5 =
// (x<<2)+x, matching what a single LEA with a scale of 4 would compute).
// Reports whether it emitted anything; the caller falls back to IMul
// otherwise.
func (e *Emitter) strengthReduceMul(dst Operand, operand ir.Expr, n int64) bool {
	if n <= 1 {
		return false
	}
	switch utils.PopCount(n) {
	case 1:
		src := e.emitOperand(operand)
		e.emit(Mov, dst, src, nil, "")
		e.emit(Shl, dst, Imm{Value: int64(utils.Log2(n))}, nil, "strength-reduced *"+fmt.Sprint(n))
		return true
	case 2:
		hi := n & (n - 1) // clears the lowest set bit, leaving the higher one
		lo := n - hi
		src := e.emitOperand(operand)
		tmp := e.newVReg()
		e.emit(Mov, dst, src, nil, "")
		e.emit(Shl, dst, Imm{Value: int64(utils.Log2(hi))}, nil, "")
		e.emit(Mov, VRegOperand{VReg: tmp}, src, nil, "")
		e.emit(Shl, VRegOperand{VReg: tmp}, Imm{Value: int64(utils.Log2(lo))}, nil, "")
		e.emit(Add, dst, VRegOperand{VReg: tmp}, nil, "strength-reduced *"+fmt.Sprint(n))
		return true
	default:
		return false
	}
}

// strengthReduceDivMod rewrites dst = operand/n or operand%n, n a power of
// two, as shift+mask with the sign correction signed division needs: an
// arithmetic shift by 63 turns the dividend into an all-0s or all-1s mask
// selecting whether the rounding-towards-zero correction (n-1, masked by
// that sign) gets added before the final arithmetic shift. Mod is then
// computed from the quotient via the x = q*n + rem identity.
func (e *Emitter) strengthReduceDivMod(dst Operand, operand ir.Expr, n int64, op ir.BinOp) {
	k := int64(utils.Log2(n))
	src := e.emitOperand(operand)
	corr := e.newVReg()
	e.emit(Mov, dst, src, nil, "")
	e.emit(Mov, VRegOperand{VReg: corr}, dst, nil, "")
	e.emit(Sar, VRegOperand{VReg: corr}, Imm{Value: 63}, nil, "")
	e.emit(And, VRegOperand{VReg: corr}, Imm{Value: n - 1}, nil, "")
	e.emit(Add, dst, VRegOperand{VReg: corr}, nil, "")
	if op == ir.OpDiv {
		e.emit(Sar, dst, Imm{Value: k}, nil, "strength-reduced /"+fmt.Sprint(n))
		return
	}
	q := e.newVReg()
	e.emit(Mov, VRegOperand{VReg: q}, dst, nil, "")
	e.emit(Sar, VRegOperand{VReg: q}, Imm{Value: k}, nil, "")
	e.emit(Shl, VRegOperand{VReg: q}, Imm{Value: k}, nil, "")
	e.emit(Mov, dst, src, nil, "")
	e.emit(Sub, dst, VRegOperand{VReg: q}, nil, "strength-reduced %"+fmt.Sprint(n))
}

func arithOp(op ir.BinOp) Op {
	switch op {
	case ir.OpAdd:
		return Add
	case ir.OpSub:
		return Sub
	case ir.OpBitAnd:
		return And
	case ir.OpBitOr:
		return Or
	case ir.OpBitXor:
		return Xor
	default:
		panic(diag.NewInternalError("%s has no direct arithmetic instruction", op))
	}
}

// toRegisterIfBothMem guarantees at least one of a two-operand instruction's
// sides is a register, since x86 never allows two memory operands; the IR
// here never produces a bare VReg-to-VReg conflict (both are always
// register-class operands pre-allocation), so this only ever fires once
// spilled operands reach this stage post register allocation rewriting.
func (e *Emitter) toRegisterIfBothMem(left Operand, right *Operand) Operand {
	_, lMem := left.(Mem)
	_, rMem := (*right).(Mem)
	if lMem && rMem {
		tmp := e.newVReg()
		e.emit(Mov, VRegOperand{VReg: tmp}, left, nil, "")
		return VRegOperand{VReg: tmp}
	}
	return left
}
