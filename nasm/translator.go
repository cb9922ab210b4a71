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

// Package nasm is the final lowering stage: it turns a colored codegen.Func
// into NASM-syntax x86-64 assembly text. By the time a function reaches
// here its instructions are already selected and register-allocated; this
// package only has to pick concrete syntax, frame a prologue/epilogue
// around it, and stage any operand combination NASM can't encode directly
// (two memory operands, or a folded addressing mode whose base/index is
// itself a spilled virtual register) through a scratch register.
package nasm

import (
	"fmt"
	"sort"
	"strings"

	"mstarc/codegen"
	"mstarc/internal/diag"
	"mstarc/regalloc"
	"mstarc/utils"
)

// scratchBase and scratchIndex stage a Mem operand's base/index when either
// names a spilled virtual register; R10/R11 are caller-saved and never
// handed out by the allocator to a value that's still live across such a
// load, since the only way a VReg resolves to a stack slot at this stage is
// the naive every-VReg-on-the-stack fallback (package regalloc), which
// never puts anything in a physical register to begin with.
const (
	scratchBase  = codegen.R10
	scratchIndex = codegen.R11
)

// Unit pairs one function with the allocation decision made for it.
type Unit struct {
	Func  *codegen.Func
	Alloc *regalloc.Allocation
}

// Translate emits one NASM source file for an entire compiled program:
// global variables and string literals in .bss/.rodata, then every
// function in order under .text.
func Translate(globals []string, strings []codegen.StringConst, units []Unit) string {
	t := &translator{}
	t.emitSection(units)
	t.emitData(globals, strings)
	t.line("section .text")
	for _, u := range units {
		t.translateFunc(u.Func, u.Alloc)
	}
	return t.buf.String()
}

type translator struct {
	buf strings.Builder
}

func (t *translator) line(s string) {
	t.buf.WriteString(s)
	t.buf.WriteByte('\n')
}

func (t *translator) emitSection(units []Unit) {
	defined := make(map[string]bool, len(units))
	var entry string
	for _, u := range units {
		defined[u.Func.Name] = true
		if u.Func.IsEntry {
			entry = u.Func.Name
		}
	}
	called := map[string]bool{}
	for _, u := range units {
		for _, i := range u.Func.Instrs {
			if i.Op == codegen.Call {
				called[i.Label] = true
			}
		}
	}
	var externs []string
	for name := range called {
		if !defined[name] {
			externs = append(externs, name)
		}
	}
	sort.Strings(externs)

	t.line("bits 64")
	if entry != "" {
		t.line("global " + entry)
	}
	for _, e := range externs {
		t.line("extern " + e)
	}
	t.line("")
}

// emitData lays out every global variable zero-initialized in .bss (its
// actual value is set at runtime by the synthetic entry function's
// initializer assignments, so .bss is always correct even though a
// compile-time-constant initializer could in principle move it to .data;
// see DESIGN.md) and every string literal, length-prefixed per the
// object layout, in .rodata.
func (t *translator) emitData(globals []string, strs []codegen.StringConst) {
	if len(globals) > 0 {
		t.line("section .bss")
		for _, g := range globals {
			t.line(fmt.Sprintf("%s: resq 1", codegen.GlobalDataLabel(g)))
		}
		t.line("")
	}
	if len(strs) > 0 {
		t.line("section .rodata")
		for _, s := range strs {
			t.line(s.Label + ":")
			t.line(fmt.Sprintf("    dq %d", len(s.Value)))
			t.line("    db " + byteList(s.Value))
		}
		t.line("")
	}
}

func byteList(s string) string {
	bs := []byte(s)
	parts := make([]string, 0, len(bs)+1)
	for _, b := range bs {
		parts = append(parts, fmt.Sprintf("%d", b))
	}
	parts = append(parts, "0") // trailing NUL, harmless for the length-prefixed contract
	return strings.Join(parts, ",")
}

// -----------------------------------------------------------------------------
// Function translation

func calleeSavedUsed(fn *codegen.Func, a *regalloc.Allocation) []codegen.PhysReg {
	used := map[codegen.PhysReg]bool{}
	for _, r := range a.Reg {
		used[r] = true
	}
	var regs []codegen.PhysReg
	for _, r := range codegen.CalleeSaved {
		if used[r] {
			regs = append(regs, r)
		}
	}
	return regs
}

func (t *translator) translateFunc(fn *codegen.Func, a *regalloc.Allocation) {
	frameBytes := utils.Align16(fn.LocalSlots * 8)
	saved := calleeSavedUsed(fn, a)

	t.line(fn.Name + ":")
	if fn.StackArgs > 0 {
		t.line(fmt.Sprintf("    ; %d bytes of stack-passed incoming arguments", fn.StackArgs))
	}
	t.line("    push rbp")
	t.line("    mov rbp, rsp")
	for _, r := range saved {
		t.line("    push " + r.String())
	}
	if frameBytes > 0 {
		t.line(fmt.Sprintf("    sub rsp, %d", frameBytes))
	}

	epilogue := func() {
		if frameBytes > 0 {
			t.line(fmt.Sprintf("    add rsp, %d", frameBytes))
		}
		for i := len(saved) - 1; i >= 0; i-- {
			t.line("    pop " + saved[i].String())
		}
		t.line("    pop rbp")
		t.line("    ret")
	}

	for _, instr := range fn.Instrs {
		if instr.Op == codegen.Ret {
			epilogue()
			continue
		}
		t.translateInstr(instr, a)
	}
	t.line("")
}

// -----------------------------------------------------------------------------
// Operand resolution

type operandKind int

const (
	kindReg operandKind = iota
	kindMem
	kindImm
)

type resolved struct {
	kind operandKind
	reg  codegen.PhysReg // valid when kind == kindReg
	text string          // full operand syntax, valid for every kind
}

// resolver accumulates the scratch-register load instructions a single
// source instruction's operands require before it, then a translator
// appends them ahead of the instruction itself.
type resolver struct {
	a   *regalloc.Allocation
	pre []string
}

func (r *resolver) load(reg codegen.PhysReg, from string) {
	r.pre = append(r.pre, fmt.Sprintf("    mov %s, %s", reg.String(), from))
}

// addrPart resolves a Mem's Base or Index sub-operand into a bare register
// name, loading a spilled virtual register into scratch first since NASM
// addressing modes only ever reference physical registers.
func (r *resolver) addrPart(o codegen.Operand, scratch codegen.PhysReg) string {
	switch v := o.(type) {
	case codegen.PhysRegOperand:
		return v.Reg.String()
	case codegen.VRegOperand:
		if reg, ok := r.a.Reg[v.VReg]; ok {
			return reg.String()
		}
		slot := r.a.Slot[v.VReg]
		r.load(scratch, fmt.Sprintf("[rbp-%d]", 8*(slot+1)))
		return scratch.String()
	default:
		panic(diag.NewInternalError("%T is not valid inside a Mem base/index", o))
	}
}

func (r *resolver) mem(m codegen.Mem) string {
	if m.Label != "" && m.Base == nil {
		return "[rel " + m.Label + "]"
	}
	s := "["
	if m.Base != nil {
		s += r.addrPart(m.Base, scratchBase)
	}
	if m.Index != nil {
		s += fmt.Sprintf("+%s*%d", r.addrPart(m.Index, scratchIndex), m.Scale)
	}
	if m.Disp > 0 {
		s += fmt.Sprintf("+%d", m.Disp)
	} else if m.Disp < 0 {
		s += fmt.Sprintf("%d", m.Disp)
	}
	return s + "]"
}

func (r *resolver) operand(o codegen.Operand) resolved {
	switch v := o.(type) {
	case codegen.Imm:
		return resolved{kind: kindImm, text: fmt.Sprintf("%d", v.Value)}
	case codegen.PhysRegOperand:
		return resolved{kind: kindReg, reg: v.Reg, text: v.Reg.String()}
	case codegen.VRegOperand:
		if reg, ok := r.a.Reg[v.VReg]; ok {
			return resolved{kind: kindReg, reg: reg, text: reg.String()}
		}
		slot := r.a.Slot[v.VReg]
		return resolved{kind: kindMem, text: fmt.Sprintf("[rbp-%d]", 8*(slot+1))}
	case codegen.Mem:
		return resolved{kind: kindMem, text: r.mem(v)}
	default:
		panic(diag.NewInternalError("%T is not a resolvable operand", o))
	}
}

// stageIfBothMem loads b into a fresh scratch register when both a and b
// resolved to memory, since no x86 instruction accepts two memory operands.
func (r *resolver) stageIfBothMem(a resolved, b *resolved) {
	if a.kind == kindMem && b.kind == kindMem {
		r.load(scratchBase, b.text)
		*b = resolved{kind: kindReg, reg: scratchBase, text: scratchBase.String()}
	}
}

// emitIMul writes a two-operand imul, staging dst through scratchBase when
// it resolved to a stack slot: imul has no memory-destination encoding
// (unlike add/sub/and/etc, which take a memory Dst just fine), so a
// destination in a stack slot - which only the naive everything-on-the-stack
// allocator produces, since graph coloring rewrites its spills into fresh
// registers - has to be read into a register, multiplied there, and written
// back.
func (t *translator) emitIMul(dst, src resolved) {
	if dst.kind != kindMem {
		t.line(fmt.Sprintf("    imul %s, %s", dst.text, sized(src)))
		return
	}
	t.line(fmt.Sprintf("    mov %s, %s", scratchBase.String(), dst.text))
	t.line(fmt.Sprintf("    imul %s, %s", scratchBase.String(), sized(src)))
	t.line(fmt.Sprintf("    mov %s, %s", dst.text, scratchBase.String()))
}

// emitLea writes a lea, staging its result through scratchBase when dst
// resolved to a stack slot: lea, like imul, can only ever write a register
// operand. Unlike emitIMul there's nothing to read back first - lea never
// reads its destination - so this is a compute-then-store, not a
// load-compute-store.
func (t *translator) emitLea(dst, src resolved) {
	if dst.kind != kindMem {
		t.line(fmt.Sprintf("    lea %s, %s", dst.text, src.text))
		return
	}
	t.line(fmt.Sprintf("    lea %s, %s", scratchBase.String(), src.text))
	t.line(fmt.Sprintf("    mov %s, %s", dst.text, scratchBase.String()))
}

// sized renders a memory operand with an explicit width so NASM doesn't
// have to (and can't always) infer one from the other operand; every slot
// and global in this object model is one 64-bit word.
func sized(r resolved) string {
	if r.kind == kindMem {
		return "qword " + r.text
	}
	return r.text
}

// byteReg names op's 8-bit sub-register, used by the SETcc family which
// only ever writes one byte.
func byteReg(reg codegen.PhysReg) string {
	names := map[codegen.PhysReg]string{
		codegen.RAX: "al", codegen.RBX: "bl", codegen.RCX: "cl", codegen.RDX: "dl",
		codegen.RSI: "sil", codegen.RDI: "dil",
		codegen.R8: "r8b", codegen.R9: "r9b", codegen.R10: "r10b", codegen.R11: "r11b",
		codegen.R12: "r12b", codegen.R13: "r13b", codegen.R14: "r14b", codegen.R15: "r15b",
	}
	n, ok := names[reg]
	if !ok {
		panic(diag.NewInternalError("%s has no addressable byte sub-register", reg))
	}
	return n
}

// -----------------------------------------------------------------------------
// Instruction translation

func (t *translator) translateInstr(instr *codegen.Instr, a *regalloc.Allocation) {
	r := &resolver{a: a}

	switch instr.Op {
	case codegen.LabelPseudo:
		t.line(instr.Label + ":")
		return
	case codegen.Jmp, codegen.Je, codegen.Jne, codegen.Jl, codegen.Jle, codegen.Jg, codegen.Jge, codegen.Jnz:
		t.line("    " + instr.Op.String() + " " + instr.Label)
		return
	case codegen.Call:
		t.line("    call " + instr.Label)
		return
	case codegen.Cdq:
		t.line("    cdq")
		return
	}

	switch instr.Op {
	case codegen.Mov, codegen.Add, codegen.Sub, codegen.And, codegen.Or, codegen.Xor,
		codegen.Shl, codegen.Sar:
		dst := r.operand(instr.Dst)
		src := r.operand(instr.Src1)
		r.stageIfBothMem(dst, &src)
		t.flush(r)
		t.line(fmt.Sprintf("    %s %s, %s", instr.Op.String(), sized(dst), sized(src)))
	case codegen.IMul:
		dst := r.operand(instr.Dst)
		src := r.operand(instr.Src1)
		t.flush(r)
		t.emitIMul(dst, src)
	case codegen.Lea:
		dst := r.operand(instr.Dst)
		src := r.operand(instr.Src1)
		t.flush(r)
		t.emitLea(dst, src)
	case codegen.Neg, codegen.Not:
		dst := r.operand(instr.Dst)
		t.flush(r)
		t.line(fmt.Sprintf("    %s %s", instr.Op.String(), sized(dst)))
	case codegen.IDiv:
		src := r.operand(instr.Src1)
		t.flush(r)
		t.line(fmt.Sprintf("    idiv %s", sized(src)))
	case codegen.Cmp, codegen.Test:
		left := r.operand(instr.Src1)
		right := r.operand(instr.Src2)
		r.stageIfBothMem(left, &right)
		t.flush(r)
		t.line(fmt.Sprintf("    %s %s, %s", instr.Op.String(), sized(left), sized(right)))
	case codegen.SetE, codegen.SetNE, codegen.SetL, codegen.SetLE, codegen.SetG, codegen.SetGE:
		dst := r.operand(instr.Dst)
		t.flush(r)
		if dst.kind == kindReg {
			t.line(fmt.Sprintf("    %s %s", instr.Op.String(), byteReg(dst.reg)))
		} else {
			t.line(fmt.Sprintf("    %s byte %s", instr.Op.String(), dst.text))
		}
	case codegen.Push:
		src := r.operand(instr.Src1)
		t.flush(r)
		t.line("    push " + sized(src))
	case codegen.Pop:
		dst := r.operand(instr.Dst)
		t.flush(r)
		t.line("    pop " + sized(dst))
	default:
		panic(diag.NewInternalError("nasm translation not implemented for opcode %s", instr.Op))
	}
}

func (t *translator) flush(r *resolver) {
	for _, l := range r.pre {
		t.line(l)
	}
}
