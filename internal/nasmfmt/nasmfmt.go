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

// Package nasmfmt cross-checks the mnemonic and register-name tables the
// nasm package emits against golang.org/x/arch/x86/x86asm's own tables.
// Nothing here assembles or disassembles generated code: x86asm is used
// purely as an independently-maintained reference for what a mnemonic or
// register is actually called, so codegen's opNames/physRegNames tables
// can't silently drift from real x86 nomenclature without a test failing.
package nasmfmt

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"mstarc/codegen"
)

// aliasedMnemonics carries codegen.Op values whose NASM mnemonic is a
// textual alias for the same opcode x86asm reports under a different
// canonical name (e.g. NASM's "jnz" and "jne" both assemble to opcode
// 0x75; x86asm's decoder only ever reports one canonical Op for it).
var aliasedMnemonics = map[codegen.Op]string{
	codegen.Jnz: "jnz",
}

// mnemonicXref maps every codegen.Op with a direct x86asm.Op counterpart to
// that counterpart. LabelPseudo is deliberately absent: it is not a real
// instruction and has no encoding.
var mnemonicXref = map[codegen.Op]x86asm.Op{
	codegen.Mov:   x86asm.MOV,
	codegen.Lea:   x86asm.LEA,
	codegen.Add:   x86asm.ADD,
	codegen.Sub:   x86asm.SUB,
	codegen.IMul:  x86asm.IMUL,
	codegen.IDiv:  x86asm.IDIV,
	codegen.And:   x86asm.AND,
	codegen.Or:    x86asm.OR,
	codegen.Xor:   x86asm.XOR,
	codegen.Shl:   x86asm.SHL,
	codegen.Sar:   x86asm.SAR,
	codegen.Neg:   x86asm.NEG,
	codegen.Not:   x86asm.NOT,
	codegen.Cmp:   x86asm.CMP,
	codegen.Test:  x86asm.TEST,
	codegen.Cdq:   x86asm.CDQ,
	codegen.SetE:  x86asm.SETE,
	codegen.SetNE: x86asm.SETNE,
	codegen.SetL:  x86asm.SETL,
	codegen.SetLE: x86asm.SETLE,
	codegen.SetG:  x86asm.SETG,
	codegen.SetGE: x86asm.SETGE,
	codegen.Jmp:   x86asm.JMP,
	codegen.Je:    x86asm.JE,
	codegen.Jne:   x86asm.JNE,
	codegen.Jl:    x86asm.JL,
	codegen.Jle:   x86asm.JLE,
	codegen.Jg:    x86asm.JG,
	codegen.Jge:   x86asm.JGE,
	codegen.Jnz:   x86asm.JNE,
	codegen.Call:  x86asm.CALL,
	codegen.Push:  x86asm.PUSH,
	codegen.Pop:   x86asm.POP,
	codegen.Ret:   x86asm.RET,
}

// CheckMnemonics returns one message per codegen.Op whose own mnemonic text
// doesn't match x86asm's name for the same opcode (after the known NASM
// alias substitutions), empty if every table entry agrees.
func CheckMnemonics() []string {
	var bad []string
	for op, want := range mnemonicXref {
		got := strings.ToLower(op.String())
		wantText := strings.ToLower(want.String())
		if alias, ok := aliasedMnemonics[op]; ok {
			wantText = alias
		}
		if got != wantText {
			bad = append(bad, fmt.Sprintf("%v: nasm emits %q, x86asm calls it %q", op, got, wantText))
		}
	}
	return bad
}

// registerXref maps every codegen.PhysReg to its x86asm.Reg counterpart.
var registerXref = map[codegen.PhysReg]x86asm.Reg{
	codegen.RAX: x86asm.RAX,
	codegen.RBX: x86asm.RBX,
	codegen.RCX: x86asm.RCX,
	codegen.RDX: x86asm.RDX,
	codegen.RSI: x86asm.RSI,
	codegen.RDI: x86asm.RDI,
	codegen.R8:  x86asm.R8,
	codegen.R9:  x86asm.R9,
	codegen.R10: x86asm.R10,
	codegen.R11: x86asm.R11,
	codegen.R12: x86asm.R12,
	codegen.R13: x86asm.R13,
	codegen.R14: x86asm.R14,
	codegen.R15: x86asm.R15,
	codegen.RBP: x86asm.RBP,
	codegen.RSP: x86asm.RSP,
}

// CheckRegisterNames returns one message per codegen.PhysReg whose own name
// doesn't match x86asm's name for the same register, empty if every table
// entry agrees.
func CheckRegisterNames() []string {
	var bad []string
	for reg, want := range registerXref {
		got := strings.ToLower(reg.String())
		wantText := strings.ToLower(want.String())
		if got != wantText {
			bad = append(bad, fmt.Sprintf("%v: nasm emits %q, x86asm calls it %q", reg, got, wantText))
		}
	}
	return bad
}
