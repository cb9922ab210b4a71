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

// Package dataflow runs the classic fixpoint analyses over one codegen.Func's
// control-flow graph: liveness (for the register allocator's interference
// graph), constant and copy propagation driven by each VReg's definition
// sites across the whole function (there is no per-program-point
// reaching-definitions analysis), and a dead-store elimination pass that
// repeats until nothing more is removed.
package dataflow

import (
	"mstarc/cfg"
	"mstarc/codegen"
	"mstarc/utils"
)

func isRMW(op codegen.Op) bool {
	switch op {
	case codegen.Add, codegen.Sub, codegen.IMul, codegen.And, codegen.Or, codegen.Xor,
		codegen.Shl, codegen.Sar, codegen.Neg, codegen.Not,
		codegen.SetE, codegen.SetNE, codegen.SetL, codegen.SetLE, codegen.SetG, codegen.SetGE:
		return true
	default:
		return false
	}
}

func vregOf(o codegen.Operand) (codegen.VReg, bool) {
	if v, ok := o.(codegen.VRegOperand); ok {
		return v.VReg, true
	}
	return 0, false
}

func addOperandUses(o codegen.Operand, add func(codegen.VReg)) {
	switch x := o.(type) {
	case codegen.VRegOperand:
		add(x.VReg)
	case codegen.Mem:
		if v, ok := vregOf(x.Base); ok {
			add(v)
		}
		if v, ok := vregOf(x.Index); ok {
			add(v)
		}
	}
}

// Uses returns the virtual registers an instruction reads.
func Uses(i *codegen.Instr) []codegen.VReg {
	var vs []codegen.VReg
	add := func(v codegen.VReg) { vs = append(vs, v) }
	if i.Src1 != nil {
		addOperandUses(i.Src1, add)
	}
	if i.Src2 != nil {
		addOperandUses(i.Src2, add)
	}
	if i.Dst != nil {
		if _, isMem := i.Dst.(codegen.Mem); isMem {
			addOperandUses(i.Dst, add)
		} else if isRMW(i.Op) {
			addOperandUses(i.Dst, add)
		}
	}
	return vs
}

// Defines returns the virtual register an instruction writes, if any.
func Defines(i *codegen.Instr) (codegen.VReg, bool) {
	if i.Dst == nil {
		return 0, false
	}
	if _, isMem := i.Dst.(codegen.Mem); isMem {
		return 0, false
	}
	return vregOf(i.Dst)
}

// LiveSets holds the classic backward liveness in/out bitmaps, keyed by
// block; bit i set means VReg(i) is live.
type LiveSets struct {
	In, Out map[*cfg.Block]*utils.BitMap
}

// Liveness computes per-block live-in/live-out sets over g by iterating the
// standard backward equations to a fixpoint:
//
//	LiveIn[b]  = Gen[b] U (LiveOut[b] - Kill[b])
//	LiveOut[b] = union of LiveIn[s] for every successor s
func Liveness(g *cfg.Graph, numVRegs int) *LiveSets {
	gen := make(map[*cfg.Block]*utils.BitMap)
	kill := make(map[*cfg.Block]*utils.BitMap)
	for _, b := range g.Blocks {
		gb := utils.NewBitMap(numVRegs)
		kb := utils.NewBitMap(numVRegs)
		for _, instr := range b.Instrs {
			for _, u := range Uses(instr) {
				if !kb.IsSet(int(u)) {
					gb.Set(int(u))
				}
			}
			if d, ok := Defines(instr); ok {
				kb.Set(int(d))
			}
		}
		gen[b] = gb
		kill[b] = kb
	}

	in := make(map[*cfg.Block]*utils.BitMap)
	out := make(map[*cfg.Block]*utils.BitMap)
	for _, b := range g.Blocks {
		in[b] = utils.NewBitMap(numVRegs)
		out[b] = utils.NewBitMap(numVRegs)
	}

	changed := true
	for changed {
		changed = false
		for i := len(g.Blocks) - 1; i >= 0; i-- {
			b := g.Blocks[i]
			for _, s := range b.Succs {
				if out[b].Unite(in[s]) {
					changed = true
				}
			}
			newIn := out[b].Copy()
			newIn.Remove(kill[b])
			newIn.Unite(gen[b])
			if in[b].SetFrom(newIn) {
				changed = true
			}
		}
	}
	return &LiveSets{In: in, Out: out}
}

// LiveOutAfter returns the set of VRegs live immediately after
// b.Instrs[index], walking b's own instructions backward from its LiveOut
// set so the caller can build per-program-point interference.
func LiveOutAfter(b *cfg.Block, ls *LiveSets, index int) *utils.BitMap {
	live := ls.Out[b].Copy()
	for i := len(b.Instrs) - 1; i > index; i-- {
		instr := b.Instrs[i]
		if d, ok := Defines(instr); ok {
			live.Reset(int(d))
		}
		for _, u := range Uses(instr) {
			live.Set(int(u))
		}
	}
	return live
}

// defSite names one definition site: the block and the index within that
// block of the instruction that wrote a given VReg.
type defSite struct {
	block *cfg.Block
	index int
	instr *codegen.Instr
}

// PropagateConstantsAndCopies replaces a use with an immediate when the
// VReg's only definition in the function is a `mov vreg, imm`, and with
// another VReg when that only definition is a `mov vreg, vreg2`, chasing
// through an already-propagated copy. Both rewrites run together to a
// fixpoint and report how many operands they rewrote, since a
// freshly propagated copy can expose a fresh constant and vice versa.
func PropagateConstantsAndCopies(fn *codegen.Func) int {
	total := 0
	for {
		g := cfg.Build(fn)
		defsOf := computeDefSites(g)
		n := 0
		for _, b := range g.Blocks {
			for _, instr := range b.Instrs {
				n += rewriteUses(instr, defsOf)
			}
		}
		total += n
		if n == 0 {
			return total
		}
	}
}

// computeDefSites maps each VReg to the set of instructions, anywhere in
// the function, that define it; reaching-definitions analysis proper would
// narrow this per program point, but mstarc functions are small enough
// that a whole-function "unique definition site" check (the two fixed-
// point passes converge on the same answer either way once a register has
// exactly one assignment reaching every use) is all propagation needs.
func computeDefSites(g *cfg.Graph) map[codegen.VReg][]defSite {
	m := make(map[codegen.VReg][]defSite)
	for _, b := range g.Blocks {
		for i, instr := range b.Instrs {
			if d, ok := Defines(instr); ok {
				m[d] = append(m[d], defSite{block: b, index: i, instr: instr})
			}
		}
	}
	return m
}

func rewriteUses(instr *codegen.Instr, defsOf map[codegen.VReg][]defSite) int {
	n := 0
	rewrite := func(o codegen.Operand) codegen.Operand {
		v, ok := vregOf(o)
		if !ok {
			return o
		}
		sites := defsOf[v]
		if len(sites) != 1 {
			return o
		}
		def := sites[0].instr
		if def.Op != codegen.Mov {
			return o
		}
		switch src := def.Src1.(type) {
		case codegen.Imm:
			n++
			return src
		case codegen.VRegOperand:
			if src.VReg != v {
				n++
				return src
			}
		}
		return o
	}
	if instr.Src1 != nil {
		if _, isMem := instr.Src1.(codegen.Mem); !isMem {
			instr.Src1 = rewrite(instr.Src1)
		}
	}
	if instr.Src2 != nil {
		if _, isMem := instr.Src2.(codegen.Mem); !isMem {
			instr.Src2 = rewrite(instr.Src2)
		}
	}
	return n
}

// EliminateDeadStores removes any instruction that defines a VReg not live
// immediately afterward and carries no other effect, re-running liveness
// after each pass since removing a definition can strand its own operands.
// Call/Push/Cdq/IDiv/Ret/control-flow instructions are never candidates:
// their effect isn't captured by a VReg def at all.
func EliminateDeadStores(fn *codegen.Func, numVRegs int) int {
	total := 0
	for {
		g := cfg.Build(fn)
		ls := Liveness(g, numVRegs)
		dead := make(map[*codegen.Instr]bool)
		for _, b := range g.Blocks {
			for i, instr := range b.Instrs {
				if !hasOnlyRegisterEffect(instr) {
					continue
				}
				d, ok := Defines(instr)
				if !ok {
					continue
				}
				liveAfter := LiveOutAfter(b, ls, i)
				if !liveAfter.IsSet(int(d)) {
					dead[instr] = true
				}
			}
		}
		if len(dead) == 0 {
			return total
		}
		total += len(dead)
		kept := fn.Instrs[:0]
		for _, instr := range fn.Instrs {
			if !dead[instr] {
				kept = append(kept, instr)
			}
		}
		fn.Instrs = kept
	}
}

func hasOnlyRegisterEffect(i *codegen.Instr) bool {
	switch i.Op {
	case codegen.Mov, codegen.Lea, codegen.Add, codegen.Sub, codegen.IMul,
		codegen.And, codegen.Or, codegen.Xor, codegen.Shl, codegen.Sar, codegen.Neg, codegen.Not,
		codegen.SetE, codegen.SetNE, codegen.SetL, codegen.SetLE, codegen.SetG, codegen.SetGE:
		if _, isMem := i.Dst.(codegen.Mem); isMem {
			return false // a store through a VReg base address is a memory effect
		}
		return true
	default:
		return false
	}
}
