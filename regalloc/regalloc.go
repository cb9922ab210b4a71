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

// Package regalloc assigns a physical register or a stack slot to every
// virtual register a codegen.Func uses. It runs the Chaitin-Briggs
// iterative graph-coloring allocator (build, simplify, coalesce, freeze,
// spill, select, rewrite-and-repeat) for functions of ordinary size, and
// falls back to giving every virtual register its own stack slot once a
// function's virtual register count crosses NaiveThreshold, where building
// an interference graph stops paying for itself.
package regalloc

import (
	"sort"

	"mstarc/cfg"
	"mstarc/codegen"
	"mstarc/dataflow"
	"mstarc/utils"
)

// NaiveThreshold is the virtual-register count above which Allocate skips
// graph coloring and spills everything to the stack outright.
const NaiveThreshold = 256

// colorable lists the physical registers the allocator may hand out.
// RBP/RSP are reserved for the frame and never enter this pool.
var colorable = func() []codegen.PhysReg {
	var regs []codegen.PhysReg
	for r := codegen.PhysReg(0); r < codegen.NumPhysRegs; r++ {
		regs = append(regs, r)
	}
	return regs
}()

// Allocation is the result of register allocation: every virtual register
// used by a function lands in exactly one of the two maps.
type Allocation struct {
	Reg  map[codegen.VReg]codegen.PhysReg
	Slot map[codegen.VReg]int
	// NumSlots is the number of distinct stack slots handed out; the NASM
	// translator sizes the local frame from this.
	NumSlots int
}

// Allocate colors fn's virtual registers in place, inserting spill
// load/store instructions directly into fn.Instrs when an actual spill
// requires one, and returns where everything landed. The naive fallback
// leaves fn.Instrs unchanged and only assigns every register a stack slot.
func Allocate(fn *codegen.Func) *Allocation {
	if fn.NumVRegs > NaiveThreshold {
		return allocateNaive(fn)
	}
	slotBase := 0
	for {
		a, spilled := tryColor(fn)
		if len(spilled) == 0 {
			a.NumSlots = slotBase
			return a
		}
		rewriteSpills(fn, spilled, slotBase)
		slotBase += len(spilled)
	}
}

func allocateNaive(fn *codegen.Func) *Allocation {
	slots := make(map[codegen.VReg]int, fn.NumVRegs)
	for v := 0; v < fn.NumVRegs; v++ {
		slots[codegen.VReg(v)] = v
	}
	return &Allocation{Reg: map[codegen.VReg]codegen.PhysReg{}, Slot: slots, NumSlots: fn.NumVRegs}
}

// interferenceGraph holds undirected adjacency plus the move list used for
// coalescing, built once per coloring attempt.
type interferenceGraph struct {
	adj      map[codegen.VReg]*utils.Set[codegen.VReg]
	degree   map[codegen.VReg]int
	moves    [][2]codegen.VReg
	forbid   map[codegen.VReg]map[codegen.PhysReg]bool
	allVRegs []codegen.VReg
	// useCost accumulates, for each virtual register, one unit per
	// use/def site it appears in, weighted x10 per enclosing natural
	// loop so values live inside loops look expensive to spill.
	useCost map[codegen.VReg]int
}

func newGraph() *interferenceGraph {
	return &interferenceGraph{
		adj:     make(map[codegen.VReg]*utils.Set[codegen.VReg]),
		degree:  make(map[codegen.VReg]int),
		forbid:  make(map[codegen.VReg]map[codegen.PhysReg]bool),
		useCost: make(map[codegen.VReg]int),
	}
}

func (g *interferenceGraph) node(v codegen.VReg) {
	if _, ok := g.adj[v]; !ok {
		g.adj[v] = utils.NewSet[codegen.VReg]()
		g.degree[v] = 0
		g.allVRegs = append(g.allVRegs, v)
	}
}

func (g *interferenceGraph) addEdge(a, b codegen.VReg) {
	if a == b {
		return
	}
	g.node(a)
	g.node(b)
	if g.adj[a].Add(b) {
		g.degree[a]++
	}
	if g.adj[b].Add(a) {
		g.degree[b]++
	}
}

func (g *interferenceGraph) ban(v codegen.VReg, regs ...codegen.PhysReg) {
	g.node(v)
	m, ok := g.forbid[v]
	if !ok {
		m = make(map[codegen.PhysReg]bool)
		g.forbid[v] = m
	}
	for _, r := range regs {
		m[r] = true
	}
}

func clobbers(op codegen.Op) bool {
	switch op {
	case codegen.Call, codegen.Cdq, codegen.IDiv:
		return true
	default:
		return false
	}
}

func isPlainCopy(i *codegen.Instr) (codegen.VReg, codegen.VReg, bool) {
	if i.Op != codegen.Mov {
		return 0, 0, false
	}
	dst, ok1 := i.Dst.(codegen.VRegOperand)
	src, ok2 := i.Src1.(codegen.VRegOperand)
	if ok1 && ok2 {
		return dst.VReg, src.VReg, true
	}
	return 0, 0, false
}

// build constructs the interference graph over fn using the liveness sets
// dataflow.Liveness already computes: a definition interferes with
// everything live immediately afterward, except the other half of a plain
// copy (so `mov a, b` doesn't forbid coalescing a and b with each other).
func build(fn *codegen.Func) *interferenceGraph {
	g := newGraph()
	cg := cfg.Build(fn)
	ls := dataflow.Liveness(cg, fn.NumVRegs)
	dt := cfg.BuildDomTree(cg)
	for _, b := range cg.Blocks {
		weight := loopWeight(cfg.LoopDepth(dt, b))
		for i, instr := range b.Instrs {
			live := dataflow.LiveOutAfter(b, ls, i)
			d, hasDef := instrDef(instr)
			if hasDef {
				copyDst, copySrc, isCopy := isPlainCopy(instr)
				live.ForEach(func(idx int) {
					other := codegen.VReg(idx)
					if isCopy && other == copySrc && d == copyDst {
						return
					}
					g.addEdge(d, other)
				})
				g.node(d)
			}
			if from, to, ok := isPlainCopy(instr); ok {
				g.moves = append(g.moves, [2]codegen.VReg{from, to})
			}
			if clobbers(instr.Op) {
				live.ForEach(func(idx int) {
					g.ban(codegen.VReg(idx), callerSavedList()...)
				})
				if d, ok := instrDef(instr); ok {
					g.ban(d, callerSavedList()...)
				}
			}
			if instr.Op == codegen.Shl || instr.Op == codegen.Sar {
				if _, ok := instr.Src2.(codegen.PhysRegOperand); ok {
					if d, ok := instrDef(instr); ok {
						g.ban(d, codegen.RCX)
					}
				}
			}
			for _, u := range dataflow.Uses(instr) {
				g.node(u)
				g.useCost[u] += weight
			}
			if hasDef {
				g.useCost[d] += weight
			}
		}
	}
	return g
}

// loopWeight turns a block's natural-loop nesting depth into a spill-cost
// multiplier: one order of magnitude per enclosing loop, so a use three
// loops deep looks 1000x more expensive to spill than one at depth zero.
// Capped at depth 6 so a pathologically nested function can't overflow.
func loopWeight(depth int) int {
	if depth > 6 {
		depth = 6
	}
	w := 1
	for i := 0; i < depth; i++ {
		w *= 10
	}
	return w
}

func callerSavedList() []codegen.PhysReg {
	regs := make([]codegen.PhysReg, len(codegen.CallerSaved))
	copy(regs, codegen.CallerSaved[:])
	return regs
}

func instrDef(i *codegen.Instr) (codegen.VReg, bool) {
	return dataflow.Defines(i)
}

// tryColor runs one build/simplify/coalesce/freeze/spill/select pass and
// reports any virtual registers it could not color; the caller rewrites
// those to stack slots and retries.
func tryColor(fn *codegen.Func) (*Allocation, []codegen.VReg) {
	g := build(fn)
	k := len(colorable)

	selectStack := []codegen.VReg{}
	removed := utils.NewSet[codegen.VReg]()
	coalescedTo := make(map[codegen.VReg]codegen.VReg)
	find := func(v codegen.VReg) codegen.VReg {
		for {
			t, ok := coalescedTo[v]
			if !ok {
				return v
			}
			v = t
		}
	}

	degreeOf := func(v codegen.VReg) int {
		n := 0
		g.adj[v].ForEach(func(o codegen.VReg) {
			if !removed.Contains(o) {
				n++
			}
		})
		return n
	}

	active := utils.NewSet[codegen.VReg]()
	for _, v := range g.allVRegs {
		active.Add(v)
	}

	frozen := make([]bool, len(g.moves)) // a move taken off the table by freeze
	moveRelated := func(v codegen.VReg) bool {
		for i, m := range g.moves {
			if frozen[i] {
				continue
			}
			if find(m[0]) == v || find(m[1]) == v {
				return true
			}
		}
		return false
	}

	progress := true
	for active.Length() > 0 && progress {
		progress = false
		// simplify: remove any non-move-related node of degree < k
		for _, v := range sortedKeys(active) {
			if removed.Contains(v) {
				continue
			}
			if degreeOf(v) < k && !moveRelated(v) {
				selectStack = append(selectStack, v)
				removed.Add(v)
				active.Remove(v)
				progress = true
			}
		}
		// coalesce: Briggs conservative test
		for i, m := range g.moves {
			if frozen[i] {
				continue
			}
			a, b := find(m[0]), find(m[1])
			if a == b || removed.Contains(a) || removed.Contains(b) || g.adj[a].Contains(b) {
				continue
			}
			if briggsSafe(g, removed, a, b, k) {
				coalescedTo[b] = a
				for _, n := range g.adj[b].Keys() {
					if !removed.Contains(n) {
						g.addEdge(a, n)
					}
				}
				removed.Add(b)
				active.Remove(b)
				frozen[i] = true
				progress = true
			}
		}
		if progress {
			continue
		}
		// freeze: give up coalescing one low-degree move-related node so
		// simplify can make progress on it next round.
		for _, v := range sortedKeys(active) {
			if removed.Contains(v) {
				continue
			}
			if degreeOf(v) < k {
				for i, m := range g.moves {
					if !frozen[i] && (find(m[0]) == v || find(m[1]) == v) {
						frozen[i] = true
					}
				}
				progress = true
				break
			}
		}
	}

	// Whatever remains active is either high-degree or move-related with no
	// more progress possible; rank spill candidates by use_count/degree,
	// biased against nodes live inside deep loops via g.useCost's x10-per-
	// loop weighting, and push them in ascending-cost order. Pushed first
	// here means popped last during select (the stack is LIFO), so the
	// cheapest-to-spill nodes - low use count, shallow loop nesting, high
	// degree - are the ones most likely to actually run out of colors and
	// spill, while the rest stay candidates for a register.
	remaining := sortedKeys(active)
	spillCost := func(v codegen.VReg) float64 {
		return float64(g.useCost[v]) / float64(degreeOf(v)+1)
	}
	sort.Slice(remaining, func(i, j int) bool {
		ci, cj := spillCost(remaining[i]), spillCost(remaining[j])
		if ci != cj {
			return ci < cj
		}
		return remaining[i] < remaining[j]
	})
	for _, v := range remaining {
		selectStack = append(selectStack, v)
		removed.Add(v)
	}

	color := make(map[codegen.VReg]codegen.PhysReg)
	var spilled []codegen.VReg
	for i := len(selectStack) - 1; i >= 0; i-- {
		v := selectStack[i]
		used := map[codegen.PhysReg]bool{}
		g.adj[v].ForEach(func(n codegen.VReg) {
			if c, ok := color[find(n)]; ok {
				used[c] = true
			}
		})
		for r := range g.forbid[v] {
			used[r] = true
		}
		assigned := false
		for _, r := range colorable {
			if !used[r] {
				color[v] = r
				assigned = true
				break
			}
		}
		if !assigned {
			spilled = append(spilled, v)
		}
	}
	for v, to := range coalescedTo {
		if c, ok := color[find(to)]; ok {
			color[v] = c
		}
	}

	if len(spilled) > 0 {
		return &Allocation{Reg: color, Slot: map[codegen.VReg]int{}}, spilled
	}
	reg := make(map[codegen.VReg]codegen.PhysReg)
	for _, v := range g.allVRegs {
		if c, ok := color[find(v)]; ok {
			reg[v] = c
		}
	}
	return &Allocation{Reg: reg, Slot: map[codegen.VReg]int{}}, nil
}

// briggsSafe is the Briggs conservative coalescing heuristic: merging a and
// b is always safe to color if the merged node has fewer than k neighbors
// of degree >= k, since the simplify worklist can always make room for it
// regardless of what those high-degree neighbors get colored.
func briggsSafe(g *interferenceGraph, removed *utils.Set[codegen.VReg], a, b codegen.VReg, k int) bool {
	neighbors := utils.NewSet[codegen.VReg]()
	g.adj[a].ForEach(func(v codegen.VReg) {
		if !removed.Contains(v) {
			neighbors.Add(v)
		}
	})
	g.adj[b].ForEach(func(v codegen.VReg) {
		if !removed.Contains(v) {
			neighbors.Add(v)
		}
	})
	highDegree := 0
	for _, n := range neighbors.Keys() {
		deg := 0
		g.adj[n].ForEach(func(v codegen.VReg) {
			if !removed.Contains(v) {
				deg++
			}
		})
		if deg >= k {
			highDegree++
		}
	}
	return highDegree < k
}

func sortedKeys(s *utils.Set[codegen.VReg]) []codegen.VReg {
	keys := s.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// isRMWOp reports whether op reads its Dst operand before writing it, the
// way x86's two-operand form does for ordinary arithmetic, shifts and the
// setcc family (which only overwrites the low byte, so the scratch load is
// what keeps the upper 56 bits intact across a spill).
func isRMWOp(op codegen.Op) bool {
	switch op {
	case codegen.Add, codegen.Sub, codegen.IMul, codegen.And, codegen.Or, codegen.Xor,
		codegen.Shl, codegen.Sar, codegen.Neg, codegen.Not,
		codegen.SetE, codegen.SetNE, codegen.SetL, codegen.SetLE, codegen.SetG, codegen.SetGE:
		return true
	default:
		return false
	}
}

// rewriteSpills gives each spilled virtual register its own stack slot and
// replaces every use with a fresh load and every def with a store through
// a scratch virtual register numbered past the function's existing range,
// so the next coloring attempt only has to color short-lived scratch
// temporaries around the spill site instead of the whole original range.
func rewriteSpills(fn *codegen.Func, spilled []codegen.VReg, slotBase int) {
	slot := make(map[codegen.VReg]int, len(spilled))
	for i, v := range spilled {
		slot[v] = slotBase + i
	}
	next := codegen.VReg(fn.NumVRegs)
	freshVReg := func() codegen.VReg {
		v := next
		next++
		return v
	}
	spilledSet := make(map[codegen.VReg]bool, len(spilled))
	for _, v := range spilled {
		spilledSet[v] = true
	}

	var out []*codegen.Instr
	for _, instr := range fn.Instrs {
		var loads []*codegen.Instr
		var stores []*codegen.Instr
		replace := func(o codegen.Operand, isDst bool) codegen.Operand {
			vr, ok := o.(codegen.VRegOperand)
			if !ok || !spilledSet[vr.VReg] {
				return o
			}
			scratch := freshVReg()
			mem := codegen.Mem{Base: codegen.PhysRegOperand{Reg: codegen.RBP}, Disp: -8 * int64(slot[vr.VReg]+1)}
			if !isDst {
				loads = append(loads, &codegen.Instr{Op: codegen.Mov, Dst: codegen.VRegOperand{VReg: scratch}, Src1: mem})
			} else {
				stores = append(stores, &codegen.Instr{Op: codegen.Mov, Dst: mem, Src1: codegen.VRegOperand{VReg: scratch}})
			}
			return codegen.VRegOperand{VReg: scratch}
		}
		replaceMemBase := func(m codegen.Mem) codegen.Mem {
			m.Base = replace(m.Base, false)
			m.Index = replace(m.Index, false)
			return m
		}
		if instr.Src1 != nil {
			if m, ok := instr.Src1.(codegen.Mem); ok {
				instr.Src1 = replaceMemBase(m)
			} else {
				instr.Src1 = replace(instr.Src1, false)
			}
		}
		if instr.Src2 != nil {
			instr.Src2 = replace(instr.Src2, false)
		}
		if instr.Dst != nil {
			if m, ok := instr.Dst.(codegen.Mem); ok {
				instr.Dst = replaceMemBase(m)
			} else if vr, ok := instr.Dst.(codegen.VRegOperand); ok && spilledSet[vr.VReg] && isRMWOp(instr.Op) {
				// Dst is read before it is written (add/sub/shift/setcc all
				// fold their destination into the operation), so the spill
				// slot needs both a load and a store around one scratch reg.
				scratch := freshVReg()
				mem := codegen.Mem{Base: codegen.PhysRegOperand{Reg: codegen.RBP}, Disp: -8 * int64(slot[vr.VReg]+1)}
				loads = append(loads, &codegen.Instr{Op: codegen.Mov, Dst: codegen.VRegOperand{VReg: scratch}, Src1: mem})
				stores = append(stores, &codegen.Instr{Op: codegen.Mov, Dst: mem, Src1: codegen.VRegOperand{VReg: scratch}})
				instr.Dst = codegen.VRegOperand{VReg: scratch}
			} else {
				instr.Dst = replace(instr.Dst, true)
			}
		}
		out = append(out, loads...)
		out = append(out, instr)
		out = append(out, stores...)
	}
	fn.Instrs = out
	fn.NumVRegs = int(next)
}
