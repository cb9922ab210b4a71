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

// Package cfg partitions one codegen.Func's flat instruction list into basic
// blocks linked by predecessor/successor edges, and builds a dominator tree
// over them for the loop-depth queries the register allocator and dataflow
// passes need.
package cfg

import (
	"fmt"
	"sort"

	"mstarc/codegen"
)

// Block is a maximal run of instructions with one entry and one exit: control
// only enters at Instrs[0] and only leaves after the last instruction.
type Block struct {
	Id     int
	Instrs []*codegen.Instr
	Preds  []*Block
	Succs  []*Block
}

func (b *Block) String() string {
	s := fmt.Sprintf("b%d:", b.Id)
	if len(b.Preds) > 0 {
		s += " preds["
		for i, p := range b.Preds {
			if i > 0 {
				s += " "
			}
			s += fmt.Sprintf("b%d", p.Id)
		}
		s += "]"
	}
	return s
}

// Graph is the control-flow graph of one function.
type Graph struct {
	Func   *codegen.Func
	Entry  *Block
	Blocks []*Block
}

func isBranch(op codegen.Op) bool {
	switch op {
	case codegen.Jmp, codegen.Je, codegen.Jne, codegen.Jl, codegen.Jle, codegen.Jg, codegen.Jge, codegen.Jnz, codegen.Ret:
		return true
	default:
		return false
	}
}

func isConditionalJump(op codegen.Op) bool {
	switch op {
	case codegen.Je, codegen.Jne, codegen.Jl, codegen.Jle, codegen.Jg, codegen.Jge, codegen.Jnz:
		return true
	default:
		return false
	}
}

// Build partitions fn's instructions into basic blocks and links them.
// Leaders are: the first instruction, any LabelPseudo, and any instruction
// immediately following a jump/ret.
func Build(fn *codegen.Func) *Graph {
	labelIndex := make(map[string]int)
	leaders := map[int]bool{0: true}
	for i, instr := range fn.Instrs {
		if instr.Op == codegen.LabelPseudo {
			labelIndex[instr.Label] = i
			leaders[i] = true
		}
		if isBranch(instr.Op) && i+1 < len(fn.Instrs) {
			leaders[i+1] = true
		}
	}
	for _, instr := range fn.Instrs {
		if instr.Op == codegen.Jmp || isConditionalJump(instr.Op) {
			if idx, ok := labelIndex[instr.Label]; ok {
				leaders[idx] = true
			}
		}
	}

	var starts []int
	for i := range leaders {
		starts = append(starts, i)
	}
	sort.Ints(starts)

	g := &Graph{Func: fn}
	blockOf := make(map[int]*Block) // instruction index -> owning block
	for bi, start := range starts {
		end := len(fn.Instrs)
		if bi+1 < len(starts) {
			end = starts[bi+1]
		}
		b := &Block{Id: bi, Instrs: fn.Instrs[start:end]}
		g.Blocks = append(g.Blocks, b)
		for i := start; i < end; i++ {
			blockOf[i] = b
		}
	}
	g.Entry = g.Blocks[0]

	blockStart := make(map[*Block]int)
	for bi, start := range starts {
		blockStart[g.Blocks[bi]] = start
	}
	link := func(from *Block, to *Block) {
		from.Succs = append(from.Succs, to)
		to.Preds = append(to.Preds, from)
	}
	for bi, b := range g.Blocks {
		start := blockStart[b]
		last := b.Instrs[len(b.Instrs)-1]
		lastIdx := start + len(b.Instrs) - 1
		switch {
		case last.Op == codegen.Ret:
			// no successors: falls out of the function
		case last.Op == codegen.Jmp:
			if idx, ok := labelIndex[last.Label]; ok {
				link(b, blockOf[idx])
			}
		case isConditionalJump(last.Op):
			if idx, ok := labelIndex[last.Label]; ok {
				link(b, blockOf[idx])
			}
			if bi+1 < len(g.Blocks) {
				link(b, g.Blocks[bi+1])
			}
		default:
			if lastIdx+1 < len(fn.Instrs) {
				link(b, blockOf[lastIdx+1])
			}
		}
	}
	return g
}

// DomTree is a block's set of dominators, computed with the classic
// iterative intersect/union dataflow algorithm: a block's dominator set is
// the intersection of its predecessors' dominator sets, plus itself.
type DomTree struct {
	Graph *Graph
	Dom   map[*Block][]*Block
}

func (dt *DomTree) IsDominator(a, b *Block) bool {
	for _, d := range dt.Dom[b] {
		if d == a {
			return true
		}
	}
	return false
}

func (dt *DomTree) StrictlyDominates(a, b *Block) bool {
	return dt.IsDominator(a, b) && a != b
}

func intersect(a, b []*Block) []*Block {
	if len(a) > len(b) {
		a, b = b, a
	}
	var res []*Block
	for _, x := range a {
		for _, y := range b {
			if x == y {
				res = append(res, x)
				break
			}
		}
	}
	return res
}

func union(a, b []*Block) []*Block {
	seen := make(map[*Block]bool)
	var res []*Block
	for _, x := range append(append([]*Block{}, a...), b...) {
		if !seen[x] {
			seen[x] = true
			res = append(res, x)
		}
	}
	return res
}

// BuildDomTree computes the dominator set of every block in g.
func BuildDomTree(g *Graph) *DomTree {
	dom := make(map[*Block][]*Block, len(g.Blocks))
	dom[g.Entry] = []*Block{g.Entry}
	for _, b := range g.Blocks {
		if b != g.Entry {
			dom[b] = g.Blocks
		}
	}
	changed := true
	for changed {
		changed = false
		for _, b := range g.Blocks {
			if b == g.Entry {
				continue
			}
			if len(b.Preds) == 0 {
				// unreachable: the intersection over no predecessors is the
				// full set it started with, so every block dominates it
				continue
			}
			newDom := dom[b.Preds[0]]
			for _, p := range b.Preds[1:] {
				newDom = intersect(newDom, dom[p])
			}
			newDom = union(newDom, []*Block{b})
			if len(newDom) != len(dom[b]) {
				changed = true
				dom[b] = newDom
			}
		}
	}
	return &DomTree{Graph: g, Dom: dom}
}

// LoopDepth counts how many natural loops enclose b, used by the register
// allocator to bias spill costs away from values live inside loops.
func LoopDepth(dt *DomTree, b *Block) int {
	depth := 0
	for _, src := range dt.Graph.Blocks {
		for _, header := range src.Succs {
			if dt.IsDominator(header, src) && inNaturalLoop(header, src, b) {
				depth++
			}
		}
	}
	return depth
}

// inNaturalLoop reports whether target belongs to the natural loop of the
// back edge src->header: header itself, plus every block that can reach
// src by walking predecessors without passing back through header.
func inNaturalLoop(header, src, target *Block) bool {
	if target == header {
		return true
	}
	visited := map[*Block]bool{header: true, src: true}
	if src == target {
		return true
	}
	stack := []*Block{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range n.Preds {
			if visited[p] {
				continue
			}
			visited[p] = true
			if p == target {
				return true
			}
			stack = append(stack, p)
		}
	}
	return false
}
