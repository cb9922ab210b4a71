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

// Package compile wires the front end and every core stage into the one
// pipeline the CLI driver runs: parse, check, lower to IR, select
// instructions, optimize, allocate registers, translate to NASM. Every stage
// it calls already panics with a *diag.SemanticError or *diag.InternalError
// on failure; this package adds no error handling of its own and expects its
// caller to defer diag.Recover().
package compile

import (
	"fmt"
	"io"

	"mstarc/ast"
	"mstarc/codegen"
	"mstarc/dataflow"
	"mstarc/ir"
	"mstarc/nasm"
	"mstarc/regalloc"
)

// Options mirrors the CLI's debug flags.
type Options struct {
	// PrintIns dumps each function's abstract instruction stream to Stderr
	// right after instruction selection, before register allocation.
	PrintIns bool
	// PrintRemove reports the IR builder's dead-effect elimination
	// decisions to Stderr.
	PrintRemove bool
	// Stderr receives the --print-ins / --print-remove diagnostics; callers
	// that don't care about them may leave it nil, in which case nothing is
	// written.
	Stderr io.Writer
}

func (o Options) logf(format string, args ...interface{}) {
	if o.Stderr == nil {
		return
	}
	fmt.Fprintf(o.Stderr, format, args...)
}

// File reads and compiles the M* source at path, returning the NASM text for
// the whole program (every function plus the synthetic global-initializer
// entry point, sharing one `.bss`/`.rodata`/`.text` section set).
func File(path string, opts Options) string {
	pkg := ast.ParseFile(path)
	return Package(pkg, opts)
}

// Package compiles an already-parsed package. Exported separately from File
// so tests can drive the pipeline from ast.ParseString without a temp file.
func Package(pkg *ast.PackageDecl, opts Options) string {
	ast.Check(pkg)

	funcs, removed := ir.BuildProgram(pkg, opts.PrintRemove)
	for _, r := range removed {
		opts.logf("%s\n", r)
	}

	globals := make([]string, len(pkg.Globals))
	for i, g := range pkg.Globals {
		globals[i] = g.Name
	}

	var allStrings []codegen.StringConst
	units := make([]nasm.Unit, 0, len(funcs))
	for _, fn := range funcs {
		cfn, strs := codegen.Emit(fn)
		allStrings = append(allStrings, strs...)

		if opts.PrintIns {
			opts.logf("== %s (pre-regalloc) ==\n%s", cfn.Name, cfn.String())
		}

		dataflow.PropagateConstantsAndCopies(cfn)
		dataflow.EliminateDeadStores(cfn, cfn.NumVRegs)

		alloc := regalloc.Allocate(cfn)
		cfn.LocalSlots = alloc.NumSlots

		units = append(units, nasm.Unit{Func: cfn, Alloc: alloc})
	}

	return nasm.Translate(globals, allStrings, units)
}
