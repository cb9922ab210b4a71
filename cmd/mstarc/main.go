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

// Command mstarc compiles one M* source file to NASM x86-64 assembly.
//
//	mstarc -in prog.mstar -out prog.s
package main

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"mstarc/compile"
	"mstarc/internal/diag"
)

// singleDashLong matches a single-dash long flag, e.g. "-in" or
// "-print-ins": pflag's shorthand syntax only understands single-letter
// flags after one dash, so -in/-out/-help/--print-ins/--print-remove (both
// forms accepted) are normalized to the double-dash form pflag expects
// before Parse ever sees them.
var singleDashLong = regexp.MustCompile(`^-([a-zA-Z][a-zA-Z0-9-]+)(=.*)?$`)

func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if m := singleDashLong.FindStringSubmatch(a); m != nil {
			out[i] = "-" + a
		} else {
			out[i] = a
		}
	}
	return out
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: mstarc -in <path> -out <path> [-help] [--print-ins] [--print-remove]")
	fs.PrintDefaults()
}

func main() {
	defer diag.Recover()

	fs := pflag.NewFlagSet("mstarc", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true

	in := fs.String("in", "", "source file to compile")
	out := fs.String("out", "", "NASM output path")
	help := fs.Bool("help", false, "print usage and exit")
	printIns := fs.Bool("print-ins", false, "dump abstract instructions to stderr before register allocation")
	printRemove := fs.Bool("print-remove", false, "report output-irrelevant elimination decisions to stderr")

	if err := fs.Parse(normalizeArgs(os.Args[1:])); err != nil {
		printUsage(fs)
		os.Exit(0)
	}

	if *help || *in == "" || *out == "" {
		printUsage(fs)
		os.Exit(0)
	}

	asm := compile.File(*in, compile.Options{
		PrintIns:    *printIns,
		PrintRemove: *printRemove,
		Stderr:      os.Stderr,
	})

	if err := os.WriteFile(*out, []byte(asm), 0644); err != nil {
		diag.Report(errors.Wrap(err, "writing output"))
	}
}
