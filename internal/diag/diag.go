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

// Package diag implements the two user-visible error kinds: SemanticError
// (front-end violations: parse errors, type mismatches, undeclared names,
// ...) and InternalError (core invariant violations). Both render as a
// single line on stderr ("line:col: message" and "internal error: message"
// respectively) and carry exit code 1; any other panic is caught by Recover
// at the driver's outermost frame.
package diag

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// SemanticError is raised by the front end: parse errors, type mismatches,
// undeclared names, duplicate declarations, return-type mismatches, array
// dimension mismatches, non-lvalue assignment.
type SemanticError struct {
	Line, Col int
	Msg       string
	cause     error
}

func NewSemanticError(line, col int, format string, args ...interface{}) *SemanticError {
	return &SemanticError{Line: line, Col: col, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error (e.g. a parser panic recovered higher up)
// as a semantic error located at line:col.
func Wrap(line, col int, cause error, format string, args ...interface{}) *SemanticError {
	return &SemanticError{Line: line, Col: col, Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg)
}

func (e *SemanticError) Unwrap() error { return e.cause }

// InternalError is an invariant violation inside the core: a virtual
// register used without a definition, an unreachable instruction-selection
// case, an allocator that could not make progress. These indicate a
// compiler bug, not a problem with the input program.
type InternalError struct {
	Msg   string
	cause error
}

func NewInternalError(format string, args ...interface{}) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}

func WrapInternal(cause error, format string, args ...interface{}) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Msg)
}

func (e *InternalError) Unwrap() error { return e.cause }

// Report prints a diagnostic to stderr, colored when stderr is a terminal,
// and exits with status 1. It is the single place the driver translates an
// error value to a process exit.
func Report(err error) {
	line := diagnosticText(err)
	if color.NoColor {
		fmt.Fprintln(os.Stderr, line)
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, line)
	}
	os.Exit(1)
}

// diagnosticText renders a SemanticError or InternalError as its plain
// single-line message - that's the whole point of those two types, a
// stable message a user reads without a stack trace attached. Anything
// else reaching Report is an unclassified panic; those are wrapped with
// errors.Wrap/errors.Errorf before they get here, which attaches a stack,
// so %+v is what actually prints it instead of just the message text
// err.Error() would give.
func diagnosticText(err error) string {
	switch err.(type) {
	case *SemanticError, *InternalError:
		return err.Error()
	default:
		return fmt.Sprintf("%+v", err)
	}
}

// Recover is deferred by the driver's outermost frame. A *SemanticError or
// *InternalError reaching it is reported as-is; any other panic is wrapped
// and reported with the same exit code.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	switch e := r.(type) {
	case *SemanticError:
		Report(e)
	case *InternalError:
		Report(e)
	case error:
		Report(errors.Wrap(e, "unexpected error"))
	default:
		Report(errors.Errorf("unexpected panic: %v", r))
	}
}
