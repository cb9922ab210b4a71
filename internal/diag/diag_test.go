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

// White-box so diagnosticText, Report's unexported formatting step, can be
// exercised directly without forking a subprocess to catch Report's
// os.Exit(1).
package diag

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticTextRendersSemanticErrorAsPlainMessage(t *testing.T) {
	err := NewSemanticError(3, 7, "undeclared name %q", "foo")
	require.Equal(t, "3:7: undeclared name \"foo\"", diagnosticText(err))
}

func TestDiagnosticTextRendersInternalErrorAsPlainMessage(t *testing.T) {
	err := NewInternalError("vreg %d used without a definition", 4)
	require.Equal(t, "internal error: vreg 4 used without a definition", diagnosticText(err))
}

func TestDiagnosticTextIncludesStackTraceForUnclassifiedPanics(t *testing.T) {
	wrapped := errors.Wrap(errors.New("nil pointer"), "unexpected error")
	text := diagnosticText(wrapped)
	require.Contains(t, text, "unexpected error: nil pointer")
	require.Contains(t, text, "diag_test.go", "expected %+v to include a stack frame from this file")
}

func TestDiagnosticTextIncludesStackTraceForBarePanicValues(t *testing.T) {
	text := diagnosticText(errors.Errorf("unexpected panic: %v", "boom"))
	require.True(t, strings.HasPrefix(text, "unexpected panic: boom"))
	require.Contains(t, text, "diag_test.go")
}
