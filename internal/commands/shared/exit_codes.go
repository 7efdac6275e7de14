// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

// Exit codes for hostwatchctl. Every failure class maps to ExitFailure;
// only run forwards other codes from the wrapped command.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewActionError creates an error for a failed lifecycle action
func NewActionError(action string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitFailure,
		Message: action + " failed",
		Cause:   cause,
	}
}

// NewExitCodeError forwards a child exit status without printing anything
func NewExitCodeError(code int) *ExitError {
	if code <= 0 {
		code = ExitFailure
	}
	return &ExitError{Code: code}
}

// HandleExitError checks if an error is an ExitError and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(WriteExitError(os.Stderr, err))
}

// WriteExitError prints err and its suggestion, if any, to w and returns
// the exit code HandleExitError would use.
func WriteExitError(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}

	code := ExitFailure
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}

	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printUserVisibleSuggestion(w, err)

	return code
}

// printUserVisibleSuggestion prints the suggestion of the first visible
// UserVisibleError in the chain.
func printUserVisibleSuggestion(w io.Writer, err error) {
	userErr, ok := hwerrors.FindUserVisible(err)
	if !ok {
		return
	}
	if suggestion := userErr.Suggestion(); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}
