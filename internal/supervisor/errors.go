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

package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tombee/hostwatch/internal/lifecycle"
	"github.com/tombee/hostwatch/internal/privilege"
)

// DeniedError reports that no usable elevated privilege was available.
type DeniedError = privilege.DeniedError

// ErrDenied matches every DeniedError with errors.Is.
var ErrDenied = privilege.ErrDenied

// StartError reports that a launched controller failed its liveness check
// or could not be launched at all.
type StartError struct {
	// LogPath is the controller log sink to inspect.
	LogPath string

	// Reason describes the failure.
	Reason string

	Cause error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("controller failed to start: %s", e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *StartError) Unwrap() error { return e.Cause }

// IsUserVisible implements errors.UserVisibleError.
func (e *StartError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *StartError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *StartError) Suggestion() string {
	if e.LogPath == "" {
		return ""
	}
	return fmt.Sprintf("inspect the controller log: %s", e.LogPath)
}

// StopError reports that graceful and forced termination both left
// processes alive.
type StopError struct {
	// Survivors are the PIDs still alive after the forced signal.
	Survivors lifecycle.Handle

	// ManualCommand is the exact kill invocation for an operator.
	ManualCommand string

	Cause error
}

func (e *StopError) Error() string {
	msg := fmt.Sprintf("controller processes still alive after forced termination: %s", e.Survivors)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *StopError) Unwrap() error { return e.Cause }

// IsUserVisible implements errors.UserVisibleError.
func (e *StopError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *StopError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *StopError) Suggestion() string {
	return fmt.Sprintf("kill them manually: %s", e.ManualCommand)
}

// CleanupError reports a non-zero exit from the one-shot cleanup mode.
type CleanupError struct {
	// ExitCode is the cleanup process exit status, -1 when it never ran.
	ExitCode int

	Cause error
}

func (e *CleanupError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("cleanup failed to run: %v", e.Cause)
	}
	return fmt.Sprintf("cleanup exited with status %d", e.ExitCode)
}

func (e *CleanupError) Unwrap() error { return e.Cause }

// IsUserVisible implements errors.UserVisibleError.
func (e *CleanupError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *CleanupError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *CleanupError) Suggestion() string {
	return "see the cleanup output above"
}

// ErrMissingBinary matches every MissingBinaryError.
var ErrMissingBinary = errors.New("controller binary not found")

// MissingBinaryError reports that the controller locator did not resolve.
type MissingBinaryError struct {
	Binary string
	Cause  error
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingBinary, e.Binary)
}

func (e *MissingBinaryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMissingBinary}
	}
	return []error{ErrMissingBinary, e.Cause}
}

// IsUserVisible implements errors.UserVisibleError.
func (e *MissingBinaryError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *MissingBinaryError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *MissingBinaryError) Suggestion() string {
	return "install the controller or set HOSTWATCH_BINARY to its path"
}

// MismatchError reports that a running controller watches a different
// target set than requested and the mismatch policy is "fail".
type MismatchError struct {
	Handle    lifecycle.Handle
	Requested []string
	Running   []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("controller %s is running with targets [%s], requested [%s]",
		e.Handle, targetList(e.Running), targetList(e.Requested))
}

// IsUserVisible implements errors.UserVisibleError.
func (e *MismatchError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *MismatchError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *MismatchError) Suggestion() string {
	return "run 'hostwatchctl restart' with the wanted targets, or set on_mismatch to warn"
}

func targetList(targets []string) string {
	if len(targets) == 0 {
		return "all"
	}
	return strings.Join(targets, ",")
}
