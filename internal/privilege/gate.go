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

package privilege

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"

	hwlog "github.com/tombee/hostwatch/internal/log"
)

// ErrDenied is the sentinel wrapped by every DeniedError.
var ErrDenied = errors.New("elevated privilege unavailable")

// DeniedError reports that no usable elevated privilege could be obtained.
// The requested action must be aborted.
type DeniedError struct {
	// Program is the escalation program that refused.
	Program string

	// Reason describes why elevation failed.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrDenied, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *DeniedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDenied}
	}
	return []error{ErrDenied, e.Cause}
}

// IsUserVisible implements errors.UserVisibleError.
func (e *DeniedError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *DeniedError) UserMessage() string { return e.Error() }

// Suggestion implements errors.UserVisibleError.
func (e *DeniedError) Suggestion() string {
	return fmt.Sprintf("run '%s -v' in an interactive terminal first, then retry", e.Program)
}

// Gate validates and refreshes the ambient privilege ticket before every
// privileged action. It prompts at most once per session.
type Gate struct {
	elevator    *Elevator
	runner      Runner
	interactive func() bool
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	logger      *slog.Logger

	mu       sync.Mutex
	prompted bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRunner replaces the command runner.
func WithRunner(r Runner) GateOption {
	return func(g *Gate) { g.runner = r }
}

// WithInteractive overrides terminal detection.
func WithInteractive(fn func() bool) GateOption {
	return func(g *Gate) { g.interactive = fn }
}

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a Gate. By default the prompt is considered possible only
// when stdin is a terminal.
func NewGate(elevator *Elevator, opts ...GateOption) *Gate {
	g := &Gate{
		elevator:    elevator,
		runner:      ExecRunner{},
		interactive: stdinIsTerminal,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		logger:      hwlog.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ensure succeeds when elevated commands can run without a prompt right now.
// A cold session with a terminal gets exactly one interactive prompt;
// without a terminal, or after a failed prompt, Ensure returns *DeniedError.
func (g *Gate) Ensure(ctx context.Context) error {
	if g.elevator.Elevated() {
		return nil
	}

	program := g.elevator.Program

	// Non-interactive check refreshes a cached ticket without prompting.
	if err := g.runner.Run(ctx, Command{Args: []string{program, "-n", "-v"}}); err == nil {
		g.logger.Debug("privilege ticket valid", "program", program)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prompted {
		return &DeniedError{Program: program, Reason: "privilege ticket expired and the session already prompted once"}
	}
	if !g.interactive() {
		return &DeniedError{Program: program, Reason: "no cached privilege ticket and no terminal to prompt on"}
	}

	g.prompted = true
	g.logger.Info("requesting elevated privilege", "program", program)

	err := g.runner.Run(ctx, Command{
		Args:   []string{program, "-v"},
		Stdin:  g.stdin,
		Stdout: g.stdout,
		Stderr: g.stderr,
	})
	if err != nil {
		return &DeniedError{Program: program, Reason: "elevation prompt failed", Cause: err}
	}
	return nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
