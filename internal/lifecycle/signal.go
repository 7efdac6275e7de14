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

package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/hostwatch/internal/privilege"
	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

// Signaler delivers signals to controller handles. When the session is
// not root, signals go through an elevated kill(1), since the controller
// runs as root.
type Signaler struct {
	elevator *privilege.Elevator
	runner   privilege.Runner
	kill     func(pid int, sig syscall.Signal) error
}

// NewSignaler creates a Signaler. A nil runner uses privilege.ExecRunner.
func NewSignaler(elevator *privilege.Elevator, runner privilege.Runner) *Signaler {
	if runner == nil {
		runner = privilege.ExecRunner{}
	}
	return &Signaler{
		elevator: elevator,
		runner:   runner,
		kill:     func(pid int, sig syscall.Signal) error { return unix.Kill(pid, sig) },
	}
}

// Signal sends sig to every PID in h. Processes that are already gone
// are not an error.
func (s *Signaler) Signal(ctx context.Context, sig syscall.Signal, h Handle) error {
	if h.Empty() {
		return nil
	}

	if s.elevator.Elevated() {
		var errs []error
		for _, pid := range h.pids {
			if err := s.kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, hwerrors.Wrapf(err, "failed to send %s to process %d", signalName(sig), pid))
			}
		}
		return errors.Join(errs...)
	}

	argv := s.elevator.Command(nil, "kill", append([]string{"-" + signalName(sig)}, h.Args()...)...)
	var stderr bytes.Buffer
	err := s.runner.Run(ctx, privilege.Command{Args: argv, Stderr: &stderr})
	if err == nil {
		return nil
	}

	// kill(1) exits non-zero when any target is gone; only report the
	// failure when something other than "no such process" went wrong.
	if msg := stderr.String(); msg != "" && onlyNoSuchProcess(msg) {
		return nil
	}
	return hwerrors.Wrapf(err, "failed to send %s to %s", signalName(sig), h)
}

// ManualKillCommand renders the forced kill an operator can run by hand.
func (s *Signaler) ManualKillCommand(h Handle) string {
	return s.elevator.Manual("kill", append([]string{"-9"}, h.Args()...)...)
}

func signalName(sig syscall.Signal) string {
	return strings.TrimPrefix(unix.SignalName(sig), "SIG")
}

func onlyNoSuchProcess(stderr string) bool {
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(line), "no such process") {
			return false
		}
	}
	return true
}
