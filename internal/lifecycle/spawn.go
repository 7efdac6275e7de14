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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner launches detached background processes.
type Spawner struct {
	// Env is the child environment. Nil inherits the current one.
	Env []string
}

// NewSpawner creates a new process spawner.
func NewSpawner() *Spawner {
	return &Spawner{}
}

// SpawnDetached starts argv in its own session with stdin closed and
// stdout/stderr appended to logPath, and returns the child PID.
//
// The child is reaped in the background so an early exit does not leave
// a zombie that would still answer kill(pid, 0).
func (s *Spawner) SpawnDetached(argv []string, logPath string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is built from a resolved binary path
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}
