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

package controller

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tombee/hostwatch/internal/cli"
	"github.com/tombee/hostwatch/internal/commands/shared"
	"github.com/tombee/hostwatch/internal/config"
	"github.com/tombee/hostwatch/internal/lifecycle"
	"github.com/tombee/hostwatch/internal/privilege"
	"github.com/tombee/hostwatch/internal/supervisor"
)

const testBinary = "/usr/local/bin/hostwatch"

type exitStatus int

func (e exitStatus) Error() string { return "exit status" }
func (e exitStatus) ExitCode() int  { return int(e) }

// fakeHost is an in-memory process table standing in for the gate,
// signaler, spawner and cleanup runner.
type fakeHost struct {
	mu       sync.Mutex
	procs    map[int]string
	nextPID  int
	stubborn bool

	gateErr    error
	cleanupErr error

	spawned  [][]string
	signals  []syscall.Signal
	commands [][]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{procs: map[int]string{}, nextPID: 4000}
}

func (h *fakeHost) running(pid int, command string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs[pid] = command
}

func (h *fakeHost) pids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for pid := range h.procs {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func (h *fakeHost) list() ([]lifecycle.ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []lifecycle.ProcessInfo
	for pid, command := range h.procs {
		out = append(out, lifecycle.ProcessInfo{PID: pid, PPID: 1, Command: command})
	}
	return out, nil
}

func (h *fakeHost) alive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.procs[pid]
	return ok
}

func (h *fakeHost) Ensure(context.Context) error { return h.gateErr }

func (h *fakeHost) Signal(_ context.Context, sig syscall.Signal, handle lifecycle.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	if h.stubborn {
		return nil
	}
	for _, pid := range handle.PIDs() {
		delete(h.procs, pid)
	}
	return nil
}

func (h *fakeHost) ManualKillCommand(handle lifecycle.Handle) string {
	return "sudo kill -9 " + strings.Join(handle.Args(), " ")
}

func (h *fakeHost) SpawnDetached(argv []string, _ string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPID++
	h.procs[h.nextPID] = strings.Join(argv, " ")
	h.spawned = append(h.spawned, argv)
	return h.nextPID, nil
}

func (h *fakeHost) Run(_ context.Context, c privilege.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, c.Args)
	return h.cleanupErr
}

func (h *fakeHost) signalCount(sig syscall.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.signals {
		if s == sig {
			n++
		}
	}
	return n
}

// install points newSession at h and isolates configuration.
func install(t *testing.T, h *fakeHost) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("HOSTWATCH_BINARY", "hostwatch")
	t.Setenv("HOSTWATCH_TARGETS", "")
	t.Setenv("HOSTWATCH_LOCK_FILE", "none")
	t.Setenv("HOSTWATCH_EVENT_LOG", filepath.Join(dir, "lifecycle.log"))
	t.Setenv("HOSTWATCH_METRICS_FILE", filepath.Join(dir, "hostwatch.prom"))
	t.Setenv("HOSTWATCH_CREDENTIALS", "/home/me/.kube/config")
	t.Setenv("HOSTWATCH_ON_MISMATCH", "warn")
	t.Setenv("HOSTWATCH_CLEANUP_ON_SHUTDOWN", "false")
	t.Setenv("HOSTWATCH_DEBUG", "")

	lookPath := func(string) (string, error) { return testBinary, nil }

	old := hostDeps
	hostDeps = func(cfg *config.Config, _ *slog.Logger) (supervisor.Deps, supervisor.CleanupDeps) {
		elevator := &privilege.Elevator{Program: "sudo", EUID: 1000}
		registry := lifecycle.NewRegistry(lifecycle.NewIdentity(cfg.Binary),
			lifecycle.WithProcessLister(h.list),
			lifecycle.WithLivenessProbe(h.alive),
			lifecycle.WithSelfPID(1),
		)
		return supervisor.Deps{
				Gate:     h,
				Registry: registry,
				Signaler: h,
				Spawner:  h,
				Elevator: elevator,
				LookPath: lookPath,
				Sleep:    func(context.Context, time.Duration) {},
			}, supervisor.CleanupDeps{
				Gate:     h,
				Elevator: elevator,
				Runner:   h,
				LookPath: lookPath,
				Output:   &bytes.Buffer{},
			}
	}
	t.Cleanup(func() { hostDeps = old })

	return dir
}

type result struct {
	code   int
	stdout string
	stderr string
}

// execute runs hostwatchctl with args and returns what main would exit with.
func execute(t *testing.T, args ...string) result {
	t.Helper()

	root := cli.NewRootCommand()
	root.AddCommand(NewCommands()...)

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	code := shared.WriteExitError(&stderr, err)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}
