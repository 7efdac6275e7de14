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
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/hostwatch/internal/lifecycle"
	"github.com/tombee/hostwatch/internal/privilege"
)

const testBinary = "/usr/local/bin/hostwatch"

type fakeProc struct {
	ppid    int
	command string
	alive   bool

	ignoreTerm bool
	ignoreKill bool

	// dieAfter, when positive, counts sleeps after SIGTERM until exit.
	dieAfter int
	dying    bool
}

type sentSignal struct {
	sig         syscall.Signal
	pids        []int
	afterSleeps int
}

// fakeHost is a process table shared by every session in a test.
type fakeHost struct {
	mu      sync.Mutex
	procs   map[int]*fakeProc
	nextPID int
	sleeps  int
	signals []sentSignal
	spawned [][]string

	// spawnChild adds a child process under each spawned PID.
	spawnChild bool
	// crashOnStart makes spawned processes exit immediately.
	crashOnStart bool
	// configure is applied to each spawned process.
	configure func(*fakeProc)
}

func newFakeHost(firstPID int) *fakeHost {
	return &fakeHost{procs: make(map[int]*fakeProc), nextPID: firstPID}
}

func (h *fakeHost) add(pid int, p *fakeProc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.alive = true
	h.procs[pid] = p
}

func (h *fakeHost) list() ([]lifecycle.ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []lifecycle.ProcessInfo
	for pid, p := range h.procs {
		if p.alive {
			out = append(out, lifecycle.ProcessInfo{PID: pid, PPID: p.ppid, Command: p.command})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (h *fakeHost) isAlive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	return ok && p.alive
}

func (h *fakeHost) registry() *lifecycle.Registry {
	return lifecycle.NewRegistry(lifecycle.NewIdentity(testBinary),
		lifecycle.WithProcessLister(h.list),
		lifecycle.WithLivenessProbe(h.isAlive))
}

func (h *fakeHost) sleep(context.Context, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleeps++
	for _, p := range h.procs {
		if p.dying && p.alive {
			p.dieAfter--
			if p.dieAfter <= 0 {
				p.alive = false
			}
		}
	}
}

func (h *fakeHost) Signal(_ context.Context, sig syscall.Signal, handle lifecycle.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sentSignal{sig: sig, pids: handle.PIDs(), afterSleeps: h.sleeps})
	for _, pid := range handle.PIDs() {
		h.deliver(pid, sig)
	}
	return nil
}

// deliver applies sig to pid. A sudo wrapper relays it to its children.
func (h *fakeHost) deliver(pid int, sig syscall.Signal) {
	p, ok := h.procs[pid]
	if !ok || !p.alive {
		return
	}
	if strings.HasPrefix(p.command, "sudo ") {
		for cpid, c := range h.procs {
			if c.ppid == pid {
				h.deliver(cpid, sig)
			}
		}
	}
	switch sig {
	case syscall.SIGTERM:
		if p.ignoreTerm {
			return
		}
		if p.dieAfter > 0 {
			p.dying = true
			return
		}
		p.alive = false
	case syscall.SIGKILL:
		if !p.ignoreKill {
			p.alive = false
		}
	}
}

func (h *fakeHost) ManualKillCommand(handle lifecycle.Handle) string {
	return (&privilege.Elevator{Program: "sudo", EUID: 1000}).Manual("kill", append([]string{"-9"}, handle.Args()...)...)
}

func (h *fakeHost) SpawnDetached(argv []string, _ string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawned = append(h.spawned, argv)

	pid := h.nextPID
	h.nextPID++
	p := &fakeProc{ppid: 1, command: strings.Join(argv, " "), alive: !h.crashOnStart}
	if h.configure != nil {
		h.configure(p)
	}
	h.procs[pid] = p

	if h.spawnChild {
		child := h.nextPID
		h.nextPID++
		h.procs[child] = &fakeProc{ppid: pid, command: testBinary, alive: !h.crashOnStart}
	}
	return pid, nil
}

func (h *fakeHost) count(sig syscall.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.signals {
		if s.sig == sig {
			n++
		}
	}
	return n
}

func (h *fakeHost) signalsSent() []sentSignal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentSignal(nil), h.signals...)
}

type fakeGate struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGate) Ensure(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.err
}

func deniedGate() *fakeGate {
	return &fakeGate{err: &privilege.DeniedError{Program: "sudo", Reason: "no terminal"}}
}

type fakeClaimer struct {
	err      error
	claims   int
	releases int
}

func (c *fakeClaimer) Claim(context.Context) (func() error, error) {
	c.claims++
	if c.err != nil {
		return nil, c.err
	}
	return func() error { c.releases++; return nil }, nil
}

func lookPathOK(string) (string, error) { return testBinary, nil }

func lookPathMissing(file string) (string, error) {
	return "", errors.New(`exec: "` + file + `": executable file not found in $PATH`)
}

type sessionOption func(*Options, *Deps)

func withGate(g Gate) sessionOption {
	return func(_ *Options, d *Deps) { d.Gate = g }
}

func withOptions(fn func(*Options)) sessionOption {
	return func(o *Options, _ *Deps) { fn(o) }
}

func withDeps(fn func(*Deps)) sessionOption {
	return func(_ *Options, d *Deps) { fn(d) }
}

// newSession builds a supervisor over host with 1s polling, a graceful
// timeout of 5 cycles and no startup wait.
func newSession(host *fakeHost, opts ...sessionOption) *Supervisor {
	o := Options{
		Binary:          "hostwatch",
		LogPath:         "/var/log/hostwatch/controller.log",
		GracefulTimeout: 5 * time.Second,
		StartupDelay:    2 * time.Second,
		PollInterval:    time.Second,
		KillConfirm:     3 * time.Second,
	}
	d := Deps{
		Gate:     &fakeGate{},
		Registry: host.registry(),
		Signaler: host,
		Spawner:  host,
		Elevator: &privilege.Elevator{Program: "sudo", EUID: 1000},
		LookPath: lookPathOK,
		Sleep:    host.sleep,
	}
	for _, opt := range opts {
		opt(&o, &d)
	}
	return New(o, d)
}
