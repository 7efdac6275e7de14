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
	"context"
	"os"
	"path/filepath"
	"strings"
)

// CleanupFlag selects the controller's one-shot side-effect reversal mode.
// Invocations carrying it are never counted as running controllers.
const CleanupFlag = "--cleanup"

// Identity recognises controller processes by their executable. A command
// line matches when its program, after any escalation wrapper and env(1)
// prefix, has the controller binary's base name. Arguments are never
// inspected, so "journalctl -fu hostwatch" or "man hostwatch" do not match.
type Identity struct {
	base     string
	wrappers map[string]bool
}

// wrapperArgFlags are escalation options that consume the next field.
var wrapperArgFlags = map[string]bool{
	"-u": true, "-g": true, "-C": true, "-D": true, "-p": true, "-r": true,
	"-t": true, "-T": true, "-U": true, "-R": true, "-h": true,
	"--user": true, "--group": true, "--close-from": true, "--chdir": true,
	"--prompt": true, "--role": true, "--type": true, "--command-timeout": true,
	"--other-user": true, "--chroot": true, "--host": true,
}

// envArgFlags are env(1) options that consume the next field.
var envArgFlags = map[string]bool{
	"-u": true, "-C": true, "-S": true,
	"--unset": true, "--chdir": true, "--split-string": true,
}

// NewIdentity returns the Identity of binary. sudo and doas are always
// treated as wrappers; wrappers adds configured escalation programs.
func NewIdentity(binary string, wrappers ...string) *Identity {
	id := &Identity{
		base:     filepath.Base(binary),
		wrappers: map[string]bool{"sudo": true, "doas": true},
	}
	for _, w := range wrappers {
		if w != "" {
			id.wrappers[filepath.Base(w)] = true
		}
	}
	return id
}

// Matches reports whether command runs the controller. Cleanup-mode
// invocations and commands run through a shell never match.
func (id *Identity) Matches(command string) bool {
	fields := strings.Fields(command)
	i := 0
	for i < len(fields) {
		name := filepath.Base(fields[i])
		switch {
		case id.wrappers[name]:
			i = skipAssignments(fields, skipOptions(fields, i+1, wrapperArgFlags))
		case name == "env":
			i = skipAssignments(fields, skipOptions(fields, i+1, envArgFlags))
		default:
			if name != id.base {
				return false
			}
			for _, f := range fields[i+1:] {
				if f == CleanupFlag {
					return false
				}
			}
			return true
		}
	}
	return false
}

// Wrapper reports whether command runs an escalation wrapper.
func (id *Identity) Wrapper(command string) bool {
	fields := strings.Fields(command)
	return len(fields) > 0 && id.wrappers[filepath.Base(fields[0])]
}

func skipOptions(fields []string, i int, withArg map[string]bool) int {
	for i < len(fields) && strings.HasPrefix(fields[i], "-") {
		f := fields[i]
		i++
		if f == "--" {
			break
		}
		if withArg[f] {
			i++
		}
	}
	return i
}

// skipAssignments skips NAME=value fields. A "/" before the "=" marks a
// path rather than an assignment.
func skipAssignments(fields []string, i int) int {
	for i < len(fields) {
		eq := strings.IndexByte(fields[i], '=')
		if eq <= 0 || strings.ContainsRune(fields[i][:eq], '/') {
			break
		}
		i++
	}
	return i
}

// Registry discovers controller instances by scanning the whole process
// table, not only this session's children.
type Registry struct {
	identity *Identity
	selfPID int
	list    func() ([]ProcessInfo, error)
	alive   func(pid int) bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProcessLister replaces the process table source.
func WithProcessLister(fn func() ([]ProcessInfo, error)) RegistryOption {
	return func(r *Registry) { r.list = fn }
}

// WithLivenessProbe replaces the per-PID liveness check.
func WithLivenessProbe(fn func(pid int) bool) RegistryOption {
	return func(r *Registry) { r.alive = fn }
}

// WithSelfPID overrides the PID excluded as "this process".
func WithSelfPID(pid int) RegistryOption {
	return func(r *Registry) { r.selfPID = pid }
}

// NewRegistry creates a Registry matching processes against identity.
func NewRegistry(identity *Identity, opts ...RegistryOption) *Registry {
	r := &Registry{
		identity: identity,
		selfPID:  os.Getpid(),
		list:     ListProcesses,
		alive:    IsProcessRunning,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns every process whose executable is the controller.
// No match is an empty slice, not an error.
func (r *Registry) Snapshot(ctx context.Context) ([]ProcessInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	procs, err := r.list()
	if err != nil {
		return nil, err
	}

	var matched []ProcessInfo
	for _, p := range procs {
		if r.matches(p) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// Discover returns the handle of all currently running controller processes.
func (r *Registry) Discover(ctx context.Context) (Handle, error) {
	procs, err := r.Snapshot(ctx)
	if err != nil {
		return Handle{}, err
	}
	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	return NewHandle(pids...), nil
}

// Descendants returns every process below root in the process tree.
// root itself is not included.
func (r *Registry) Descendants(ctx context.Context, root int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	procs, err := r.list()
	if err != nil {
		return Handle{}, err
	}

	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}

	var found []int
	queue := []int{root}
	seen := map[int]bool{root: true}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if seen[c] {
				continue
			}
			seen[c] = true
			found = append(found, c)
			queue = append(queue, c)
		}
	}
	return NewHandle(found...), nil
}

// Relayed returns the members of h whose parent is also a member running an
// escalation wrapper. The wrapper forwards termination signals to its child,
// so signalling both would deliver the signal twice.
func (r *Registry) Relayed(ctx context.Context, h Handle) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	procs, err := r.list()
	if err != nil {
		return Handle{}, err
	}

	byPID := make(map[int]ProcessInfo, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}

	var relayed []int
	for _, pid := range h.pids {
		p, ok := byPID[pid]
		if !ok || !h.Contains(p.PPID) {
			continue
		}
		if parent, ok := byPID[p.PPID]; ok && r.identity.Wrapper(parent.Command) {
			relayed = append(relayed, pid)
		}
	}
	return NewHandle(relayed...), nil
}

// IsAlive reports whether ANY PID in h is alive.
func (r *Registry) IsAlive(h Handle) bool {
	for _, pid := range h.pids {
		if r.alive(pid) {
			return true
		}
	}
	return false
}

// Alive returns the subset of h that is still alive.
func (r *Registry) Alive(h Handle) Handle {
	var live []int
	for _, pid := range h.pids {
		if r.alive(pid) {
			live = append(live, pid)
		}
	}
	return NewHandle(live...)
}

func (r *Registry) matches(p ProcessInfo) bool {
	if p.PID == r.selfPID {
		return false
	}
	return r.identity.Matches(p.Command)
}
