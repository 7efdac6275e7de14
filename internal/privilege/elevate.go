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
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultProgram is the escalation program used when none is configured.
const DefaultProgram = "sudo"

// Elevator builds argv for commands that must run with elevated privilege.
//
// Escalation resets the child environment, so anything the elevated process
// must see (credential file locations in particular) is resolved by the
// caller beforehand and passed explicitly through env(1).
type Elevator struct {
	// Program is the escalation program, e.g. "sudo" or "doas".
	Program string

	// EUID is the effective user ID of the supervisor. Zero means the
	// supervisor is already privileged and no escalation is added.
	EUID int
}

// NewElevator creates an Elevator for the current process.
func NewElevator(program string) *Elevator {
	if program == "" {
		program = DefaultProgram
	}
	return &Elevator{
		Program: program,
		EUID:    unix.Geteuid(),
	}
}

// Elevated reports whether the supervisor already runs as root.
func (e *Elevator) Elevated() bool {
	return e.EUID == 0
}

// Command returns the non-interactive elevated argv for name and args.
// Environment overrides are applied in key order so the argv is stable.
//
//	sudo -n env KUBECONFIG=/home/me/.kube/config /usr/local/bin/hostwatch --namespaces=a,b
func (e *Elevator) Command(env map[string]string, name string, args ...string) []string {
	argv := make([]string, 0, len(args)+len(env)+4)
	if !e.Elevated() {
		argv = append(argv, e.Program, "-n")
	}
	if len(env) > 0 {
		argv = append(argv, "env")
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			argv = append(argv, k+"="+env[k])
		}
	}
	argv = append(argv, name)
	return append(argv, args...)
}

// Manual renders the command an operator would type to run name by hand.
// Unlike Command it omits -n so the operator is prompted if needed.
func (e *Elevator) Manual(name string, args ...string) string {
	parts := make([]string, 0, len(args)+2)
	if !e.Elevated() {
		parts = append(parts, e.Program)
	}
	parts = append(parts, name)
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}
