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
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrProcessTable is returned when the process table cannot be read.
var ErrProcessTable = errors.New("process table unreadable")

// ProcessInfo is one row of the process table.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid"`
	Command string `json:"command"`
}

// IsProcessRunning checks if a process with the given PID exists.
// EPERM means the process exists but belongs to another user, which is
// the normal case for a root controller probed by an unprivileged session.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ListProcesses returns every process visible on the host.
func ListProcesses() ([]ProcessInfo, error) {
	procs, err := listProcesses()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessTable, err)
	}
	return procs, nil
}

// parseStatPPID extracts the parent PID from the contents of /proc/<pid>/stat.
// The comm field may itself contain spaces and parentheses, so parsing
// starts after the last ')'.
func parseStatPPID(stat string) (int, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat: %q", stat)
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat: %q", stat)
	}
	return strconv.Atoi(fields[1])
}

// parseCmdline turns NUL-separated /proc/<pid>/cmdline bytes into a
// space-separated command line.
func parseCmdline(raw []byte) string {
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
}

// parsePSOutput parses `ps -axo pid=,ppid=,command=` output.
func parsePSOutput(out string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{
			PID:     pid,
			PPID:    ppid,
			Command: strings.Join(fields[2:], " "),
		})
	}
	return procs
}
