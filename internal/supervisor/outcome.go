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
	"github.com/tombee/hostwatch/internal/lifecycle"
)

// StartResult is the kind of a successful start.
type StartResult int

const (
	// Started means this session launched the instance and owns it.
	Started StartResult = iota + 1

	// AlreadyRunning means an existing instance was adopted without ownership.
	AlreadyRunning
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// MarshalText encodes the result by name.
func (r StartResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// StartOutcome describes what Start did.
type StartOutcome struct {
	Result StartResult      `json:"result"`
	Handle lifecycle.Handle `json:"pids"`

	// Mismatch is set when an adopted instance runs with other targets.
	Mismatch       bool     `json:"mismatch,omitempty"`
	RunningTargets []string `json:"running_targets,omitempty"`
}

// StopResult is the kind of a successful stop.
type StopResult int

const (
	// Stopped means every PID in the handle is confirmed non-alive.
	Stopped StopResult = iota + 1

	// NoneRunning means there was nothing to stop.
	NoneRunning
)

func (r StopResult) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case NoneRunning:
		return "none_running"
	default:
		return "unknown"
	}
}

// MarshalText encodes the result by name.
func (r StopResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// StopOutcome describes what Stop did.
type StopOutcome struct {
	Result StopResult       `json:"result"`
	Handle lifecycle.Handle `json:"pids"`

	// Forced is set when SIGKILL was needed.
	Forced bool `json:"forced,omitempty"`

	// Cycles is the number of graceful poll cycles waited.
	Cycles int `json:"cycles,omitempty"`
}

// RestartOutcome combines the stop and start halves of a restart.
type RestartOutcome struct {
	Stop  StopOutcome  `json:"stop"`
	Start StartOutcome `json:"start"`
}

// Status is a read-only snapshot of the controller.
type Status struct {
	Running   bool                    `json:"running"`
	Handle    lifecycle.Handle        `json:"pids"`
	Processes []lifecycle.ProcessInfo `json:"processes,omitempty"`
	Targets   []string                `json:"targets,omitempty"`

	// Owned is set when this session launched the running instance.
	Owned bool `json:"owned,omitempty"`
}
