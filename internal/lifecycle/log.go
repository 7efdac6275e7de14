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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Lifecycle event names.
const (
	EventStart          = "start"
	EventStartSuccess   = "start_success"
	EventStartFailure   = "start_failure"
	EventAlreadyRunning = "already_running"
	EventStop           = "stop"
	EventStopSuccess    = "stop_success"
	EventStopFailure    = "stop_failure"
	EventForceKill      = "force_kill"
	EventCleanup        = "cleanup"
	EventShutdown       = "shutdown"
)

// LifecycleEvent is one line of the lifecycle log.
type LifecycleEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	PIDs      []int     `json:"pids,omitempty"`
	Targets   []string  `json:"targets,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventLog appends lifecycle events as JSON lines. An EventLog with an
// empty path discards everything, so callers never need a nil check.
type EventLog struct {
	path      string
	sessionID string
	now       func() time.Time

	mu sync.Mutex
}

// NewEventLog creates an EventLog writing to path, tagging each event
// with sessionID.
func NewEventLog(path, sessionID string) *EventLog {
	return &EventLog{path: path, sessionID: sessionID, now: time.Now}
}

// Path returns the log location, empty when disabled.
func (l *EventLog) Path() string {
	return l.path
}

// Record writes a single event. Timestamp and session ID are filled in
// when unset.
func (l *EventLog) Record(event LifecycleEvent) error {
	if l == nil || l.path == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Success records a successful event for h.
func (l *EventLog) Success(event string, h Handle, message string) error {
	return l.Record(LifecycleEvent{
		Event:   event,
		PIDs:    h.PIDs(),
		Success: true,
		Message: message,
	})
}

// Failure records a failed event for h.
func (l *EventLog) Failure(event string, h Handle, err error) error {
	e := LifecycleEvent{
		Event:   event,
		PIDs:    h.PIDs(),
		Success: false,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return l.Record(e)
}

// ReadEvents parses a lifecycle log. Malformed lines are skipped.
func ReadEvents(path string) ([]LifecycleEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []LifecycleEvent
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e LifecycleEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
