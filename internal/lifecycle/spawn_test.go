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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSpawnDetached(t *testing.T) {
	t.Run("writes output to the log and is reaped", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "logs", "controller.log")

		pid, err := NewSpawner().SpawnDetached([]string{"sh", "-c", "echo started; echo oops >&2"}, logPath)
		if err != nil {
			t.Fatalf("SpawnDetached() error = %v", err)
		}
		if pid <= 0 {
			t.Fatalf("SpawnDetached() pid = %d", pid)
		}

		deadline := time.Now().Add(5 * time.Second)
		for IsProcessRunning(pid) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		if IsProcessRunning(pid) {
			t.Fatalf("process %d still reported running after exit", pid)
		}

		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("failed to read log: %v", err)
		}
		if !strings.Contains(string(data), "started") || !strings.Contains(string(data), "oops") {
			t.Errorf("log = %q, want stdout and stderr", data)
		}
	})

	t.Run("appends to an existing log", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "controller.log")
		if err := os.WriteFile(logPath, []byte("previous\n"), 0600); err != nil {
			t.Fatal(err)
		}

		pid, err := NewSpawner().SpawnDetached([]string{"sh", "-c", "echo next"}, logPath)
		if err != nil {
			t.Fatalf("SpawnDetached() error = %v", err)
		}
		for i := 0; i < 250 && IsProcessRunning(pid); i++ {
			time.Sleep(20 * time.Millisecond)
		}

		data, _ := os.ReadFile(logPath)
		if !strings.HasPrefix(string(data), "previous\n") {
			t.Errorf("log was truncated: %q", data)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := NewSpawner().SpawnDetached([]string{"/nonexistent/hostwatch"}, filepath.Join(t.TempDir(), "x.log"))
		if err == nil {
			t.Error("SpawnDetached() with missing binary succeeded, want error")
		}
	})

	t.Run("empty argv", func(t *testing.T) {
		if _, err := NewSpawner().SpawnDetached(nil, filepath.Join(t.TempDir(), "x.log")); err == nil {
			t.Error("SpawnDetached(nil) succeeded, want error")
		}
	})
}
