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
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tombee/hostwatch/internal/lifecycle"
	hwlog "github.com/tombee/hostwatch/internal/log"
	"github.com/tombee/hostwatch/internal/metrics"
	"github.com/tombee/hostwatch/internal/privilege"
)

// Cleanup runs the controller's one-shot side-effect reversal mode.
// It works whether or not a controller is running.
type Cleanup struct {
	binary   string
	env      map[string]string
	gate     Gate
	elevator *privilege.Elevator
	runner   privilege.Runner
	output   io.Writer
	events   *lifecycle.EventLog
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// CleanupDeps are the collaborators of a Cleanup.
type CleanupDeps struct {
	Gate     Gate
	Elevator *privilege.Elevator
	Runner   privilege.Runner
	Events   *lifecycle.EventLog
	Logger   *slog.Logger
	LookPath func(string) (string, error)

	// Output receives the cleanup process stdout and stderr.
	// Defaults to os.Stderr, the diagnostic channel.
	Output io.Writer
}

// NewCleanup creates a Cleanup for binary. env is forwarded to the
// elevated process.
func NewCleanup(binary string, env map[string]string, deps CleanupDeps) *Cleanup {
	c := &Cleanup{
		binary:   binary,
		env:      env,
		gate:     deps.Gate,
		elevator: deps.Elevator,
		runner:   deps.Runner,
		output:   deps.Output,
		events:   deps.Events,
		logger:   deps.Logger,
		lookPath: deps.LookPath,
	}
	if c.elevator == nil {
		c.elevator = privilege.NewElevator("")
	}
	if c.runner == nil {
		c.runner = privilege.ExecRunner{}
	}
	if c.output == nil {
		c.output = os.Stderr
	}
	if c.logger == nil {
		c.logger = hwlog.Discard()
	}
	if c.lookPath == nil {
		c.lookPath = exec.LookPath
	}
	return c
}

// Invoke runs `<binary> --cleanup` elevated and waits for it.
func (c *Cleanup) Invoke(ctx context.Context) error {
	begin := time.Now()
	err := c.invoke(ctx)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
		_ = c.events.Failure(lifecycle.EventCleanup, lifecycle.Handle{}, err)
	} else {
		_ = c.events.Success(lifecycle.EventCleanup, lifecycle.Handle{}, "cleanup completed")
	}
	metrics.RecordAction("cleanup", result, time.Since(begin))
	return err
}

func (c *Cleanup) invoke(ctx context.Context) error {
	if err := c.gate.Ensure(ctx); err != nil {
		return err
	}

	if c.binary == "" {
		return &MissingBinaryError{Binary: "(empty)"}
	}
	path, err := c.lookPath(c.binary)
	if err != nil {
		return &MissingBinaryError{Binary: c.binary, Cause: err}
	}
	if path, err = filepath.Abs(path); err != nil {
		return &MissingBinaryError{Binary: c.binary, Cause: err}
	}

	argv := c.elevator.Command(c.env, path, lifecycle.CleanupFlag)
	c.logger.Info("running controller cleanup", "argv", argv)

	err = c.runner.Run(ctx, privilege.Command{
		Args:   argv,
		Stdout: c.output,
		Stderr: c.output,
	})
	if err != nil {
		return &CleanupError{ExitCode: privilege.ExitCode(err), Cause: err}
	}

	c.logger.Info("controller cleanup completed")
	return nil
}
