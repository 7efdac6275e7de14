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
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/hostwatch/internal/commands/shared"
	"github.com/tombee/hostwatch/internal/config"
	"github.com/tombee/hostwatch/internal/lifecycle"
	hwlog "github.com/tombee/hostwatch/internal/log"
	"github.com/tombee/hostwatch/internal/metrics"
	"github.com/tombee/hostwatch/internal/privilege"
	"github.com/tombee/hostwatch/internal/supervisor"
	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

// session is one CLI invocation's wiring: configuration, diagnostics and
// the lifecycle collaborators built from them.
type session struct {
	id       string
	cfg      *config.Config
	logger   *slog.Logger
	events   *lifecycle.EventLog
	sup      *supervisor.Supervisor
	cleanup  *supervisor.Cleanup
	shutdown *supervisor.Shutdown

	stdout io.Writer
	stderr io.Writer
}

// sessionFlags are the per-command inputs that override configuration.
type sessionFlags struct {
	timing *shared.TimingFlags

	// targets is the positional target list; set only when given.
	targets    string
	hasTargets bool
}

// hostDeps builds the collaborators that touch the host. The gate is
// shared by the supervisor and cleanup so a session prompts at most once.
// Tests replace it.
var hostDeps = func(cfg *config.Config, logger *slog.Logger) (supervisor.Deps, supervisor.CleanupDeps) {
	elevator := privilege.NewElevator(cfg.Escalation)
	gate := privilege.NewGate(elevator, privilege.WithLogger(hwlog.WithComponent(logger, "privilege")))
	runner := privilege.ExecRunner{}

	deps := supervisor.Deps{
		Gate:     gate,
		Registry: lifecycle.NewRegistry(lifecycle.NewIdentity(cfg.Binary, cfg.Escalation)),
		Signaler: lifecycle.NewSignaler(elevator, runner),
		Spawner:  lifecycle.NewSpawner(),
		Elevator: elevator,
		Claimer:  newClaimer(cfg),
	}
	cleanupDeps := supervisor.CleanupDeps{
		Gate:     gate,
		Elevator: elevator,
		Runner:   runner,
	}
	return deps, cleanupDeps
}

// newClaimer returns the start lock for cfg, or a no-op when claiming is
// turned off.
func newClaimer(cfg *config.Config) lifecycle.Claimer {
	if cfg.ClaimDisabled() {
		return lifecycle.NopClaimer{}
	}
	return &lifecycle.LockFileClaimer{Path: cfg.LockFile, Timeout: cfg.ClaimTimeout}
}

func newSession(cmd *cobra.Command, flags sessionFlags) (*session, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}

	policy, err := supervisor.ParseMismatchPolicy(cfg.OnMismatch)
	if err != nil {
		return nil, &hwerrors.ConfigError{Key: "on_mismatch", Reason: err.Error()}
	}

	id := uuid.NewString()
	logger := hwlog.WithSession(hwlog.New(loggerConfig(cfg, cmd.ErrOrStderr())), id)
	events := lifecycle.NewEventLog(cfg.EventLog, id)
	env := cfg.ElevatedEnv()

	deps, cleanupDeps := hostDeps(cfg, logger)
	deps.Events = events
	deps.Logger = hwlog.WithComponent(logger, "supervisor")

	sup := supervisor.New(supervisor.Options{
		Binary:          cfg.Binary,
		LogPath:         cfg.LogFile,
		Targets:         cfg.Targets,
		TargetFlag:      cfg.TargetFlag,
		Env:             env,
		GracefulTimeout: cfg.GracefulTimeout,
		StartupDelay:    cfg.StartupDelay,
		OnMismatch:      policy,
	}, deps)

	cleanupDeps.Events = events
	cleanupDeps.Logger = hwlog.WithComponent(logger, "cleanup")
	if cleanupDeps.Output == nil {
		cleanupDeps.Output = cmd.ErrOrStderr()
	}
	cleanup := supervisor.NewCleanup(cfg.Binary, env, cleanupDeps)

	opts := []supervisor.ShutdownOption{
		supervisor.WithShutdownLogger(hwlog.WithComponent(logger, "shutdown")),
		supervisor.WithShutdownEvents(events),
	}
	if cfg.CleanupOnShutdown {
		opts = append(opts, supervisor.WithCleanupOnShutdown(cleanup))
	}

	logger.Debug("session configured",
		"binary", cfg.Binary,
		"targets", cfg.Targets,
		"lock_file", cfg.LockFile,
		"event_log", events.Path(),
	)

	return &session{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		events:   events,
		sup:      sup,
		cleanup:  cleanup,
		shutdown: supervisor.NewShutdown(sup, opts...),
		stdout:   cmd.OutOrStdout(),
		stderr:   cmd.ErrOrStderr(),
	}, nil
}

// applyFlags layers command-line overrides on top of file and environment.
func applyFlags(cfg *config.Config, flags sessionFlags) error {
	if t := flags.timing; t != nil {
		if t.GracefulChanged() {
			if t.GracefulTimeout < 0 {
				return &hwerrors.ConfigError{Key: "graceful-timeout", Reason: fmt.Sprintf("must not be negative, got %v", t.GracefulTimeout)}
			}
			cfg.GracefulTimeout = t.GracefulTimeout
		}
		if t.StartupChanged() {
			if t.StartupDelay < 0 {
				return &hwerrors.ConfigError{Key: "startup-delay", Reason: fmt.Sprintf("must not be negative, got %v", t.StartupDelay)}
			}
			cfg.StartupDelay = t.StartupDelay
		}
	}
	if flags.hasTargets {
		cfg.Targets = supervisor.ParseTargets(flags.targets)
	}
	return nil
}

// loggerConfig resolves the diagnostic stream. HOSTWATCH_DEBUG and
// --verbose force debug; --quiet keeps errors only.
func loggerConfig(cfg *config.Config, out io.Writer) *hwlog.Config {
	logCfg := &hwlog.Config{
		Level:     cfg.Log.Level,
		Format:    hwlog.Format(cfg.Log.Format),
		Output:    out,
		AddSource: cfg.Log.AddSource,
	}
	if env := hwlog.FromEnv(); env.Level == "debug" {
		logCfg.Level = "debug"
		logCfg.AddSource = logCfg.AddSource || env.AddSource
	}
	switch {
	case shared.GetVerbose():
		logCfg.Level = "debug"
	case shared.GetQuiet():
		logCfg.Level = "error"
	}
	return logCfg
}

// close flushes per-session outputs.
func (s *session) close() {
	if err := metrics.Flush(s.cfg.MetricsFile); err != nil {
		s.logger.Warn("failed to write metrics textfile", "path", s.cfg.MetricsFile, hwlog.Error(err))
	}
}

// hold keeps the session alive until the coordinator fires, by signal or
// by done returning, and runs the owned-instance shutdown exactly once.
// done may be nil to wait for a signal only. The context passed to done is
// cancelled once the coordinator has fired, so a signalled session does
// not outlive its command.
func (s *session) hold(ctx context.Context, done func(ctx context.Context) error) (interrupted bool, doneErr, stopErr error) {
	disarm := s.shutdown.Arm(ctx)
	defer disarm()

	if done == nil {
		s.logger.Info("holding controller until interrupted")
		<-s.shutdown.Done()
		return s.shutdown.Reason() != "exit", nil, s.shutdown.Err()
	}

	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		err := done(doneCtx)
		_ = s.shutdown.Fire(ctx, "exit")
		result <- err
	}()

	select {
	case doneErr = <-result:
	case <-s.shutdown.Done():
		cancel()
		doneErr = <-result
	}
	return s.shutdown.Reason() != "exit", doneErr, s.shutdown.Err()
}

// parseTargets splits positional arguments into the optional target list.
func parseTargets(args []string) sessionFlags {
	if len(args) == 0 {
		return sessionFlags{}
	}
	return sessionFlags{targets: args[0], hasTargets: true}
}
