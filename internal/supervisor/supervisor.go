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

// Package supervisor orchestrates the lifecycle of the single host-wide
// controller instance across independent sessions.
//
// A Supervisor is one session. It adopts an instance another session
// launched without claiming it, and on shutdown only stops what it
// launched itself.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/hostwatch/internal/lifecycle"
	hwlog "github.com/tombee/hostwatch/internal/log"
	"github.com/tombee/hostwatch/internal/metrics"
	"github.com/tombee/hostwatch/internal/privilege"
	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

// Default timings.
const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultStartupDelay    = 2 * time.Second
	DefaultPollInterval    = time.Second
	DefaultKillConfirm     = 5 * time.Second
)

// Gate validates elevated privilege before each privileged action.
type Gate interface {
	Ensure(ctx context.Context) error
}

// Registry discovers controller processes and checks their liveness.
type Registry interface {
	Snapshot(ctx context.Context) ([]lifecycle.ProcessInfo, error)
	Discover(ctx context.Context) (lifecycle.Handle, error)
	Descendants(ctx context.Context, root int) (lifecycle.Handle, error)
	Relayed(ctx context.Context, h lifecycle.Handle) (lifecycle.Handle, error)
	IsAlive(h lifecycle.Handle) bool
	Alive(h lifecycle.Handle) lifecycle.Handle
}

// Signaler delivers signals to a handle.
type Signaler interface {
	Signal(ctx context.Context, sig syscall.Signal, h lifecycle.Handle) error
	ManualKillCommand(h lifecycle.Handle) string
}

// Spawner launches the detached controller.
type Spawner interface {
	SpawnDetached(argv []string, logPath string) (int, error)
}

// Options is the resolved session configuration.
type Options struct {
	// Binary is the controller locator, a name on PATH or a path.
	Binary string

	// LogPath receives the controller's stdout and stderr.
	LogPath string

	// Targets is the requested target set; empty means all.
	Targets []string

	// TargetFlag is the controller flag carrying Targets.
	TargetFlag string

	// Env is forwarded explicitly to the elevated controller, since
	// escalation resets the environment.
	Env map[string]string

	GracefulTimeout time.Duration
	StartupDelay    time.Duration
	PollInterval    time.Duration
	KillConfirm     time.Duration

	OnMismatch MismatchPolicy
}

func (o *Options) applyDefaults() {
	if o.TargetFlag == "" {
		o.TargetFlag = DefaultTargetFlag
	}
	if o.GracefulTimeout < 0 {
		o.GracefulTimeout = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.KillConfirm <= 0 {
		o.KillConfirm = DefaultKillConfirm
	}
	if o.OnMismatch == "" {
		o.OnMismatch = MismatchWarn
	}
	o.Targets = NormalizeTargets(o.Targets)
}

// Deps are the collaborators a session uses. Nil Claimer, Events and
// Logger fall back to no-op implementations.
type Deps struct {
	Gate     Gate
	Registry Registry
	Signaler Signaler
	Spawner  Spawner
	Elevator *privilege.Elevator
	Claimer  lifecycle.Claimer
	Events   *lifecycle.EventLog
	Logger   *slog.Logger

	// LookPath resolves Binary; defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	// Sleep blocks for d; defaults to a timer. Tests replace it to
	// advance cycles without waiting.
	Sleep func(ctx context.Context, d time.Duration)
}

// Supervisor is one session's view of the controller lifecycle.
type Supervisor struct {
	opts     Options
	gate     Gate
	registry Registry
	signaler Signaler
	spawner  Spawner
	elevator *privilege.Elevator
	claimer  lifecycle.Claimer
	events   *lifecycle.EventLog
	logger   *slog.Logger
	lookPath func(string) (string, error)
	sleep    func(context.Context, time.Duration)

	mu      sync.Mutex
	owns    bool
	claimed lifecycle.Handle
}

// New creates a session.
func New(opts Options, deps Deps) *Supervisor {
	opts.applyDefaults()

	s := &Supervisor{
		opts:     opts,
		gate:     deps.Gate,
		registry: deps.Registry,
		signaler: deps.Signaler,
		spawner:  deps.Spawner,
		elevator: deps.Elevator,
		claimer:  deps.Claimer,
		events:   deps.Events,
		logger:   deps.Logger,
		lookPath: deps.LookPath,
		sleep:    deps.Sleep,
	}
	if s.claimer == nil {
		s.claimer = lifecycle.NopClaimer{}
	}
	if s.logger == nil {
		s.logger = hwlog.Discard()
	}
	if s.elevator == nil {
		s.elevator = privilege.NewElevator("")
	}
	if s.lookPath == nil {
		s.lookPath = exec.LookPath
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	return s
}

// Options returns the resolved session options.
func (s *Supervisor) Options() Options {
	return s.opts
}

// Owned returns the claimed handle and whether this session launched it.
func (s *Supervisor) Owned() (lifecycle.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed, s.owns
}

// Start launches the controller unless one is already running.
func (s *Supervisor) Start(ctx context.Context) (StartOutcome, error) {
	begin := time.Now()
	logger := s.logger.With(hwlog.ActionKey, "start")

	outcome, err := s.start(ctx, logger)

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailure
		_ = s.events.Failure(lifecycle.EventStartFailure, outcome.Handle, err)
	case outcome.Result == AlreadyRunning:
		result = metrics.ResultNoop
	}
	metrics.RecordAction("start", result, time.Since(begin))
	return outcome, err
}

func (s *Supervisor) start(ctx context.Context, logger *slog.Logger) (StartOutcome, error) {
	if err := s.gate.Ensure(ctx); err != nil {
		return StartOutcome{}, err
	}

	release, err := s.claimer.Claim(ctx)
	if err != nil {
		return StartOutcome{}, hwerrors.Wrap(err, "failed to claim start")
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("failed to release claim", hwlog.Error(err))
		}
	}()

	procs, err := s.registry.Snapshot(ctx)
	if err != nil {
		return StartOutcome{}, hwerrors.Wrap(err, "failed to discover controller")
	}
	if len(procs) > 0 {
		return s.adopt(procs, logger)
	}

	binary, err := s.resolveBinary()
	if err != nil {
		return StartOutcome{}, err
	}

	_ = s.events.Record(lifecycle.LifecycleEvent{
		Event:   lifecycle.EventStart,
		Targets: s.opts.Targets,
		Success: true,
		Message: "controller start initiated",
	})

	argv := s.elevator.Command(s.opts.Env, binary, TargetArgs(s.opts.TargetFlag, s.opts.Targets)...)
	logger.Debug("spawning controller", "argv", argv, "log_file", s.opts.LogPath)

	pid, err := s.spawner.SpawnDetached(argv, s.opts.LogPath)
	if err != nil {
		return StartOutcome{}, &StartError{LogPath: s.opts.LogPath, Reason: "launch failed", Cause: err}
	}

	// Start is not cancellable once the process exists.
	s.sleep(context.WithoutCancel(ctx), s.opts.StartupDelay)

	handle := lifecycle.NewHandle(pid)
	if children, err := s.registry.Descendants(ctx, pid); err == nil {
		handle = handle.Union(children)
	} else {
		logger.Debug("failed to list controller descendants", hwlog.Error(err))
	}

	if !s.registry.IsAlive(handle) {
		return StartOutcome{Handle: handle}, &StartError{
			LogPath: s.opts.LogPath,
			Reason:  fmt.Sprintf("process %d exited within %s", pid, s.opts.StartupDelay),
		}
	}

	s.mu.Lock()
	s.owns = true
	s.claimed = handle
	s.mu.Unlock()

	metrics.SetInstances(handle.Len())
	_ = s.events.Success(lifecycle.EventStartSuccess, handle, "controller started")
	logger.Info("controller started", hwlog.PIDsKey, handle.String(), "log_file", s.opts.LogPath)

	return StartOutcome{Result: Started, Handle: handle}, nil
}

// adopt handles a start that found a running instance. Ownership is
// never claimed here.
func (s *Supervisor) adopt(procs []lifecycle.ProcessInfo, logger *slog.Logger) (StartOutcome, error) {
	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	handle := lifecycle.NewHandle(pids...)
	outcome := StartOutcome{Result: AlreadyRunning, Handle: handle}
	metrics.SetInstances(handle.Len())

	if handle.Len() > 1 {
		logger.Warn("multiple controller processes running", hwlog.PIDsKey, handle.String())
	}

	for _, p := range procs {
		running := targetsFromCommand(p.Command, s.opts.TargetFlag)
		if sameTargets(running, s.opts.Targets) {
			continue
		}
		outcome.RunningTargets = running
		outcome.Mismatch = true

		switch s.opts.OnMismatch {
		case MismatchFail:
			return outcome, &MismatchError{Handle: handle, Requested: s.opts.Targets, Running: running}
		case MismatchWarn:
			logger.Warn("running controller watches different targets",
				hwlog.PIDsKey, handle.String(),
				"running", targetList(running),
				"requested", targetList(s.opts.Targets))
		}
		break
	}

	_ = s.events.Success(lifecycle.EventAlreadyRunning, handle, "controller already running")
	logger.Info("controller already running", hwlog.PIDsKey, handle.String())
	return outcome, nil
}

func (s *Supervisor) resolveBinary() (string, error) {
	if s.opts.Binary == "" {
		return "", &MissingBinaryError{Binary: "(empty)"}
	}
	path, err := s.lookPath(s.opts.Binary)
	if err != nil {
		return "", &MissingBinaryError{Binary: s.opts.Binary, Cause: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &MissingBinaryError{Binary: s.opts.Binary, Cause: err}
	}
	return abs, nil
}

// Stop terminates h, or every running controller when h is nil.
// SIGTERM goes to the whole set once; survivors of the graceful window
// get SIGKILL. Stop ignores ctx cancellation since signals cannot be
// retracted.
func (s *Supervisor) Stop(ctx context.Context, h *lifecycle.Handle) (StopOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	begin := time.Now()
	logger := s.logger.With(hwlog.ActionKey, "stop")

	outcome, err := s.stop(ctx, h, logger)

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailure
		_ = s.events.Failure(lifecycle.EventStopFailure, outcome.Handle, err)
	case outcome.Result == NoneRunning:
		result = metrics.ResultNoop
	default:
		metrics.SetInstances(0)
	}
	metrics.RecordAction("stop", result, time.Since(begin))

	if err == nil {
		s.releaseIfGone()
	}
	return outcome, err
}

func (s *Supervisor) stop(ctx context.Context, h *lifecycle.Handle, logger *slog.Logger) (StopOutcome, error) {
	var target lifecycle.Handle
	if h == nil {
		found, err := s.registry.Discover(ctx)
		if err != nil {
			return StopOutcome{}, hwerrors.Wrap(err, "failed to discover controller")
		}
		target = found
	} else {
		target = *h
	}

	if target.Empty() || !s.registry.IsAlive(target) {
		logger.Info("controller not running")
		return StopOutcome{Result: NoneRunning, Handle: target}, nil
	}

	if err := s.gate.Ensure(ctx); err != nil {
		return StopOutcome{Handle: target}, err
	}

	_ = s.events.Success(lifecycle.EventStop, target, "controller stop initiated")
	logger.Info("stopping controller", hwlog.PIDsKey, target.String(), "graceful_timeout", s.opts.GracefulTimeout)

	graceful := s.gracefulTargets(ctx, target, logger)
	if err := s.signaler.Signal(ctx, syscall.SIGTERM, graceful); err != nil {
		logger.Warn("graceful termination signal failed", hwlog.PIDsKey, graceful.String(), hwlog.Error(err))
	}

	cycles := pollCycles(s.opts.GracefulTimeout, s.opts.PollInterval)
	for i := 1; i <= cycles; i++ {
		s.sleep(ctx, s.opts.PollInterval)
		if !s.registry.IsAlive(target) {
			_ = s.events.Success(lifecycle.EventStopSuccess, target, "controller stopped gracefully")
			logger.Info("controller stopped", hwlog.PIDsKey, target.String())
			return StopOutcome{Result: Stopped, Handle: target, Cycles: i}, nil
		}
	}

	survivors := s.registry.Alive(target)
	if survivors.Empty() {
		_ = s.events.Success(lifecycle.EventStopSuccess, target, "controller stopped gracefully")
		return StopOutcome{Result: Stopped, Handle: target, Cycles: cycles}, nil
	}

	logger.Warn("graceful timeout exceeded, forcing termination", hwlog.PIDsKey, survivors.String())
	metrics.RecordForcedKill()
	_ = s.events.Success(lifecycle.EventForceKill, survivors, "graceful timeout exceeded")

	killErr := s.signaler.Signal(ctx, syscall.SIGKILL, survivors)
	if killErr != nil {
		logger.Warn("forced termination signal failed", hwlog.PIDsKey, survivors.String(), hwlog.Error(killErr))
	}

	confirm := pollCycles(s.opts.KillConfirm, s.opts.PollInterval)
	for i := 0; ; i++ {
		if !s.registry.IsAlive(survivors) {
			_ = s.events.Success(lifecycle.EventStopSuccess, target, "controller stopped after forced termination")
			logger.Info("controller stopped", hwlog.PIDsKey, target.String(), "forced", true)
			return StopOutcome{Result: Stopped, Handle: target, Forced: true, Cycles: cycles}, nil
		}
		if i >= confirm {
			break
		}
		s.sleep(ctx, s.opts.PollInterval)
	}

	remaining := s.registry.Alive(survivors)
	if remaining.Empty() {
		remaining = survivors
	}
	return StopOutcome{Handle: target, Forced: true, Cycles: cycles}, &StopError{
		Survivors:     remaining,
		ManualCommand: s.signaler.ManualKillCommand(remaining),
		Cause:         killErr,
	}
}

// gracefulTargets drops the children of escalation wrappers in target,
// since the wrapper relays SIGTERM to them itself. The forced signal still
// goes to every survivor.
func (s *Supervisor) gracefulTargets(ctx context.Context, target lifecycle.Handle, logger *slog.Logger) lifecycle.Handle {
	relayed, err := s.registry.Relayed(ctx, target)
	if err != nil {
		logger.Debug("could not resolve wrapper children", hwlog.Error(err))
		return target
	}
	if rest := target.Without(relayed); !rest.Empty() {
		return rest
	}
	return target
}

// releaseIfGone drops ownership once the claimed instance is no longer alive.
func (s *Supervisor) releaseIfGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owns && !s.registry.IsAlive(s.claimed) {
		s.owns = false
		s.claimed = lifecycle.Handle{}
	}
}

// Restart stops every running controller and then starts a new one.
// A failed stop aborts the restart.
func (s *Supervisor) Restart(ctx context.Context) (RestartOutcome, error) {
	begin := time.Now()

	stopped, err := s.Stop(ctx, nil)
	if err != nil {
		metrics.RecordAction("restart", metrics.ResultFailure, time.Since(begin))
		return RestartOutcome{Stop: stopped}, err
	}

	started, err := s.Start(ctx)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	metrics.RecordAction("restart", result, time.Since(begin))
	return RestartOutcome{Stop: stopped, Start: started}, err
}

// Status reports whether any controller is running. It never changes
// ownership.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	procs, err := s.registry.Snapshot(ctx)
	if err != nil {
		return Status{}, hwerrors.Wrap(err, "failed to discover controller")
	}

	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	handle := lifecycle.NewHandle(pids...)
	claimed, owns := s.Owned()

	st := Status{
		Running:   !handle.Empty() && s.registry.IsAlive(handle),
		Handle:    handle,
		Processes: procs,
		Owned:     owns && !claimed.Empty(),
	}
	for _, p := range procs {
		if t := targetsFromCommand(p.Command, s.opts.TargetFlag); len(t) > 0 {
			st.Targets = t
			break
		}
	}
	return st, nil
}

// pollCycles returns how many poll intervals fit in budget, rounding up.
func pollCycles(budget, interval time.Duration) int {
	if budget <= 0 {
		return 0
	}
	return int((budget + interval - 1) / interval)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
