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
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/tombee/hostwatch/internal/lifecycle"
	hwlog "github.com/tombee/hostwatch/internal/log"
)

// ShutdownState is the coordinator state.
type ShutdownState int32

const (
	// Armed waits for the first exit trigger.
	Armed ShutdownState = iota

	// Firing runs the shutdown sequence.
	Firing

	// Fired is terminal, reached even when the stop failed.
	Fired
)

func (s ShutdownState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	case Fired:
		return "fired"
	default:
		return "unknown"
	}
}

// Stopper is the part of a session the coordinator drives.
type Stopper interface {
	Owned() (lifecycle.Handle, bool)
	Stop(ctx context.Context, h *lifecycle.Handle) (StopOutcome, error)
}

// Invoker runs the controller's one-shot cleanup.
type Invoker interface {
	Invoke(ctx context.Context) error
}

// Shutdown runs the stop sequence at most once per session, on the first
// of normal exit, interrupt or termination. Only an owning session stops
// anything.
type Shutdown struct {
	stopper Stopper
	cleanup Invoker
	events  *lifecycle.EventLog
	logger  *slog.Logger

	state  atomic.Int32
	fired  chan struct{}
	reason string
	err    error
}

// ShutdownOption configures a Shutdown.
type ShutdownOption func(*Shutdown)

// WithCleanupOnShutdown runs inv after an owned instance is stopped.
func WithCleanupOnShutdown(inv Invoker) ShutdownOption {
	return func(s *Shutdown) { s.cleanup = inv }
}

// WithShutdownLogger sets the coordinator logger.
func WithShutdownLogger(l *slog.Logger) ShutdownOption {
	return func(s *Shutdown) { s.logger = l }
}

// WithShutdownEvents records the shutdown in the lifecycle log.
func WithShutdownEvents(e *lifecycle.EventLog) ShutdownOption {
	return func(s *Shutdown) { s.events = e }
}

// NewShutdown creates an armed coordinator for stopper.
func NewShutdown(stopper Stopper, opts ...ShutdownOption) *Shutdown {
	s := &Shutdown{
		stopper: stopper,
		logger:  hwlog.Discard(),
		fired:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Shutdown) State() ShutdownState {
	return ShutdownState(s.state.Load())
}

// Done is closed once the coordinator reaches Fired.
func (s *Shutdown) Done() <-chan struct{} {
	return s.fired
}

// Reason returns the trigger that fired the coordinator. Valid after Done.
func (s *Shutdown) Reason() string {
	<-s.fired
	return s.reason
}

// Err returns the shutdown sequence error. Valid after Done.
func (s *Shutdown) Err() error {
	<-s.fired
	return s.err
}

// Fire runs the shutdown sequence if it has not run yet. Concurrent and
// later calls wait for the first to finish and return nil.
func (s *Shutdown) Fire(ctx context.Context, reason string) error {
	if !s.state.CompareAndSwap(int32(Armed), int32(Firing)) {
		<-s.fired
		return nil
	}

	s.reason = reason
	defer func() {
		s.state.Store(int32(Fired))
		close(s.fired)
	}()

	s.err = s.run(context.WithoutCancel(ctx), reason)
	return s.err
}

func (s *Shutdown) run(ctx context.Context, reason string) error {
	logger := s.logger.With("reason", reason)

	handle, owns := s.stopper.Owned()
	if !owns {
		logger.Debug("session does not own the controller, leaving it running")
		_ = s.events.Success(lifecycle.EventShutdown, lifecycle.Handle{}, "shutdown ("+reason+"): not owner")
		return nil
	}

	logger.Info("stopping owned controller", hwlog.PIDsKey, handle.String())

	var errs []error
	if _, err := s.stopper.Stop(ctx, &handle); err != nil {
		logger.Error("shutdown stop failed", hwlog.PIDsKey, handle.String(), hwlog.Error(err))
		errs = append(errs, err)
	}

	if s.cleanup != nil {
		if err := s.cleanup.Invoke(ctx); err != nil {
			logger.Error("shutdown cleanup failed", hwlog.Error(err))
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		_ = s.events.Failure(lifecycle.EventShutdown, handle, err)
	} else {
		_ = s.events.Success(lifecycle.EventShutdown, handle, "shutdown ("+reason+"): owned controller stopped")
	}
	return err
}

// Arm fires the coordinator on SIGINT or SIGTERM. Signals after the first
// are swallowed. The returned func stops watching.
func (s *Shutdown) Arm(ctx context.Context) (disarm func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			_ = s.Fire(ctx, sig.String())
		case <-s.fired:
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
