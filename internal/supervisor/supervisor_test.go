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
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/hostwatch/internal/lifecycle"
	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

func TestStart_LaunchesAndOwns(t *testing.T) {
	host := newFakeHost(111)
	s := newSession(host, withOptions(func(o *Options) {
		o.Targets = []string{"a", "b"}
		o.Env = map[string]string{"KUBECONFIG": "/home/me/.kube/config"}
	}))

	out, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Started, out.Result)
	assert.Equal(t, []int{111}, out.Handle.PIDs())

	require.Len(t, host.spawned, 1)
	assert.Equal(t,
		"sudo -n env KUBECONFIG=/home/me/.kube/config /usr/local/bin/hostwatch --namespaces=a,b",
		strings.Join(host.spawned[0], " "))

	claimed, owns := s.Owned()
	assert.True(t, owns)
	assert.Equal(t, []int{111}, claimed.PIDs())
	assert.Equal(t, 1, host.sleeps, "startup delay waited once")
}

func TestStart_HandleIncludesDescendants(t *testing.T) {
	host := newFakeHost(111)
	host.spawnChild = true
	s := newSession(host)

	out, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{111, 112}, out.Handle.PIDs())
}

func TestStart_Idempotent(t *testing.T) {
	host := newFakeHost(111)
	s := newSession(host)

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, Started, first.Result)

	second, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, second.Result)
	assert.Equal(t, first.Handle.PIDs(), second.Handle.PIDs())
	assert.Len(t, host.spawned, 1, "never two live controllers")

	_, owns := s.Owned()
	assert.True(t, owns, "adopting its own instance keeps ownership")
}

func TestStart_AdoptsWithoutOwnership(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary})
	claimer := &fakeClaimer{}
	s := newSession(host, withDeps(func(d *Deps) { d.Claimer = claimer }))

	out, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, out.Result)
	assert.Equal(t, []int{111}, out.Handle.PIDs())
	assert.Empty(t, host.spawned)

	_, owns := s.Owned()
	assert.False(t, owns)
	assert.Equal(t, 1, claimer.claims)
	assert.Equal(t, 1, claimer.releases)
}

func TestStart_TargetMismatch(t *testing.T) {
	running := testBinary + " --namespaces=a"

	tests := []struct {
		name     string
		policy   MismatchPolicy
		targets  []string
		wantErr  bool
		mismatch bool
	}{
		{name: "same targets", policy: MismatchFail, targets: []string{"a"}},
		{name: "warn adopts", policy: MismatchWarn, targets: []string{"b"}, mismatch: true},
		{name: "ignore adopts", policy: MismatchIgnore, targets: []string{"b"}, mismatch: true},
		{name: "fail refuses", policy: MismatchFail, targets: []string{"b"}, wantErr: true, mismatch: true},
		{name: "all versus subset", policy: MismatchFail, targets: nil, wantErr: true, mismatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost(500)
			host.add(111, &fakeProc{ppid: 1, command: running})
			s := newSession(host, withOptions(func(o *Options) {
				o.OnMismatch = tt.policy
				o.Targets = tt.targets
			}))

			out, err := s.Start(context.Background())
			if tt.wantErr {
				var mm *MismatchError
				require.ErrorAs(t, err, &mm)
				assert.Equal(t, []string{"a"}, mm.Running)
				assert.True(t, host.isAlive(111), "instance left untouched")
			} else {
				require.NoError(t, err)
				assert.Equal(t, AlreadyRunning, out.Result)
			}
			assert.Equal(t, tt.mismatch, out.Mismatch)
			assert.Empty(t, host.spawned)
			assert.Empty(t, host.signalsSent())
		})
	}
}

func TestStart_Failures(t *testing.T) {
	t.Run("denied aborts before discovery", func(t *testing.T) {
		host := newFakeHost(111)
		s := newSession(host, withGate(deniedGate()))

		_, err := s.Start(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDenied))
		assert.Empty(t, host.spawned)
	})

	t.Run("missing binary", func(t *testing.T) {
		host := newFakeHost(111)
		s := newSession(host, withDeps(func(d *Deps) { d.LookPath = lookPathMissing }))

		_, err := s.Start(context.Background())
		var missing *MissingBinaryError
		require.ErrorAs(t, err, &missing)
		assert.ErrorIs(t, err, ErrMissingBinary)
		assert.Equal(t, "hostwatch", missing.Binary)
		assert.Empty(t, host.spawned)
	})

	t.Run("controller dies during startup delay", func(t *testing.T) {
		host := newFakeHost(111)
		host.crashOnStart = true
		s := newSession(host)

		_, err := s.Start(context.Background())
		var startErr *StartError
		require.ErrorAs(t, err, &startErr)
		assert.Equal(t, "/var/log/hostwatch/controller.log", startErr.LogPath)
		assert.Contains(t, startErr.Suggestion(), "/var/log/hostwatch/controller.log")

		_, owns := s.Owned()
		assert.False(t, owns)
	})

	t.Run("claim timeout", func(t *testing.T) {
		host := newFakeHost(111)
		claimer := &fakeClaimer{err: lifecycle.ErrLockHeld}
		s := newSession(host, withDeps(func(d *Deps) { d.Claimer = claimer }))

		_, err := s.Start(context.Background())
		assert.ErrorIs(t, err, lifecycle.ErrLockHeld)
		assert.Empty(t, host.spawned)
	})
}

func TestStop_NoneRunning(t *testing.T) {
	host := newFakeHost(111)
	gate := &fakeGate{}
	s := newSession(host, withGate(gate))

	out, err := s.Stop(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, NoneRunning, out.Result)
	assert.Empty(t, host.signalsSent())

	dead := lifecycle.NewHandle(999)
	out, err = s.Stop(context.Background(), &dead)
	require.NoError(t, err)
	assert.Equal(t, NoneRunning, out.Result)
}

func TestStop_Graceful(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary, dieAfter: 3})
	s := newSession(host)

	out, err := s.Stop(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Stopped, out.Result)
	assert.False(t, out.Forced)
	assert.Equal(t, 3, out.Cycles, "success only once the process is gone")
	assert.Equal(t, 1, host.count(syscall.SIGTERM), "exactly one graceful signal")
	assert.Equal(t, 0, host.count(syscall.SIGKILL))
}

func TestStop_AllPIDsMustExit(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary})
	host.add(112, &fakeProc{ppid: 111, command: testBinary, ignoreTerm: true})
	s := newSession(host)

	out, err := s.Stop(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, out.Forced)

	sigs := host.signalsSent()
	require.Len(t, sigs, 2)
	assert.Equal(t, []int{111, 112}, sigs[0].pids, "TERM goes to the whole set")
	assert.Equal(t, syscall.SIGKILL, sigs[1].sig)
	assert.Equal(t, []int{112}, sigs[1].pids, "KILL only to survivors")
}

func TestStop_WrapperRelaysGracefulSignal(t *testing.T) {
	t.Run("controller under sudo gets one TERM", func(t *testing.T) {
		host := newFakeHost(500)
		host.add(111, &fakeProc{ppid: 1, command: "sudo -n env KUBECONFIG=/k " + testBinary})
		host.add(112, &fakeProc{ppid: 111, command: testBinary})
		s := newSession(host)

		out, err := s.Stop(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, Stopped, out.Result)
		assert.False(t, out.Forced)
		assert.Equal(t, []int{111, 112}, out.Handle.PIDs())

		sigs := host.signalsSent()
		require.Len(t, sigs, 1)
		assert.Equal(t, []int{111}, sigs[0].pids, "the wrapper relays TERM to the controller")
	})

	t.Run("survivors under a wrapper are still killed", func(t *testing.T) {
		host := newFakeHost(500)
		host.add(111, &fakeProc{ppid: 1, command: "sudo -n " + testBinary, ignoreTerm: true})
		host.add(112, &fakeProc{ppid: 111, command: testBinary, ignoreTerm: true})
		s := newSession(host)

		out, err := s.Stop(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, out.Forced)

		sigs := host.signalsSent()
		require.Len(t, sigs, 2)
		assert.Equal(t, []int{111}, sigs[0].pids)
		assert.Equal(t, []int{111, 112}, sigs[1].pids)
	})
}

// The {222} scenario: a controller ignoring SIGTERM with a graceful
// budget of 5 cycles.
func TestStop_EscalationScenario(t *testing.T) {
	t.Run("forced signal succeeds", func(t *testing.T) {
		host := newFakeHost(500)
		host.add(222, &fakeProc{ppid: 1, command: testBinary, ignoreTerm: true})
		s := newSession(host)

		h := lifecycle.NewHandle(222)
		out, err := s.Stop(context.Background(), &h)
		require.NoError(t, err)
		assert.Equal(t, Stopped, out.Result)
		assert.True(t, out.Forced)
		assert.Equal(t, 5, out.Cycles)

		sigs := host.signalsSent()
		require.Len(t, sigs, 2)
		assert.Equal(t, syscall.SIGTERM, sigs[0].sig)
		assert.Equal(t, syscall.SIGKILL, sigs[1].sig)
		assert.Equal(t, 5, sigs[1].afterSleeps-sigs[0].afterSleeps, "escalation after exactly 5 polling cycles")
		assert.False(t, host.isAlive(222))
	})

	t.Run("forced signal fails", func(t *testing.T) {
		host := newFakeHost(500)
		host.add(222, &fakeProc{ppid: 1, command: testBinary, ignoreTerm: true, ignoreKill: true})
		s := newSession(host)

		h := lifecycle.NewHandle(222)
		_, err := s.Stop(context.Background(), &h)

		var stopErr *StopError
		require.ErrorAs(t, err, &stopErr)
		assert.Equal(t, []int{222}, stopErr.Survivors.PIDs())
		assert.Contains(t, stopErr.ManualCommand, "222")
		assert.Equal(t, "sudo kill -9 222", stopErr.ManualCommand)

		visible, ok := hwerrors.FindUserVisible(err)
		require.True(t, ok)
		assert.Contains(t, visible.Suggestion(), "sudo kill -9 222")
	})
}

func TestStop_ZeroGraceEscalatesImmediately(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary, ignoreTerm: true})
	s := newSession(host, withOptions(func(o *Options) { o.GracefulTimeout = 0 }))

	out, err := s.Stop(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, out.Forced)
	assert.Equal(t, 0, out.Cycles)
}

func TestStop_DeniedSendsNothing(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary})
	s := newSession(host, withGate(deniedGate()))

	_, err := s.Stop(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Empty(t, host.signalsSent())
	assert.True(t, host.isAlive(111))
}

func TestStop_IgnoresCancellation(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary, dieAfter: 2})
	s := newSession(host)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := s.Stop(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Stopped, out.Result)
}

func TestStop_ReleasesOwnership(t *testing.T) {
	host := newFakeHost(111)
	s := newSession(host)

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Stop(context.Background(), nil)
	require.NoError(t, err)

	_, owns := s.Owned()
	assert.False(t, owns)
}

func TestRestart(t *testing.T) {
	t.Run("stops then starts", func(t *testing.T) {
		host := newFakeHost(200)
		host.add(111, &fakeProc{ppid: 1, command: testBinary})
		s := newSession(host)

		out, err := s.Restart(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Stopped, out.Stop.Result)
		assert.Equal(t, Started, out.Start.Result)
		assert.Equal(t, []int{200}, out.Start.Handle.PIDs())
		assert.False(t, host.isAlive(111))

		_, owns := s.Owned()
		assert.True(t, owns)
	})

	t.Run("nothing running still starts", func(t *testing.T) {
		host := newFakeHost(200)
		s := newSession(host)

		out, err := s.Restart(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoneRunning, out.Stop.Result)
		assert.Equal(t, Started, out.Start.Result)
	})

	t.Run("failed stop aborts", func(t *testing.T) {
		host := newFakeHost(200)
		host.add(111, &fakeProc{ppid: 1, command: testBinary, ignoreTerm: true, ignoreKill: true})
		s := newSession(host)

		_, err := s.Restart(context.Background())
		var stopErr *StopError
		require.ErrorAs(t, err, &stopErr)
		assert.Empty(t, host.spawned)
	})
}

func TestStatus(t *testing.T) {
	host := newFakeHost(500)
	s := newSession(host)

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.True(t, st.Handle.Empty())

	host.add(111, &fakeProc{ppid: 1, command: testBinary + " --namespaces=b,a"})
	st, err = s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, []int{111}, st.Handle.PIDs())
	assert.Equal(t, []string{"a", "b"}, st.Targets)
	assert.False(t, st.Owned)

	_, owns := s.Owned()
	assert.False(t, owns, "status never claims ownership")
}

// Session A starts, session B adopts, A exits and stops 111, B exits as a
// no-op and status reports not running.
func TestTwoSessionScenario(t *testing.T) {
	host := newFakeHost(111)
	a := newSession(host)
	b := newSession(host)

	outA, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Started, outA.Result)
	assert.Equal(t, []int{111}, outA.Handle.PIDs())

	outB, err := b.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, outB.Result)
	assert.Equal(t, []int{111}, outB.Handle.PIDs())
	assert.Len(t, host.spawned, 1)

	shutdownA := NewShutdown(a)
	require.NoError(t, shutdownA.Fire(context.Background(), "exit"))
	assert.False(t, host.isAlive(111), "owner stops its instance")

	termsBefore := host.count(syscall.SIGTERM)
	shutdownB := NewShutdown(b)
	require.NoError(t, shutdownB.Fire(context.Background(), "exit"))
	assert.Equal(t, termsBefore, host.count(syscall.SIGTERM), "non-owner sends nothing")

	st, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestNonOwnerLeavesInstanceRunning(t *testing.T) {
	host := newFakeHost(500)
	host.add(111, &fakeProc{ppid: 1, command: testBinary})
	b := newSession(host)

	_, err := b.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, NewShutdown(b).Fire(context.Background(), "interrupt"))
	assert.True(t, host.isAlive(111))
	assert.Empty(t, host.signalsSent())
}

func TestLifecycleEventsRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.log")
	host := newFakeHost(111)
	host.configure = func(p *fakeProc) { p.ignoreTerm = true }
	s := newSession(host, withDeps(func(d *Deps) { d.Events = lifecycle.NewEventLog(path, "sess-1") }))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	_, err = s.Stop(context.Background(), nil)
	require.NoError(t, err)

	events, err := lifecycle.ReadEvents(path)
	require.NoError(t, err)

	var names []string
	for _, e := range events {
		names = append(names, e.Event)
		assert.Equal(t, "sess-1", e.SessionID)
	}
	assert.Equal(t, []string{
		lifecycle.EventStart,
		lifecycle.EventStartSuccess,
		lifecycle.EventStop,
		lifecycle.EventForceKill,
		lifecycle.EventStopSuccess,
	}, names)
}

func TestPollCycles(t *testing.T) {
	assert.Equal(t, 0, pollCycles(0, time.Second))
	assert.Equal(t, 5, pollCycles(5*time.Second, time.Second))
	assert.Equal(t, 3, pollCycles(2500*time.Millisecond, time.Second))
	assert.Equal(t, 1, pollCycles(time.Millisecond, time.Second))
}

func TestDiscoveryFailureIsWrapped(t *testing.T) {
	boom := errors.New("permission denied")
	host := newFakeHost(500)
	s := newSession(host, withDeps(func(d *Deps) {
		d.Registry = lifecycle.NewRegistry(lifecycle.NewIdentity(testBinary),
			lifecycle.WithProcessLister(func() ([]lifecycle.ProcessInfo, error) { return nil, boom }))
	}))

	_, err := s.Status(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to discover controller: permission denied")

	_, err = s.Stop(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, host.signalsSent())
}
