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
	"context"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tombee/hostwatch/internal/privilege"
)

type recordingRunner struct {
	argv   [][]string
	stderr string
	err    error
}

func (r *recordingRunner) Run(_ context.Context, c privilege.Command) error {
	r.argv = append(r.argv, c.Args)
	if r.stderr != "" && c.Stderr != nil {
		_, _ = io.WriteString(c.Stderr, r.stderr)
	}
	return r.err
}

func TestSignaler_Unprivileged(t *testing.T) {
	t.Run("uses elevated kill with every pid", func(t *testing.T) {
		runner := &recordingRunner{}
		s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 1000}, runner)

		require.NoError(t, s.Signal(context.Background(), syscall.SIGTERM, NewHandle(112, 111)))
		require.Len(t, runner.argv, 1)
		assert.Equal(t, "sudo -n kill -TERM 111 112", strings.Join(runner.argv[0], " "))

		require.NoError(t, s.Signal(context.Background(), syscall.SIGKILL, NewHandle(222)))
		assert.Equal(t, "sudo -n kill -KILL 222", strings.Join(runner.argv[1], " "))
	})

	t.Run("empty handle sends nothing", func(t *testing.T) {
		runner := &recordingRunner{}
		s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 1000}, runner)
		require.NoError(t, s.Signal(context.Background(), syscall.SIGTERM, NewHandle()))
		assert.Empty(t, runner.argv)
	})

	t.Run("vanished process is not an error", func(t *testing.T) {
		runner := &recordingRunner{
			stderr: "kill: (111): No such process\n",
			err:    errors.New("exit status 1"),
		}
		s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 1000}, runner)
		assert.NoError(t, s.Signal(context.Background(), syscall.SIGTERM, NewHandle(111)))
	})

	t.Run("other failures are reported", func(t *testing.T) {
		runner := &recordingRunner{
			stderr: "sudo: a password is required\n",
			err:    errors.New("exit status 1"),
		}
		s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 1000}, runner)
		err := s.Signal(context.Background(), syscall.SIGTERM, NewHandle(111))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TERM")
	})
}

func TestSignaler_Root(t *testing.T) {
	var sent []int
	s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 0}, &recordingRunner{})
	s.kill = func(pid int, sig syscall.Signal) error {
		sent = append(sent, pid)
		if pid == 112 {
			return unix.ESRCH
		}
		return nil
	}

	require.NoError(t, s.Signal(context.Background(), syscall.SIGTERM, NewHandle(111, 112)))
	assert.Equal(t, []int{111, 112}, sent)

	s.kill = func(int, syscall.Signal) error { return unix.EPERM }
	assert.ErrorIs(t, s.Signal(context.Background(), syscall.SIGKILL, NewHandle(1)), unix.EPERM)
}

func TestSignaler_ManualKillCommand(t *testing.T) {
	s := NewSignaler(&privilege.Elevator{Program: "sudo", EUID: 1000}, nil)
	assert.Equal(t, "sudo kill -9 222", s.ManualKillCommand(NewHandle(222)))
	assert.Equal(t, "sudo kill -9 111 112", s.ManualKillCommand(NewHandle(112, 111)))
}
