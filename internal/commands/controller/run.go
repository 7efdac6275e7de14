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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/hostwatch/internal/commands/shared"
	"github.com/tombee/hostwatch/internal/privilege"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var timing shared.TimingFlags

	cmd := &cobra.Command{
		Use:   "run [targets] [-- command args...]",
		Short: "Hold the controller for the duration of a command",
		Long: `Start the hostwatch controller (or adopt a running one), run a command,
and stop the controller when the command exits if this session launched it.

Without a command the session holds until interrupted. An interrupt or
termination stops the controller this session launched, exactly once.

run exits with the command's exit status. An interrupted session exits 1.`,
		Example: `  # Keep the controller up while a dev server runs
  hostwatchctl run team-a -- make serve

  # Hold until Ctrl-C
  hostwatchctl run`,
		Args: func(cmd *cobra.Command, args []string) error {
			if targets, _ := splitAtDash(cmd, args); len(targets) > 1 {
				return fmt.Errorf("accepts at most one target list before --, received %d", len(targets))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, command := splitAtDash(cmd, args)
			flags := parseTargets(targets)
			flags.timing = &timing
			return runHold(cmd, flags, command)
		},
	}

	timing.Register(cmd.Flags())

	return cmd
}

func splitAtDash(cmd *cobra.Command, args []string) (targets, command []string) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

func runHold(cmd *cobra.Command, flags sessionFlags, command []string) error {
	s, err := newSession(cmd, flags)
	if err != nil {
		return shared.NewActionError("run", err)
	}
	defer s.close()

	ctx := cmd.Context()
	outcome, err := s.sup.Start(ctx)
	if err != nil {
		return s.report("run", outcome, err, nil)
	}
	if !shared.GetJSON() && !shared.GetQuiet() {
		writeStart(s.stderr, outcome, s.cfg.LogFile)
	}

	var done func(context.Context) error
	if len(command) > 0 {
		runner := privilege.ExecRunner{StopGrace: s.cfg.GracefulTimeout}
		done = func(ctx context.Context) error {
			s.logger.Debug("running command", "argv", command)
			return runner.Run(ctx, privilege.Command{
				Args:   command,
				Stdin:  cmd.InOrStdin(),
				Stdout: s.stdout,
				Stderr: s.stderr,
			})
		}
	}

	interrupted, childErr, stopErr := s.hold(ctx, done)
	return holdResult(interrupted, s.shutdown.Reason(), childErr, stopErr)
}

// holdResult maps the end of a held session to the CLI error. A failed
// shutdown wins, then an interrupt, then the command's own status.
func holdResult(interrupted bool, reason string, childErr, stopErr error) error {
	switch {
	case stopErr != nil:
		return shared.NewActionError("shutdown", stopErr)
	case interrupted:
		return &shared.ExitError{Code: shared.ExitFailure, Message: "interrupted by " + reason}
	case childErr == nil:
		return nil
	}

	if code := privilege.ExitCode(childErr); code > 0 {
		return shared.NewExitCodeError(code)
	}
	if errors.Is(childErr, context.Canceled) {
		return &shared.ExitError{Code: shared.ExitFailure, Message: "command cancelled"}
	}
	return shared.NewActionError("run", childErr)
}
