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
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/hostwatch/internal/commands/shared"
)

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	var (
		timing shared.TimingFlags
		attach bool
	)

	cmd := &cobra.Command{
		Use:   "start [targets]",
		Short: "Start the hostwatch controller",
		Long: `Start the hostwatch controller in the background with elevated privilege.

targets is a comma-separated list; omit it to watch everything. The start
command is idempotent: if a controller is already running it is adopted
instead, and this session will never stop it.

Without --attach the new controller keeps running after hostwatchctl exits.
With --attach the session holds until interrupted, then stops the controller
if this session launched it.`,
		Example: `  # Start watching every target
  hostwatchctl start

  # Start watching two targets
  hostwatchctl start team-a,team-b

  # Hold the session; Ctrl-C stops the controller this session launched
  hostwatchctl start --attach`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := parseTargets(args)
			flags.timing = &timing
			return runStart(cmd, flags, attach)
		},
	}

	timing.Register(cmd.Flags())
	cmd.Flags().BoolVar(&attach, "attach", false, "Hold the session and stop the controller on exit if this session launched it")

	return cmd
}

func runStart(cmd *cobra.Command, flags sessionFlags, attach bool) error {
	s, err := newSession(cmd, flags)
	if err != nil {
		return shared.NewActionError("start", err)
	}
	defer s.close()

	outcome, startErr := s.sup.Start(cmd.Context())
	if err := s.report("start", outcome, startErr, func(w io.Writer) {
		writeStart(w, outcome, s.cfg.LogFile)
	}); err != nil {
		return err
	}

	if !attach {
		return nil
	}

	_, _, stopErr := s.hold(cmd.Context(), nil)
	if stopErr != nil {
		return shared.NewActionError("shutdown", stopErr)
	}
	return nil
}
