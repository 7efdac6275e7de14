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

// NewRestartCommand creates the restart command.
func NewRestartCommand() *cobra.Command {
	var timing shared.TimingFlags

	cmd := &cobra.Command{
		Use:   "restart [targets]",
		Short: "Restart the hostwatch controller",
		Long: `Stop every running hostwatch controller, then start a new one.

The stop completes before the start begins; a failed stop aborts the restart.`,
		Example: `  # Restart with the configured targets
  hostwatchctl restart

  # Restart watching a different target set
  hostwatchctl restart team-a`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := parseTargets(args)
			flags.timing = &timing

			s, err := newSession(cmd, flags)
			if err != nil {
				return shared.NewActionError("restart", err)
			}
			defer s.close()

			outcome, err := s.sup.Restart(cmd.Context())
			return s.report("restart", outcome, err, func(w io.Writer) {
				writeStop(w, outcome.Stop)
				writeStart(w, outcome.Start, s.cfg.LogFile)
			})
		},
	}

	timing.Register(cmd.Flags())

	return cmd
}
