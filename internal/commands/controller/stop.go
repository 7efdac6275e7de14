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

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var timing shared.TimingFlags

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the hostwatch controller",
		Long: `Stop every running hostwatch controller process.

Each process receives SIGTERM once so it can revert its changes. Processes
still alive after --graceful-timeout receive SIGKILL. Stopping when nothing
runs succeeds.`,
		Example: `  # Stop the controller
  hostwatchctl stop

  # Allow 30 seconds for a graceful exit
  hostwatchctl stop --graceful-timeout 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, sessionFlags{timing: &timing})
			if err != nil {
				return shared.NewActionError("stop", err)
			}
			defer s.close()

			outcome, err := s.sup.Stop(cmd.Context(), nil)
			return s.report("stop", outcome, err, func(w io.Writer) {
				writeStop(w, outcome)
			})
		},
	}

	timing.Register(cmd.Flags())

	return cmd
}
