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

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the hostwatch controller is running",
		Long: `Display the running hostwatch controller processes and their targets.

status needs no elevated privilege and never changes anything.`,
		Example: `  # Check controller status
  hostwatchctl status

  # Extract the controller PIDs
  hostwatchctl status --json | jq -r '.result.pids[]'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, sessionFlags{})
			if err != nil {
				return shared.NewActionError("status", err)
			}
			defer s.close()

			st, err := s.sup.Status(cmd.Context())
			return s.report("status", st, err, func(w io.Writer) {
				writeStatus(w, st)
			})
		},
	}
}
