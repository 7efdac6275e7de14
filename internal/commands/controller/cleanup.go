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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/hostwatch/internal/commands/shared"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Revert the controller's changes",
		Long: `Run the controller's one-shot cleanup mode with elevated privilege.

This removes everything the controller wrote, whether or not a controller is
running. The cleanup output is shown on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, sessionFlags{})
			if err != nil {
				return shared.NewActionError("cleanup", err)
			}
			defer s.close()

			err = s.cleanup.Invoke(cmd.Context())
			return s.report("cleanup", nil, err, func(w io.Writer) {
				fmt.Fprintln(w, shared.RenderOK("controller cleanup completed"))
			})
		},
	}
}
