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

// Package controller implements the lifecycle commands of hostwatchctl:
// start, stop, restart, status, cleanup and run.
package controller

import (
	"github.com/spf13/cobra"
)

const commandGroup = "lifecycle"

// NewCommands returns the lifecycle commands for the root command.
func NewCommands() []*cobra.Command {
	cmds := []*cobra.Command{
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewStatusCommand(),
		NewCleanupCommand(),
		NewRunCommand(),
	}
	for _, c := range cmds {
		if c.Annotations == nil {
			c.Annotations = map[string]string{}
		}
		c.Annotations["group"] = commandGroup
	}
	return cmds
}
