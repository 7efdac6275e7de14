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

/*
Package cli provides the root command and shared configuration for hostwatchctl.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	hostwatchctl
	├── start     Start the controller, or adopt a running one
	├── stop      Stop every running controller process
	├── restart   Stop, then start
	├── status    Show whether the controller is running
	├── cleanup   Revert the controller's side effects
	├── run       Hold the controller for the duration of a command
	├── version   Show version
	└── help      Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Enable debug diagnostics
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Error Handling

Every failure exits 1 after printing "Error:" and, for user-visible errors,
a "Suggestion:" line with the remedial command. run is the exception: it
exits with the wrapped command's status.
*/
package cli
