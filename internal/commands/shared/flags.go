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

package shared

import (
	"time"

	"github.com/spf13/pflag"
)

// Global flag values - set by root command
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the config file path
func GetConfigPath() string {
	return configFlag
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetJSONForTest sets the JSON output flag for testing purposes
func SetJSONForTest(v bool) {
	jsonFlag = v
}

// TimingFlags are the per-command overrides of the configured stop and
// startup budgets.
type TimingFlags struct {
	GracefulTimeout time.Duration
	StartupDelay    time.Duration

	fs *pflag.FlagSet
}

// Register adds --graceful-timeout and --startup-delay to fs.
func (t *TimingFlags) Register(fs *pflag.FlagSet) {
	t.fs = fs
	fs.DurationVar(&t.GracefulTimeout, "graceful-timeout", 0, "Time to wait after SIGTERM before SIGKILL")
	fs.DurationVar(&t.StartupDelay, "startup-delay", 0, "Time to wait before confirming a new controller")
}

// GracefulChanged reports whether --graceful-timeout was given.
func (t *TimingFlags) GracefulChanged() bool {
	return t.fs != nil && t.fs.Changed("graceful-timeout")
}

// StartupChanged reports whether --startup-delay was given.
func (t *TimingFlags) StartupChanged() bool {
	return t.fs != nil && t.fs.Changed("startup-delay")
}
