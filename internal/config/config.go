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

// Package config resolves supervisor configuration from defaults, an
// optional YAML file and HOSTWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	hwlog "github.com/tombee/hostwatch/internal/log"
	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

// LockDisabled is the lock_file value that turns claiming off.
const LockDisabled = "none"

// Config is the resolved supervisor configuration.
type Config struct {
	// Binary is the controller locator, a name on PATH or a path.
	Binary string `yaml:"binary"`

	// LogFile receives the controller's stdout and stderr.
	LogFile string `yaml:"log_file"`

	// Targets is the default target set; empty means all.
	Targets []string `yaml:"targets"`

	// TargetFlag is the controller flag that carries the target set.
	TargetFlag string `yaml:"target_flag"`

	// Credentials overrides the credential file passed to the elevated
	// controller. Empty resolves from CredentialEnv or ~/.kube/config.
	Credentials string `yaml:"credentials"`

	// CredentialEnv names the variable the controller reads the
	// credential path from.
	CredentialEnv string `yaml:"credential_env"`

	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	StartupDelay    time.Duration `yaml:"startup_delay"`

	// ClaimTimeout bounds how long start waits for the claim lock.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// LockFile is the claim lock path; "none" disables claiming.
	LockFile string `yaml:"lock_file"`

	// Escalation is the privilege escalation program.
	Escalation string `yaml:"escalation"`

	// EventLog is the JSON-lines lifecycle log; empty disables it.
	EventLog string `yaml:"event_log"`

	// MetricsFile is the textfile-collector output; empty disables it.
	MetricsFile string `yaml:"metrics_file"`

	// OnMismatch is the adopted-instance target mismatch policy.
	OnMismatch string `yaml:"on_mismatch"`

	// CleanupOnShutdown runs the controller cleanup mode after a session
	// stops the instance it owns.
	CleanupOnShutdown bool `yaml:"cleanup_on_shutdown"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the diagnostic log stream.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (text, json).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to log entries.
	AddSource bool `yaml:"add_source"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Binary:          "hostwatch",
		LogFile:         stateFile("controller.log"),
		TargetFlag:      "--namespaces",
		CredentialEnv:   "KUBECONFIG",
		GracefulTimeout: 10 * time.Second,
		StartupDelay:    2 * time.Second,
		ClaimTimeout:    30 * time.Second,
		LockFile:        filepath.Join(os.TempDir(), "hostwatch.lock"),
		Escalation:      "sudo",
		EventLog:        stateFile("lifecycle.log"),
		OnMismatch:      "warn",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from environment variables and optionally from a YAML file.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, the default config file is read when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	path := configPath
	if path == "" {
		if def, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			}
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &hwerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()
	cfg.Targets = SplitTargets(strings.Join(cfg.Targets, ","))

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &hwerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.LogFile == "" {
		c.LogFile = d.LogFile
	}
	if c.TargetFlag == "" {
		c.TargetFlag = d.TargetFlag
	}
	if c.CredentialEnv == "" {
		c.CredentialEnv = d.CredentialEnv
	}
	if c.ClaimTimeout == 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	if c.LockFile == "" {
		c.LockFile = d.LockFile
	}
	if c.Escalation == "" {
		c.Escalation = d.Escalation
	}
	if c.OnMismatch == "" {
		c.OnMismatch = d.OnMismatch
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables. Malformed
// durations and booleans are reported rather than ignored.
func (c *Config) loadFromEnv() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"HOSTWATCH_BINARY", &c.Binary},
		{"HOSTWATCH_LOG_FILE", &c.LogFile},
		{"HOSTWATCH_TARGET_FLAG", &c.TargetFlag},
		{"HOSTWATCH_CREDENTIALS", &c.Credentials},
		{"HOSTWATCH_CREDENTIAL_ENV", &c.CredentialEnv},
		{"HOSTWATCH_LOCK_FILE", &c.LockFile},
		{"HOSTWATCH_ESCALATION", &c.Escalation},
		{"HOSTWATCH_EVENT_LOG", &c.EventLog},
		{"HOSTWATCH_METRICS_FILE", &c.MetricsFile},
		{"HOSTWATCH_ON_MISMATCH", &c.OnMismatch},
	}
	for _, s := range strs {
		if val, ok := os.LookupEnv(s.env); ok {
			*s.dst = val
		}
	}

	if val, ok := os.LookupEnv("HOSTWATCH_TARGETS"); ok {
		c.Targets = SplitTargets(val)
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"HOSTWATCH_GRACEFUL_TIMEOUT", &c.GracefulTimeout},
		{"HOSTWATCH_STARTUP_DELAY", &c.StartupDelay},
		{"HOSTWATCH_CLAIM_TIMEOUT", &c.ClaimTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := ParseDuration(val)
		if err != nil {
			return &hwerrors.ConfigError{Key: d.env, Reason: fmt.Sprintf("invalid duration %q", val), Cause: err}
		}
		*d.dst = parsed
	}

	if val := os.Getenv("HOSTWATCH_CLEANUP_ON_SHUTDOWN"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return &hwerrors.ConfigError{Key: "HOSTWATCH_CLEANUP_ON_SHUTDOWN", Reason: fmt.Sprintf("invalid boolean %q", val), Cause: err}
		}
		c.CleanupOnShutdown = b
	}

	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Binary) == "" {
		errs = append(errs, "binary must not be empty")
	}
	if c.LogFile == "" {
		errs = append(errs, "log_file must not be empty")
	}
	if c.GracefulTimeout < 0 {
		errs = append(errs, fmt.Sprintf("graceful_timeout must not be negative, got %v", c.GracefulTimeout))
	}
	if c.StartupDelay < 0 {
		errs = append(errs, fmt.Sprintf("startup_delay must not be negative, got %v", c.StartupDelay))
	}
	if c.ClaimTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("claim_timeout must be positive, got %v", c.ClaimTimeout))
	}
	if !strings.HasPrefix(c.TargetFlag, "-") {
		errs = append(errs, fmt.Sprintf("target_flag must start with '-', got %q", c.TargetFlag))
	}

	switch strings.ToLower(c.OnMismatch) {
	case "warn", "fail", "ignore":
	default:
		errs = append(errs, fmt.Sprintf("on_mismatch must be one of [warn, fail, ignore], got %q", c.OnMismatch))
	}

	if !hwlog.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ClaimDisabled reports whether start runs without the claim lock.
func (c *Config) ClaimDisabled() bool {
	return c.LockFile == "" || c.LockFile == LockDisabled
}

// ResolveCredentials returns the credential file the elevated controller
// must read. It is resolved in the invoking user's environment, since
// escalation changes HOME and resets the environment.
func (c *Config) ResolveCredentials() string {
	if c.Credentials != "" {
		if p, err := expandHome(c.Credentials); err == nil {
			return p
		}
		return c.Credentials
	}
	if c.CredentialEnv != "" {
		if val := os.Getenv(c.CredentialEnv); val != "" {
			return val
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	def := filepath.Join(home, ".kube", "config")
	if _, err := os.Stat(def); err == nil {
		return def
	}
	return ""
}

// ElevatedEnv returns the environment overrides for the elevated controller.
func (c *Config) ElevatedEnv() map[string]string {
	creds := c.ResolveCredentials()
	if creds == "" || c.CredentialEnv == "" {
		return nil
	}
	return map[string]string{c.CredentialEnv: creds}
}

// SplitTargets parses a comma-separated target list. The result is sorted
// and de-duplicated.
func SplitTargets(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// ParseDuration accepts Go durations ("10s", "1m30s") and bare seconds ("10").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
