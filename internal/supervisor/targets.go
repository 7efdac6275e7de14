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

package supervisor

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultTargetFlag is the controller flag that receives the target set.
const DefaultTargetFlag = "--namespaces"

// MismatchPolicy decides what start does when it adopts a controller
// running with a different target set.
type MismatchPolicy string

const (
	// MismatchWarn logs a warning and adopts the instance.
	MismatchWarn MismatchPolicy = "warn"

	// MismatchFail returns a MismatchError and leaves the instance alone.
	MismatchFail MismatchPolicy = "fail"

	// MismatchIgnore adopts silently.
	MismatchIgnore MismatchPolicy = "ignore"
)

// ParseMismatchPolicy validates a policy name. Empty means MismatchWarn.
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch p := MismatchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MismatchWarn, nil
	case MismatchWarn, MismatchFail, MismatchIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("invalid mismatch policy %q (must be warn, fail, or ignore)", s)
	}
}

// ParseTargets splits a comma-separated target set. The result is sorted
// and de-duplicated; an empty result means "all".
func ParseTargets(s string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// NormalizeTargets sorts and de-duplicates a target set from any source,
// so launch arguments and the set read back from a running controller
// compare equal.
func NormalizeTargets(targets []string) []string {
	return ParseTargets(strings.Join(targets, ","))
}

// TargetArgs returns the controller argv that selects targets. An empty
// set forwards nothing so the controller runs in "all" mode.
func TargetArgs(flag string, targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	if flag == "" {
		flag = DefaultTargetFlag
	}
	return []string{flag + "=" + strings.Join(targets, ",")}
}

// targetsFromCommand recovers the target set from a controller command
// line. Both "--flag=a,b" and "--flag a,b" forms are accepted.
func targetsFromCommand(command, flag string) []string {
	if flag == "" {
		flag = DefaultTargetFlag
	}
	fields := strings.Fields(command)
	for i, f := range fields {
		if v, ok := strings.CutPrefix(f, flag+"="); ok {
			return ParseTargets(v)
		}
		if f == flag && i+1 < len(fields) {
			return ParseTargets(fields[i+1])
		}
	}
	return nil
}

func sameTargets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
