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

package lifecycle

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Handle is an immutable set of controller PIDs. A single logical
// controller may own several processes (escalation wrapper, re-exec),
// so a handle is never reduced to one PID.
type Handle struct {
	pids []int
}

// NewHandle builds a handle from pids, dropping duplicates and
// non-positive values.
func NewHandle(pids ...int) Handle {
	if len(pids) == 0 {
		return Handle{}
	}
	set := make([]int, 0, len(pids))
	for _, p := range pids {
		if p > 0 {
			set = append(set, p)
		}
	}
	sort.Ints(set)

	out := set[:0]
	for i, p := range set {
		if i == 0 || p != set[i-1] {
			out = append(out, p)
		}
	}
	return Handle{pids: out}
}

// PIDs returns a copy of the PIDs in ascending order.
func (h Handle) PIDs() []int {
	out := make([]int, len(h.pids))
	copy(out, h.pids)
	return out
}

// Len returns the number of PIDs.
func (h Handle) Len() int { return len(h.pids) }

// Empty reports whether the handle has no PIDs.
func (h Handle) Empty() bool { return len(h.pids) == 0 }

// Contains reports whether pid is in the handle.
func (h Handle) Contains(pid int) bool {
	i := sort.SearchInts(h.pids, pid)
	return i < len(h.pids) && h.pids[i] == pid
}

// Union returns the set union of h and other.
func (h Handle) Union(other Handle) Handle {
	all := make([]int, 0, len(h.pids)+len(other.pids))
	all = append(all, h.pids...)
	all = append(all, other.pids...)
	return NewHandle(all...)
}

// Without returns the members of h not in other.
func (h Handle) Without(other Handle) Handle {
	var rest []int
	for _, pid := range h.pids {
		if !other.Contains(pid) {
			rest = append(rest, pid)
		}
	}
	return NewHandle(rest...)
}

// Equal reports whether both handles hold the same PIDs.
func (h Handle) Equal(other Handle) bool {
	if len(h.pids) != len(other.pids) {
		return false
	}
	for i := range h.pids {
		if h.pids[i] != other.pids[i] {
			return false
		}
	}
	return true
}

// Args renders the PIDs as separate argv entries.
func (h Handle) Args() []string {
	args := make([]string, len(h.pids))
	for i, p := range h.pids {
		args[i] = strconv.Itoa(p)
	}
	return args
}

// String returns the PIDs comma-joined, e.g. "111,112".
func (h Handle) String() string {
	return strings.Join(h.Args(), ",")
}

// MarshalJSON encodes the handle as a JSON array of PIDs.
func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.PIDs())
}
