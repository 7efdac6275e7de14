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
Package lifecycle inspects and controls controller processes at the OS level.

A controller instance is found by scanning the host process table for
processes whose executable is the controller binary, looking through sudo
and env(1) prefixes, rather than by trusting a PID file, so instances
started by other sessions or by hand are seen too:

	reg := lifecycle.NewRegistry(lifecycle.NewIdentity("/usr/local/bin/hostwatch"))
	h, err := reg.Discover(ctx)
	if err != nil {
	    // process table unreadable
	}
	if reg.IsAlive(h) {
	    fmt.Println("running:", h)
	}

# Handles

A Handle is a set of PIDs. One logical controller may appear as several
processes (the escalation wrapper and the controller itself), and every
operation treats the set as a whole: IsAlive is true when any member is
alive, Alive returns the members that are.

# Signals

The Signaler sends signals directly when the session is root and through
an elevated kill(1) otherwise:

	sig := lifecycle.NewSignaler(privilege.NewElevator("sudo"), nil)
	if err := sig.Signal(ctx, syscall.SIGTERM, h); err != nil {
	    // Handle error
	}

# Claiming

A Claimer serializes the discover-then-spawn window across sessions. The
default claimer takes an exclusive flock on a shared lock file:

	release, err := (&lifecycle.LockFileClaimer{Path: "/tmp/hostwatch.lock", Timeout: 30 * time.Second}).Claim(ctx)
	if err != nil {
	    // another session held the lock past the timeout
	}
	defer release()

# Lifecycle Logging

Lifecycle events are appended as JSON lines for audit purposes:

	events := lifecycle.NewEventLog("/path/to/lifecycle.log", sessionID)
	events.Success(lifecycle.EventStartSuccess, h, "controller started")
*/
package lifecycle
