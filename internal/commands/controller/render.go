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
	"strconv"

	"github.com/tombee/hostwatch/internal/commands/shared"
	"github.com/tombee/hostwatch/internal/lifecycle"
	hwlog "github.com/tombee/hostwatch/internal/log"
	"github.com/tombee/hostwatch/internal/supervisor"
)

// actionResponse is the --json envelope of a lifecycle action.
type actionResponse struct {
	shared.JSONResponse
	Result any               `json:"result,omitempty"`
	Error  *shared.JSONError `json:"error,omitempty"`
}

// report writes an action's outcome as JSON or styled text and converts a
// failure into the CLI exit error.
func (s *session) report(action string, result any, err error, text func(io.Writer)) error {
	switch {
	case shared.GetJSON():
		resp := actionResponse{
			JSONResponse: shared.NewJSONResponse(action, err == nil),
			Result:       result,
		}
		if err != nil {
			jerr := shared.NewJSONError(err)
			resp.Error = &jerr
		}
		if werr := shared.WriteJSON(s.stdout, resp); werr != nil {
			s.logger.Warn("failed to write JSON output", hwlog.Error(werr))
		}
	case err == nil && !shared.GetQuiet() && text != nil:
		text(s.stdout)
	}

	if err != nil {
		return shared.NewActionError(action, err)
	}
	return nil
}

func pidList(h lifecycle.Handle) string {
	if h.Empty() {
		return "none"
	}
	return h.String()
}

func writeStart(w io.Writer, o supervisor.StartOutcome, logPath string) {
	switch o.Result {
	case supervisor.Started:
		fmt.Fprintln(w, shared.RenderOK("controller started (pids "+pidList(o.Handle)+")"))
		fmt.Fprintln(w, shared.RenderField("log", logPath))
	case supervisor.AlreadyRunning:
		fmt.Fprintln(w, shared.RenderOK("controller already running (pids "+pidList(o.Handle)+")"))
		if o.Mismatch {
			fmt.Fprintln(w, shared.RenderWarn("running with targets "+shared.RenderList(o.RunningTargets, "all")))
		}
	}
}

func writeStop(w io.Writer, o supervisor.StopOutcome) {
	switch {
	case o.Result == supervisor.NoneRunning:
		fmt.Fprintln(w, shared.RenderOK("controller not running"))
	case o.Forced:
		fmt.Fprintln(w, shared.RenderWarn("controller stopped after SIGKILL (pids "+pidList(o.Handle)+")"))
	default:
		fmt.Fprintln(w, shared.RenderOK("controller stopped (pids "+pidList(o.Handle)+")"))
	}
}

func writeStatus(w io.Writer, st supervisor.Status) {
	state := "STOPPED"
	if st.Running {
		state = "RUNNING"
	}
	fmt.Fprintln(w, shared.Header.Render("hostwatch controller")+" "+shared.RenderStatus(st.Running, state))
	if !st.Running {
		return
	}
	fmt.Fprintln(w, shared.RenderField("pids", pidList(st.Handle)))
	fmt.Fprintln(w, shared.RenderField("targets", shared.RenderList(st.Targets, "all")))
	for _, p := range st.Processes {
		fmt.Fprintln(w, "  "+shared.Muted.Render(strconv.Itoa(p.PID))+"  "+p.Command)
	}
}
