package api

import (
	"net/http"

	"github.com/samber/lo"

	"github.com/kestrelvmm/kestrel/lib/runstate"
)

// RunStateInfo describes one run state and its declared legal targets.
type RunStateInfo struct {
	State   string   `json:"state"`
	Current bool     `json:"current"`
	Targets []string `json:"targets"`
}

// GetRunStates exposes the transition table: every state, whether it is
// current, and the states it may legally move to.
func (s *ApiService) GetRunStates(w http.ResponseWriter, r *http.Request) {
	current := s.VM.CurrentState()

	states := lo.Map(runstate.All(), func(st runstate.RunState, _ int) RunStateInfo {
		return RunStateInfo{
			State:   st.String(),
			Current: st == current,
			Targets: lo.Map(runstate.TargetsOf(st), func(t runstate.RunState, _ int) string {
				return t.String()
			}),
		}
	})

	writeJSON(w, r, http.StatusOK, map[string]any{"runstates": states})
}
