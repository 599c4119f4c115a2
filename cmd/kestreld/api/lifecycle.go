package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/samber/lo"

	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Running      bool   `json:"running"`
	State        string `json:"state"`
	Machine      string `json:"machine"`
	Vcpus        int    `json:"vcpus"`
	GuestClockMs int64  `json:"guest_clock_ms"`
}

// GetStatus reports the externally visible run condition of the machine.
func (s *ApiService) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := s.VM.QueryStatus()
	writeJSON(w, r, http.StatusOK, StatusResponse{
		Running:      status.Running,
		State:        status.State.String(),
		Machine:      s.Machine.Definition().Name,
		Vcpus:        s.Pool.Count(),
		GuestClockMs: s.Pool.GuestClock().Milliseconds(),
	})
}

type stopRequest struct {
	State string `json:"state"`
}

// Stop requests a forced stop. The target state defaults to "paused"; any
// state the running machine can legally enter is accepted.
func (s *ApiService) Stop(w http.ResponseWriter, r *http.Request) {
	req := stopRequest{State: runstate.Paused.String()}
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	target, ok := parseRunState(req.State)
	if !ok {
		writeError(w, "unknown run state "+req.State, http.StatusBadRequest)
		return
	}
	if !runstate.Legal(runstate.Running, target) {
		writeError(w, "not a legal stop target: "+req.State, http.StatusBadRequest)
		return
	}

	s.VM.Stop(r.Context(), target)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Cont resumes a stopped machine. Refused while the machine is in a state
// only a reset can leave.
func (s *ApiService) Cont(w http.ResponseWriter, r *http.Request) {
	if s.VM.NeedsReset() {
		writeError(w, "resetting the machine is required before continuing", http.StatusConflict)
		return
	}
	s.VM.Start(r.Context())

	status := s.VM.QueryStatus()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"running": status.Running,
		"state":   status.State.String(),
	})
}

// SystemReset queues a full machine reset.
func (s *ApiService) SystemReset(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).InfoContext(r.Context(), "system reset requested via api")
	s.VM.RequestReset(r.Context())
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// SystemPowerdown queues a power-button press for the guest.
func (s *ApiService) SystemPowerdown(w http.ResponseWriter, r *http.Request) {
	s.VM.RequestPowerdown(r.Context())
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type wakeupRequest struct {
	Reason string `json:"reason"`
}

// SystemWakeup wakes a suspended machine. The reason defaults to "other";
// disabled or inapplicable wakeups are silently accepted, matching the
// hardware button they model.
func (s *ApiService) SystemWakeup(w http.ResponseWriter, r *http.Request) {
	req := wakeupRequest{Reason: lifecycle.WakeupOther.String()}
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	reason, err := lifecycle.ParseWakeupReason(req.Reason)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.VM.RequestWakeup(r.Context(), reason)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Quit asks the daemon to shut down.
func (s *ApiService) Quit(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).InfoContext(r.Context(), "quit requested via api")
	s.VM.RequestShutdown(r.Context())
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// parseRunState maps a state name back to its RunState value.
func parseRunState(name string) (runstate.RunState, bool) {
	return lo.Find(runstate.All(), func(s runstate.RunState) bool {
		return s.String() == name
	})
}

// decodeOptionalBody decodes a JSON body into v, treating an empty body as
// "keep the defaults".
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
