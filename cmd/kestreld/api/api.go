// Package api is the HTTP management surface over the machine lifecycle:
// status queries, stop/continue, system reset/powerdown/wakeup, quit, the
// transition-table introspection endpoint and the websocket event stream.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/config"
	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/machine"
	"github.com/kestrelvmm/kestrel/lib/middleware"
	"github.com/kestrelvmm/kestrel/lib/vcpu"
)

// ApiService holds the collaborators the management handlers drive.
type ApiService struct {
	Config      *config.Config
	VM          *lifecycle.VM
	Machine     *machine.Machine
	Pool        *vcpu.Pool
	Broadcaster *events.Broadcaster
}

// New creates a new ApiService
func New(
	cfg *config.Config,
	vm *lifecycle.VM,
	m *machine.Machine,
	pool *vcpu.Pool,
	broadcaster *events.Broadcaster,
) *ApiService {
	return &ApiService{
		Config:      cfg,
		VM:          vm,
		Machine:     m,
		Pool:        pool,
		Broadcaster: broadcaster,
	}
}

// Mount attaches every management route to r. Authentication and logging
// middleware are the caller's business; tests mount the bare surface.
func (s *ApiService) Mount(r chi.Router) {
	r.Get("/status", s.GetStatus)
	r.Get("/runstates", s.GetRunStates)
	r.Get("/events", s.EventsHandler)
	r.Post("/stop", s.Stop)
	r.Post("/cont", s.Cont)
	r.Post("/system_reset", s.SystemReset)
	r.Post("/system_powerdown", s.SystemPowerdown)
	r.Post("/system_wakeup", s.SystemWakeup)
	r.Post("/quit", s.Quit)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context()).ErrorContext(r.Context(), "write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	middleware.WriteError(w, message, status)
}
