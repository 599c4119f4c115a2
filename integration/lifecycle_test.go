package integration

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/api"
	"github.com/kestrelvmm/kestrel/cmd/kestreld/config"
	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/guest"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/machine"
	"github.com/kestrelvmm/kestrel/lib/runstate"
	"github.com/kestrelvmm/kestrel/lib/vcpu"
)

// stack is a fully wired daemon minus the vsock transport: real vCPU pool,
// real main loop, management API over httptest and the guest agent over a
// plain TCP listener.
type stack struct {
	vm          *lifecycle.VM
	pool        *vcpu.Pool
	broadcaster *events.Broadcaster
	api         *httptest.Server
	guestAddr   string
	loopDone    chan error
	cancel      context.CancelFunc
}

func newStack(t *testing.T, def machine.Definition) *stack {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithCancel(context.Background())

	m, err := machine.New(def)
	require.NoError(t, err)

	pool := vcpu.NewPool(m.Vcpus(), func(ctx context.Context, cpu *vcpu.CPU) error {
		time.Sleep(time.Millisecond)
		return nil
	}, log)

	broadcaster := events.NewBroadcaster(log)
	vm := lifecycle.New(pool, broadcaster)
	require.NoError(t, m.Apply(ctx, vm))
	vm.RunMachineInitDoneNotifiers()

	pool.Start(ctx)
	vm.Start(ctx)

	svc := api.New(&config.Config{}, vm, m, pool, broadcaster)
	r := chi.NewRouter()
	svc.Mount(r)
	srv := httptest.NewServer(r)

	agent := guest.NewAgent(vm, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go agent.Serve(ctx, ln)

	loopDone := make(chan error, 1)
	go func() { loopDone <- vm.Run(ctx) }()

	s := &stack{
		vm:          vm,
		pool:        pool,
		broadcaster: broadcaster,
		api:         srv,
		guestAddr:   ln.Addr().String(),
		loopDone:    loopDone,
		cancel:      cancel,
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
		pool.Close()
	})
	return s
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.api.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func waitForState(t *testing.T, vm *lifecycle.VM, want runstate.RunState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return vm.CurrentState() == want
	}, 5*time.Second, time.Millisecond, "machine never reached state %s", want)
}

func TestLifecycleEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := newStack(t, machine.Definition{Name: "itest", Vcpus: 2, WakeupEvents: []string{"rtc"}})
	ch, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	require.True(t, s.vm.IsRunning())

	// Forced stop through the management API, then continue.
	resp := s.post(t, "/stop", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, s.vm, runstate.Paused)

	resp = s.post(t, "/cont", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForState(t, s.vm, runstate.Running)

	// Suspend from inside the guest, wake up via the API. "other" is
	// disabled by the machine definition, so only rtc works.
	conn, err := net.Dial("tcp", s.guestAddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"event":"suspend"}` + "\n"))
	require.NoError(t, err)
	waitForState(t, s.vm, runstate.Suspended)

	resp = s.post(t, "/system_wakeup", `{"reason":"other"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, runstate.Suspended, s.vm.CurrentState())

	resp = s.post(t, "/system_wakeup", `{"reason":"rtc"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, s.vm, runstate.Running)

	// Reset keeps the machine running.
	resetsBefore := s.pool.PostResetSynced()
	resp = s.post(t, "/system_reset", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return s.pool.PostResetSynced() > resetsBefore
	}, 5*time.Second, time.Millisecond)
	waitForState(t, s.vm, runstate.Running)

	// Quit ends the main loop cleanly.
	resp = s.post(t, "/quit", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case err := <-s.loopDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("main loop did not exit after quit")
	}

	// The event stream saw the whole story, in order per kind.
	kinds := drainKinds(ch)
	assert.Contains(t, kinds, events.KindStop)
	assert.Contains(t, kinds, events.KindResume)
	assert.Contains(t, kinds, events.KindSuspend)
	assert.Contains(t, kinds, events.KindWakeup)
	assert.Contains(t, kinds, events.KindReset)
	assert.Contains(t, kinds, events.KindShutdown)
}

func TestGuestPanicEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := newStack(t, machine.Definition{Name: "itest", Vcpus: 1})

	conn, err := net.Dial("tcp", s.guestAddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"event":"panic","detail":"kernel BUG"}` + "\n"))
	require.NoError(t, err)

	waitForState(t, s.vm, runstate.GuestPanicked)
	status := s.vm.QueryStatus()
	assert.False(t, status.Running)
}

func drainKinds(ch <-chan events.Event) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}
