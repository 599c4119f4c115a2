package guest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

type nopCPUs struct{}

func (nopCPUs) PauseAll(ctx context.Context)                {}
func (nopCPUs) ResumeAll(ctx context.Context)               {}
func (nopCPUs) SynchronizeAllStates(ctx context.Context)    {}
func (nopCPUs) SynchronizeAllPostReset(ctx context.Context) {}
func (nopCPUs) StopCurrent(ctx context.Context)             {}
func (nopCPUs) EnableTicks()                                {}
func (nopCPUs) DisableTicks()                               {}

type nopReporter struct{}

func (nopReporter) Send(ctx context.Context, e events.Event) {}

func runningVM(t *testing.T) *lifecycle.VM {
	t.Helper()
	vm := lifecycle.New(nopCPUs{}, nopReporter{})
	vm.Start(context.Background())
	return vm
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("shutdown", func(t *testing.T) {
		vm := runningVM(t)
		a := NewAgent(vm, nil)
		require.NoError(t, a.Dispatch(ctx, Notification{Event: "shutdown"}))
		assert.True(t, vm.ShutdownRequested())
	})

	t.Run("reboot", func(t *testing.T) {
		vm := runningVM(t)
		a := NewAgent(vm, nil)
		require.NoError(t, a.Dispatch(ctx, Notification{Event: "reboot"}))
		assert.True(t, vm.ResetRequested())
	})

	t.Run("panic forces guest-panicked", func(t *testing.T) {
		vm := runningVM(t)
		a := NewAgent(vm, nil)
		require.NoError(t, a.Dispatch(ctx, Notification{Event: "panic", Detail: "oops"}))
		require.False(t, vm.ProcessPending(ctx))
		assert.Equal(t, runstate.GuestPanicked, vm.CurrentState())
	})

	t.Run("watchdog forces watchdog state", func(t *testing.T) {
		vm := runningVM(t)
		a := NewAgent(vm, nil)
		require.NoError(t, a.Dispatch(ctx, Notification{Event: "watchdog"}))
		require.False(t, vm.ProcessPending(ctx))
		assert.Equal(t, runstate.Watchdog, vm.CurrentState())
	})

	t.Run("unknown event rejected", func(t *testing.T) {
		vm := runningVM(t)
		a := NewAgent(vm, nil)
		assert.Error(t, a.Dispatch(ctx, Notification{Event: "dance"}))
	})
}

func TestServeReadsNotificationLines(t *testing.T) {
	vm := runningVM(t)
	a := NewAgent(vm, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- a.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"event":"suspend"}` + "\n"))
	require.NoError(t, err)
	// Malformed and unknown lines are skipped, not fatal.
	_, err = conn.Write([]byte("not json\n" + `{"event":"dance"}` + "\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"event":"shutdown"}` + "\n"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for !vm.ShutdownRequested() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, vm.ShutdownRequested())

	cancel()
	select {
	case err := <-serveDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
