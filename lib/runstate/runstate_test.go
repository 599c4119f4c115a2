package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalDeclaredEdges(t *testing.T) {
	tests := []struct {
		name string
		from RunState
		to   RunState
	}{
		{"prelaunch boots", Prelaunch, Running},
		{"prelaunch incoming migration", Prelaunch, InMigrate},
		{"running pauses", Running, Paused},
		{"running suspends", Running, Suspended},
		{"running guest panic", Running, GuestPanicked},
		{"paused resumes", Paused, Running},
		{"suspended wakes", Suspended, Running},
		{"shutdown halts", Shutdown, Paused},
		{"migration completes", FinishMigrate, PostMigrate},
		{"watchdog recovers", Watchdog, Running},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Legal(tt.from, tt.to), "%s -> %s should be legal", tt.from, tt.to)
		})
	}
}

func TestLegalRejectsUndeclaredEdges(t *testing.T) {
	tests := []struct {
		name string
		from RunState
		to   RunState
	}{
		{"prelaunch cannot pause", Prelaunch, Paused},
		{"paused cannot shut down", Paused, Shutdown},
		{"shutdown cannot resume", Shutdown, Running},
		{"suspended cannot pause", Suspended, Paused},
		{"postmigrate cannot save", PostMigrate, SaveVM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Legal(tt.from, tt.to), "%s -> %s should be illegal", tt.from, tt.to)
		})
	}
}

func TestNoSelfEdges(t *testing.T) {
	for _, s := range All() {
		assert.False(t, Legal(s, s), "self edge declared for %s", s)
	}
}

func TestMatrixMatchesEdgeList(t *testing.T) {
	// Every true cell in the matrix must come from the declared list, and
	// every declared edge must be in the matrix.
	declared := map[[2]RunState]bool{}
	for _, e := range transitions {
		declared[[2]RunState{e.from, e.to}] = true
		require.True(t, Legal(e.from, e.to))
	}
	for _, from := range All() {
		for _, to := range All() {
			assert.Equal(t, declared[[2]RunState{from, to}], Legal(from, to),
				"matrix disagrees with edge list for %s -> %s", from, to)
		}
	}
}

func TestTargetsOf(t *testing.T) {
	assert.Equal(t, []RunState{Running, FinishMigrate}, TargetsOf(Suspended))
	assert.Equal(t, []RunState{Running}, TargetsOf(RestoreVM))
}

func TestOutOfDomainPanics(t *testing.T) {
	assert.Panics(t, func() { Legal(Max, Running) })
	assert.Panics(t, func() { Legal(Running, RunState(-1)) })
	assert.Panics(t, func() { TargetsOf(Max) })
}

func TestStringNames(t *testing.T) {
	assert.Equal(t, "prelaunch", Prelaunch.String())
	assert.Equal(t, "finish-migrate", FinishMigrate.String())
	assert.Equal(t, "guest-panicked", GuestPanicked.String())
	assert.Equal(t, "RunState(15)", Max.String())
	for _, s := range All() {
		assert.NotEmpty(t, names[s], "state %d has no name", int(s))
	}
}
