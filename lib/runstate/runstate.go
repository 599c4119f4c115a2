// Package runstate defines the machine run states and the table of legal
// transitions between them. The table is built once at init time and is
// immutable afterwards; there is no way to add or remove an edge at runtime.
package runstate

import "fmt"

// RunState is the lifecycle phase of the virtual machine. Exactly one value
// is current at any time, owned by the lifecycle controller.
type RunState int

const (
	Debug RunState = iota
	InMigrate
	InternalError
	IOError
	Paused
	PostMigrate
	Prelaunch
	FinishMigrate
	RestoreVM
	Running
	SaveVM
	Shutdown
	Suspended
	Watchdog
	GuestPanicked

	// Max is one past the last real state. It doubles as the "no state
	// requested" sentinel for the forced-stop flag.
	Max
)

var names = [Max]string{
	Debug:         "debug",
	InMigrate:     "inmigrate",
	InternalError: "internal-error",
	IOError:       "io-error",
	Paused:        "paused",
	PostMigrate:   "postmigrate",
	Prelaunch:     "prelaunch",
	FinishMigrate: "finish-migrate",
	RestoreVM:     "restore-vm",
	Running:       "running",
	SaveVM:        "save-vm",
	Shutdown:      "shutdown",
	Suspended:     "suspended",
	Watchdog:      "watchdog",
	GuestPanicked: "guest-panicked",
}

// edge is a declared legal (from, to) pair.
type edge struct {
	from RunState
	to   RunState
}

// transitions is the declarative edge list. Self-edges are intentionally
// absent: an already-running target re-request is handled by callers checking
// the current state, not by the table.
var transitions = []edge{
	{Debug, Running},
	{Debug, FinishMigrate},
	{Debug, Suspended},

	{InMigrate, Running},
	{InMigrate, Paused},

	{InternalError, Paused},
	{InternalError, FinishMigrate},

	{IOError, Running},
	{IOError, FinishMigrate},

	{Paused, Running},
	{Paused, FinishMigrate},

	{PostMigrate, Running},
	{PostMigrate, FinishMigrate},

	{Prelaunch, Running},
	{Prelaunch, FinishMigrate},
	{Prelaunch, InMigrate},

	{FinishMigrate, Running},
	{FinishMigrate, PostMigrate},

	{RestoreVM, Running},

	{Running, Debug},
	{Running, InternalError},
	{Running, IOError},
	{Running, Paused},
	{Running, FinishMigrate},
	{Running, RestoreVM},
	{Running, SaveVM},
	{Running, Shutdown},
	{Running, Suspended},
	{Running, Watchdog},
	{Running, GuestPanicked},

	{SaveVM, Running},

	{Shutdown, Paused},
	{Shutdown, FinishMigrate},

	{Suspended, Running},
	{Suspended, FinishMigrate},

	{Watchdog, Running},
	{Watchdog, FinishMigrate},

	{GuestPanicked, Running},
	{GuestPanicked, FinishMigrate},
}

// valid is the dense adjacency matrix derived from the edge list.
var valid [Max][Max]bool

func init() {
	for _, e := range transitions {
		valid[e.from][e.to] = true
	}
}

// Legal reports whether from -> to is a declared transition. Values outside
// the enumerated domain are a programming error and panic; callers never get
// a recoverable answer for them.
func Legal(from, to RunState) bool {
	checkDomain(from)
	checkDomain(to)
	return valid[from][to]
}

// InDomain reports whether s is one of the enumerated real states.
func InDomain(s RunState) bool {
	return s >= 0 && s < Max
}

// All returns every real run state in declaration order.
func All() []RunState {
	out := make([]RunState, 0, Max)
	for s := RunState(0); s < Max; s++ {
		out = append(out, s)
	}
	return out
}

// TargetsOf returns the declared legal targets of from, in declaration order.
func TargetsOf(from RunState) []RunState {
	checkDomain(from)
	var out []RunState
	for _, e := range transitions {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	return out
}

func (s RunState) String() string {
	if s < 0 || s >= Max {
		return fmt.Sprintf("RunState(%d)", int(s))
	}
	return names[s]
}

func checkDomain(s RunState) {
	if s < 0 || s >= Max {
		panic(fmt.Sprintf("runstate: value %d outside enumerated domain", int(s)))
	}
}
