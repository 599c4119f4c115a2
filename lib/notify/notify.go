// Package notify implements the observer registries used by the lifecycle
// core: plain notifier lists, the FIFO reset handler registry, and the LIFO
// state-change handler list.
//
// Entries are expected to be added and removed during single-threaded setup
// and teardown. A small mutex guards list mutation so a handler may safely
// unregister itself from inside its own invocation; concurrent registration
// during active operation beyond that is the caller's problem.
package notify

import "sync"

// List is an insertion-ordered notifier list. Notify invokes every callback
// in registration order.
type List[T any] struct {
	mu      sync.Mutex
	entries []*Entry[T]
}

// Entry is the handle returned by Add, used to remove the callback again.
type Entry[T any] struct {
	fn      func(T)
	removed bool
}

// Add appends fn to the list and returns its removal handle.
func (l *List[T]) Add(fn func(T)) *Entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &Entry[T]{fn: fn}
	l.entries = append(l.entries, e)
	return e
}

// Remove deletes the entry from the list. Removing an entry twice is a no-op.
func (l *List[T]) Remove(e *Entry[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.removed = true
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every registered callback in order with v. Callbacks may
// remove themselves (or others) during the walk; removed entries that have
// not yet been visited are skipped.
func (l *List[T]) Notify(v T) {
	l.mu.Lock()
	snapshot := make([]*Entry[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		l.mu.Lock()
		skip := e.removed
		l.mu.Unlock()
		if skip {
			continue
		}
		e.fn(v)
	}
}

// Len returns the number of registered entries.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ResetRegistry holds device reset handlers, invoked in FIFO registration
// order on every machine reset.
type ResetRegistry struct {
	list List[struct{}]
}

// ResetEntry is the removal handle for a registered reset handler.
type ResetEntry = Entry[struct{}]

// Register appends fn to the reset handler list.
func (r *ResetRegistry) Register(fn func()) *ResetEntry {
	return r.list.Add(func(struct{}) { fn() })
}

// Unregister removes a previously registered handler. A handler may call
// this on its own entry while it is being invoked.
func (r *ResetRegistry) Unregister(e *ResetEntry) {
	r.list.Remove(e)
}

// RunAll invokes every handler in registration order.
func (r *ResetRegistry) RunAll() {
	r.list.Notify(struct{}{})
}

// Len returns the number of registered handlers.
func (r *ResetRegistry) Len() int {
	return r.list.Len()
}

// StateChange carries the payload delivered to state-change handlers.
type StateChange[S any] struct {
	Running bool
	State   S
}

// ChangeStateList holds VM state-change handlers. Unlike List, handlers are
// invoked most-recently-registered first.
type ChangeStateList[S any] struct {
	mu      sync.Mutex
	entries []*Entry[StateChange[S]]
}

// Add prepends fn so it runs before all previously registered handlers.
func (l *ChangeStateList[S]) Add(fn func(running bool, state S)) *Entry[StateChange[S]] {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &Entry[StateChange[S]]{fn: func(c StateChange[S]) { fn(c.Running, c.State) }}
	l.entries = append([]*Entry[StateChange[S]]{e}, l.entries...)
	return e
}

// Remove deletes the entry from the list.
func (l *ChangeStateList[S]) Remove(e *Entry[StateChange[S]]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.removed = true
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every handler, newest registration first.
func (l *ChangeStateList[S]) Notify(running bool, state S) {
	l.mu.Lock()
	snapshot := make([]*Entry[StateChange[S]], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		l.mu.Lock()
		skip := e.removed
		l.mu.Unlock()
		if skip {
			continue
		}
		e.fn(StateChange[S]{Running: running, State: state})
	}
}
