// Package kernel holds the process-wide execution state shared by the bridge,
// the runners and the worker pool.
package kernel

import "sync/atomic"

// State carries the cooperative stop flag and the execution capabilities.
// The zero value is running with no async or threaded support.
type State struct {
	stopped  atomic.Bool
	async    atomic.Bool
	threaded atomic.Bool
}

// New returns a running state with the given capabilities.
func New(async, threaded bool) *State {
	s := &State{}
	s.SetCapabilities(async, threaded)
	return s
}

// Stop raises the stop flag. Running work observes it cooperatively.
func (s *State) Stop() { s.stopped.Store(true) }

// Resume clears the stop flag.
func (s *State) Resume() { s.stopped.Store(false) }

// Stopped reports whether the stop flag is raised. A nil state is never stopped.
func (s *State) Stopped() bool { return s != nil && s.stopped.Load() }

// SetCapabilities updates the async and threaded flags, e.g. after a settings reload.
func (s *State) SetCapabilities(async, threaded bool) {
	s.async.Store(async)
	s.threaded.Store(threaded)
}

// Async reports whether asynchronous runners are supported.
func (s *State) Async() bool { return s != nil && s.async.Load() }

// Threaded reports whether a worker pool is available.
func (s *State) Threaded() bool { return s != nil && s.threaded.Load() }
