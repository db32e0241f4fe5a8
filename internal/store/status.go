// Package store holds the entity stores: in-memory views of one account's data
// kept in step with the sync engine.
//
// Every mutation follows the same policy: the in-memory view changes when the
// remote confirmed the write or when the engine queued it for replay. A write
// rejected outright leaves the view as it was.
package store

import (
	"errors"
	"sync"

	"github.com/and161185/vazy-sync/internal/engine"
)

// State is the lifecycle of the latest call.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Status tracks in-flight calls of one store.
type Status struct {
	mu       sync.Mutex
	inflight int
	last     State
	err      error
	stale    bool
}

// begin marks a call as started and returns the function that ends it.
func (s *Status) begin() func(err error) {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inflight--
		s.err = err
		if err != nil && !engine.IsQueued(err) {
			s.last = StateFailure
		} else {
			s.last = StateSuccess
		}
	}
}

func (s *Status) setStale(stale bool) {
	s.mu.Lock()
	s.stale = stale
	s.mu.Unlock()
}

// State reports loading while any call is running, else the outcome of the latest call.
func (s *Status) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return StateLoading
	}
	if s.last == "" {
		return StateIdle
	}
	return s.last
}

// Loading reports whether a call is running.
func (s *Status) Loading() bool { return s.State() == StateLoading }

// Err returns the error of the latest finished call.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stale reports whether the current view was served from the local cache.
func (s *Status) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// applied reports whether a write outcome should be reflected in memory.
func applied(err error) bool {
	return err == nil || engine.IsQueued(err)
}

// readErr is what a load reports: the remote failure when the view came from the cache, else nil.
func readErr(stale bool, err error) error {
	if !stale {
		return nil
	}
	if err == nil {
		return errors.New("served from cache")
	}
	return err
}
