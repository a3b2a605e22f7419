package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Record tracks one session inside a Store.
type Record struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	result *Result
}

// State returns the latest snapshot.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Result returns the result once the session has finished.
func (r *Record) Result() (*Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.result != nil
}

// Done is closed when the session has finished.
func (r *Record) Done() <-chan struct{} { return r.done }

func (r *Record) update(fn func(*State)) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
	return r.state.clone()
}

func (r *Record) finish(res *Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)
}

// Store keeps the sessions of one orchestrator.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Record
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Record)}
}

func (s *Store) put(r *Record) {
	s.mu.Lock()
	s.sessions[r.ID] = r
	s.mu.Unlock()
}

// Get looks a session up by id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "%s", id)
	}
	return r, nil
}

// List returns all sessions, oldest first.
func (s *Store) List() []*Record {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.sessions))
	for _, r := range s.sessions {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
