package hub

import (
	"sync"
	"time"
)

// Registry is the process-wide table of live client sessions, in insertion
// order.  A single mutex serialises every mutation, including the dispatch
// state carried on each session.  Nothing that can block is ever done while
// the mutex is held; callers clone what they need and operate outside it.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
}

func NewRegistry() *Registry { return &Registry{} }

// Add appends a session.  Insertion order is the dispatch tie-break, so
// earlier-connected workers get a mild priority.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

// Remove deletes the session by identity.  Names are not required to be
// unique, so removal never matches by name.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.sessions {
		if have == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the session list.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// FindByName returns the first session with the given name, or nil.
func (r *Registry) FindByName(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Workers returns the worker sessions in insertion order.
func (r *Registry) Workers() []*Session {
	return r.filter(RoleWorker)
}

// Observers returns the observer sessions in insertion order.
func (r *Registry) Observers() []*Session {
	return r.filter(RoleObserver)
}

func (r *Registry) filter(role Role) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// Acquire scans workers in insertion order and claims the first one that is
// idle, matches target (when set) and whose policy permits dispatch at now.
// The claimed worker is flipped to busy and jobID recorded as its in-flight
// assignment, all under the registry mutex, so no concurrent sweep can claim
// the same worker.  Returns nil when no worker is eligible.
func (r *Registry) Acquire(jobID, target string, now time.Time) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Role != RoleWorker {
			continue
		}
		if s.state != StateIdle {
			continue
		}
		if target != "" && s.Name != target {
			continue
		}
		if !s.policy.ActiveAt(now) {
			continue
		}
		s.state = StateBusy
		s.lastJobID = jobID
		return s
	}
	return nil
}

// Release reverts a claim: the worker returns to idle and its tracked job id
// is cleared, so a later completion token cannot finish a row the worker was
// never actually sent.  Used when the hand-off after Acquire fails (queue
// closed, or another sweep won the row).
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.state = StateIdle
	s.lastJobID = ""
}

// FinishJob flips a worker back to idle and returns the id of the job it was
// last assigned, clearing it.  The id is empty when nothing was tracked.
func (r *Registry) FinishJob(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.lastJobID
	s.lastJobID = ""
	s.state = StateIdle
	return id
}

// UpdatePolicy installs a worker-advertised policy on the session.
func (r *Registry) UpdatePolicy(s *Session, p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.policy = p
}

// WorkerView is a point-in-time copy of a worker's queryable state.
type WorkerView struct {
	Name  string
	State WorkerState
}

// WorkerViews returns a consistent snapshot of all workers for the query API.
func (r *Registry) WorkerViews() []WorkerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WorkerView
	for _, s := range r.sessions {
		if s.Role != RoleWorker {
			continue
		}
		out = append(out, WorkerView{Name: s.Name, State: s.state})
	}
	return out
}
