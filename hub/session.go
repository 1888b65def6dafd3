package hub

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// Role classifies a client session.  Sessions whose name starts with the
// literal prefix "Worker" are workers; everything else is an observer.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleObserver Role = "observer"
)

// WorkerState is the dispatch availability of a worker session.
// Observers are always idle.
type WorkerState string

const (
	StateIdle WorkerState = "idle"
	StateBusy WorkerState = "busy"
)

// ErrSessionClosed is returned by Enqueue once the session's pump has
// terminated.
var ErrSessionClosed = errors.New("hub: session closed")

// workerNamePrefix is the classification heuristic inherited from the wire
// protocol: a client names itself into the worker role.
const workerNamePrefix = "Worker"

// Policy is a worker-advertised dispatch constraint: a silent-mode switch
// plus a 7×24 activity grid.  A worker without a policy is always active.
type Policy struct {
	SilentMode bool     `json:"silent_mode"`
	Schedule   [][]bool `json:"schedule"` // 7 days (Monday = 0) × 24 hours
}

// ActiveAt reports whether the policy permits dispatch at t.  Missing grid
// cells count as active, matching the defaults of the worker config this
// grid originates from.
func (p *Policy) ActiveAt(t time.Time) bool {
	if p == nil {
		return true
	}
	if p.SilentMode {
		return false
	}
	day := (int(t.Weekday()) + 6) % 7 // time.Weekday is Sunday = 0
	if day >= len(p.Schedule) {
		return true
	}
	row := p.Schedule[day]
	hour := t.Hour()
	if hour >= len(row) {
		return true
	}
	return row[hour]
}

// Session is one connected client for the lifetime of its WebSocket.
type Session struct {
	Name string
	Role Role

	// Dispatch state; guarded by the owning Registry's mutex.
	state     WorkerState
	policy    *Policy
	lastJobID string

	outbound  chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession builds a session with a bounded outbound queue.  The role is
// derived from the name prefix.
func NewSession(name string, queueSize int) *Session {
	if name == "" {
		name = "Unknown"
	}
	role := RoleObserver
	if strings.HasPrefix(name, workerNamePrefix) {
		role = RoleWorker
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Session{
		Name:     name,
		Role:     role,
		state:    StateIdle,
		outbound: make(chan string, queueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue places a text frame on the session's outbound queue.  A closed
// session is an error (the caller may want its frame back); a full queue
// drops the frame and only logs, so one slow observer cannot stall the rest.
func (s *Session) Enqueue(frame string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		log.Printf("hub: outbound queue full for %q, dropping frame", s.Name)
		return nil
	}
}

// Outbound exposes the queue to its consumer (the wire pump, or a test
// standing in for one).
func (s *Session) Outbound() <-chan string { return s.outbound }

// Close marks the session terminated.  Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
