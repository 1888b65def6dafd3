// Package hub owns the live client sessions: the registry of connected
// workers and observers, the WebSocket upgrade path, and the per-session
// pump/reader goroutine pair that moves text frames on and off the wire.
package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WelcomeFrame is sent once to every client right after it registers.
const WelcomeFrame = "Welcome to NeuraGrid"

// earningsPrefix marks the worker-accounting sidechannel.  Not core
// behaviour; the coordinator only logs it.
const earningsPrefix = "Earnings Update: "

// Handler receives session lifecycle callbacks.  Wired by the bootstrap to
// the dispatcher so the hub never imports it.
type Handler struct {
	// OnClientJoined fires after a new session is registered and welcomed.
	// A pending job may now have an eligible target.
	OnClientJoined func()

	// OnWorkerReport fires when a worker session reports the outcome of its
	// in-flight job.  jobID is the last assignment tracked for the worker
	// and may be empty.
	OnWorkerReport func(worker, jobID string, failed bool)
}

// Config tunes per-session behaviour.
type Config struct {
	PingInterval time.Duration // keepalive cadence; default 5s
	QueueSize    int           // outbound queue capacity; default 100
}

// Hub upgrades HTTP requests into sessions and runs them.
type Hub struct {
	reg      *Registry
	handler  Handler
	ping     time.Duration
	queue    int
	upgrader websocket.Upgrader
}

func New(reg *Registry, cfg Config, handler Handler) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Hub{
		reg:     reg,
		handler: handler,
		ping:    cfg.PingInterval,
		queue:   cfg.QueueSize,
		upgrader: websocket.Upgrader{
			// The dashboard is served from this process but the CLI and
			// workers connect from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS is the GET /ws?name=<string> endpoint.  It registers the session,
// sends the one-shot welcome frame, pokes the dispatcher, then runs the pump
// and reader until either side fails; the session is then removed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade: %v", err)
		return
	}

	s := NewSession(name, h.queue)
	h.reg.Add(s)
	log.Printf("hub: client connected: %s (%s)", s.Name, s.Role)

	if err := s.Enqueue(WelcomeFrame); err != nil {
		log.Printf("hub: welcome %s: %v", s.Name, err)
	}
	if h.handler.OnClientJoined != nil {
		h.handler.OnClientJoined()
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.pump(s, conn)
	}()

	h.read(s, conn)

	s.Close()
	conn.Close()
	<-pumpDone

	h.reg.Remove(s)
	log.Printf("hub: client disconnected: %s", s.Name)
}

// pump drains the outbound queue onto the wire and keeps the peer alive with
// periodic pings.  Any write failure terminates the session.
func (h *Hub) pump(s *Session, conn *websocket.Conn) {
	defer s.Close()
	defer conn.Close()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.outbound:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				log.Printf("hub: write to %s: %v", s.Name, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("hub: ping %s: %v", s.Name, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// read parses inbound frames until the connection drops.
func (h *Hub) read(s *Session, conn *websocket.Conn) {
	defer s.Close()
	defer conn.Close()

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.handleFrame(s, string(raw))
	}
}

// handleFrame classifies an inbound text frame.  The completion scan is a
// case-insensitive substring heuristic inherited from the wire protocol:
// there is no structured message naming the finished job, so the registry's
// per-worker last-assignment is the only link back to a row.
func (h *Hub) handleFrame(s *Session, text string) {
	if p, ok := parsePolicyFrame(text); ok {
		h.reg.UpdatePolicy(s, p)
		log.Printf("hub: %s advertised policy (silent=%t)", s.Name, p.SilentMode)
		return
	}

	if strings.HasPrefix(text, earningsPrefix) {
		log.Printf("hub: accounting sidechannel from %s: %s", s.Name, text)
		return
	}

	// Completion tokens win: "job completed, no errors" is a success.
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "completed") || strings.Contains(lower, "finished"):
		h.workerReport(s, text, false)
	case strings.Contains(lower, "failed") || strings.Contains(lower, "error"):
		h.workerReport(s, text, true)
	default:
		log.Printf("hub: unclassified frame from %s: %s", s.Name, text)
	}
}

func (h *Hub) workerReport(s *Session, text string, failed bool) {
	if s.Role != RoleWorker {
		log.Printf("hub: completion token from observer %s ignored: %s", s.Name, text)
		return
	}
	jobID := h.reg.FinishJob(s)
	log.Printf("hub: worker %s is now idle (job %q, failed=%t)", s.Name, jobID, failed)
	if h.handler.OnWorkerReport != nil {
		h.handler.OnWorkerReport(s.Name, jobID, failed)
	}
}

// policyFrame is the worker → coordinator advertisement that feeds the
// dispatcher's availability check.
type policyFrame struct {
	Type       string   `json:"type"`
	SilentMode bool     `json:"silent_mode"`
	Schedule   [][]bool `json:"schedule"`
}

func parsePolicyFrame(text string) (*Policy, bool) {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return nil, false
	}
	var f policyFrame
	if err := json.Unmarshal([]byte(text), &f); err != nil || f.Type != "policy" {
		return nil, false
	}
	return &Policy{SilentMode: f.SilentMode, Schedule: f.Schedule}, true
}
