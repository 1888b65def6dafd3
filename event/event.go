// Package event fans job lifecycle updates out to observer sessions.
// Workers never receive these; they only see assigned job bodies and the
// welcome frame.
package event

import (
	"encoding/json"
	"log"
	"time"

	"github.com/neuragrid/coordinator/hub"
	"github.com/neuragrid/coordinator/store"
)

// Update is the wire shape of a lifecycle event.
type Update struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Payload carries the event body.  Timestamp is epoch milliseconds.
type Payload struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Message   string   `json:"message"`
	Status    string   `json:"status"`
	Tags      []string `json:"tags,omitempty"`
}

// Plane delivers updates through each observer's bounded session queue, so a
// slow observer drops its own frames without affecting the others.
type Plane struct {
	reg *hub.Registry
	now func() time.Time
}

func NewPlane(reg *hub.Registry) *Plane {
	return &Plane{reg: reg, now: time.Now}
}

// Emit renders the event once and enqueues it on every observer session.
func (p *Plane) Emit(status store.Status, jobID, message string, tags []string) {
	raw, err := json.Marshal(Update{
		Type: "job_update",
		Payload: Payload{
			ID:        jobID,
			Timestamp: p.now().UnixMilli(),
			Message:   message,
			Status:    string(status),
			Tags:      tags,
		},
	})
	if err != nil {
		log.Printf("event: marshal %s update for %s: %v", status, jobID, err)
		return
	}

	frame := string(raw)
	for _, o := range p.reg.Observers() {
		// Enqueue drops on overflow and reports closed sessions; neither
		// outcome should stop delivery to the remaining observers.
		if err := o.Enqueue(frame); err != nil {
			log.Printf("event: enqueue to %s: %v", o.Name, err)
		}
	}
}
