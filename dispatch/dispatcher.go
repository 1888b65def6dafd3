// Package dispatch matches pending jobs to idle workers.
//
// The dispatcher is trigger-driven: a job submission, a worker connecting,
// or a worker reporting completion each kicks off one sweep.  A sweep walks
// the pending queue oldest first and, for every job, claims the first
// eligible worker under the registry mutex, hands the raw body to the
// worker's outbound queue outside it, and then wins (or loses) the row with
// a conditional status update.  Sweeps are idempotent and safe to run
// concurrently; the conditional update is the arbiter when two sweeps pick
// the same job.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/neuragrid/coordinator/event"
	"github.com/neuragrid/coordinator/hub"
	"github.com/neuragrid/coordinator/store"
)

// Dispatcher coordinates the store, the session registry and the event
// plane.  Construct with New, then Start before the first trigger.
type Dispatcher struct {
	st     store.Store
	reg    *hub.Registry
	events *event.Plane

	// requeueAfter > 0 enables the stale-processing sweep: jobs handed to a
	// worker that never reported back return to pending after this long.
	requeueAfter time.Duration

	now func() time.Time
	ctx context.Context
}

func New(st store.Store, reg *hub.Registry, events *event.Plane, requeueAfter time.Duration) *Dispatcher {
	return &Dispatcher{
		st:           st,
		reg:          reg,
		events:       events,
		requeueAfter: requeueAfter,
		now:          time.Now,
		ctx:          context.Background(),
	}
}

// Start captures the lifetime context and, when configured, launches the
// stale-job requeue loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
	if d.requeueAfter > 0 {
		go d.requeueLoop(ctx)
	}
}

// Trigger schedules a sweep without blocking the caller.
func (d *Dispatcher) Trigger() {
	go d.Sweep(d.ctx)
}

// Sweep drains as much of the pending queue as the current worker set
// allows.  Jobs with no eligible worker are skipped, not waited on; a later
// trigger retries them.
func (d *Dispatcher) Sweep(ctx context.Context) {
	jobs, err := d.st.ListPending(ctx)
	if err != nil {
		log.Printf("dispatch: list pending: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	log.Printf("dispatch: attempting to dispatch %d pending job(s)", len(jobs))

	for _, job := range jobs {
		target := parseTarget(job.Body)

		w := d.reg.Acquire(job.ID, target, d.now())
		if w == nil {
			// No eligible worker right now; an unsatisfiable target stays
			// pending indefinitely by design.
			continue
		}

		// The registry mutex is released; only this sweep holds the claim
		// on w until Release.
		if err := w.Enqueue(job.Body); err != nil {
			log.Printf("dispatch: send job %s to %s: %v", job.ID, w.Name, err)
			d.reg.Release(w)
			continue
		}

		won, err := d.st.MarkProcessing(ctx, job.ID)
		if err != nil {
			log.Printf("dispatch: mark job %s processing: %v", job.ID, err)
			d.reg.Release(w)
			continue
		}
		if !won {
			// A concurrent sweep already dispatched this row.
			d.reg.Release(w)
			continue
		}

		log.Printf("dispatch: assigned job %s to worker %s", job.ID, w.Name)
		d.events.Emit(store.StatusProcessing, job.ID,
			fmt.Sprintf("Job picked up by %s", w.Name), job.Tags)
	}
}

// HandleWorkerReport is the hub callback for a worker's completion token.
// The worker is already idle; record the terminal status for its tracked
// job, tell the observers, and sweep again for the freed capacity.
func (d *Dispatcher) HandleWorkerReport(worker, jobID string, failed bool) {
	status := store.StatusCompleted
	if failed {
		status = store.StatusFailed
	}

	if jobID != "" {
		// Conditional on processing: if the assignment was reverted or
		// requeued meanwhile, the row must not jump straight from pending
		// to a terminal status.
		moved, err := d.st.FinishJob(d.ctx, jobID, status)
		if err != nil {
			log.Printf("dispatch: finish job %s: %v", jobID, err)
		} else if !moved {
			log.Printf("dispatch: job %q reported by %s was not in processing", jobID, worker)
		}
	}

	d.events.Emit(status, jobID, reportMessage(worker, jobID, status), nil)
	d.Trigger()
}

func reportMessage(worker, jobID string, status store.Status) string {
	if jobID == "" {
		return fmt.Sprintf("Job %s by %s", status, worker)
	}
	return fmt.Sprintf("Job %s %s by %s", jobID, status, worker)
}

// requeueLoop periodically returns stale processing rows to pending and
// re-triggers dispatch when any were flipped.
func (d *Dispatcher) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(d.requeueAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.st.RequeueStale(ctx, d.now().Add(-d.requeueAfter))
			if err != nil {
				log.Printf("dispatch: requeue stale: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("dispatch: requeued %d stale job(s)", n)
				d.Trigger()
			}
		}
	}
}

// parseTarget extracts the optional target worker name from a job body,
// stripping a leading @.  A body that fails to parse simply has no target.
func parseTarget(body string) string {
	var fields struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return ""
	}
	return strings.TrimPrefix(fields.Target, "@")
}
