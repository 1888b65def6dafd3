// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/neuragrid/coordinator/dispatch"
	"github.com/neuragrid/coordinator/event"
	"github.com/neuragrid/coordinator/hub"
	"github.com/neuragrid/coordinator/store"
)

// Deps are the collaborators the handlers close over.
type Deps struct {
	Store     store.Store
	Registry  *hub.Registry
	Dispatch  *dispatch.Dispatcher
	Events    *event.Plane
	Hub       *hub.Hub
	StaticDir string
}

// New builds and returns the application HTTP handler:
//
//	GET  /ws?name=…    bidirectional session (worker or observer)
//	POST /job          submit a job (arbitrary JSON body)
//	GET  /api/stats    fleet summary
//	GET  /api/workers  per-worker records
//	GET  /api/queue    pending tag histogram
//	/                  dashboard static assets
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", d.Hub.ServeWS)
	mux.HandleFunc("POST /job", submitJob(d))

	mux.HandleFunc("GET /api/stats", getStats(d))
	mux.HandleFunc("GET /api/workers", getWorkers(d))
	mux.HandleFunc("GET /api/queue", getQueue(d))

	mux.Handle("/", http.FileServer(http.Dir(d.StaticDir)))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- job intake ----

// submitJob accepts any well-formed JSON: unknown job types still enter the
// queue.  Client-visible errors are compact text, never a stack trace, and a
// store failure is deliberately best-effort: the submitter is still told the
// job was queued.
func submitJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			fmt.Fprint(w, "Invalid JSON")
			return
		}

		// Any well-formed JSON value is accepted, not just objects; arrays,
		// strings and scalars queue like everything else.
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			fmt.Fprint(w, "Invalid JSON")
			return
		}

		job := &store.Job{
			ID:        uuid.NewString(),
			Type:      jobType(parsed),
			Body:      string(body),
			Status:    store.StatusPending,
			Tags:      jobTags(parsed),
			CreatedAt: time.Now(),
		}
		log.Printf("router: job submission %s: %s", job.ID, job.Body)

		if err := d.Store.Insert(r.Context(), job); err != nil {
			log.Printf("router: insert job %s: %v", job.ID, err)
		} else {
			defer d.Dispatch.Trigger()
		}

		// Emitted before the dispatch trigger runs so observers always see
		// pending before processing for the same job.
		d.Events.Emit(store.StatusPending, job.ID,
			fmt.Sprintf("New Job Submitted: %s", job.ID), job.Tags)

		fmt.Fprintf(w, "Job %s queued", job.ID)
	}
}

func jobType(parsed any) string {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return "unknown"
	}
	if t, ok := obj["job_type"].(string); ok && t != "" {
		return t
	}
	return "unknown"
}

func jobTags(parsed any) []string {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["tags"].([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, v := range raw {
		if tag, ok := v.(string); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// ---- query API ----

type stats struct {
	ActiveWorkers int     `json:"activeWorkers"`
	TotalTflops   float64 `json:"totalTflops"`
	JobsCompleted int     `json:"jobsCompleted"`
}

func getStats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := len(d.Registry.WorkerViews())
		// TFLOPS and completed-job totals are placeholder arithmetic on the
		// worker count until real measurements are tracked.
		writeJSON(w, http.StatusOK, stats{
			ActiveWorkers: n,
			TotalTflops:   float64(n) * 45.5,
			JobsCompleted: 14203 + n*12,
		})
	}
}

type workerInfo struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	GPU      string `json:"gpu"`
	Status   string `json:"status"`
	Task     string `json:"task"`
}

func getWorkers(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := d.Registry.WorkerViews()
		// The id, ip and gpu fields are synthesized from the index; only
		// hostname and status reflect live session state.
		out := make([]workerInfo, 0, len(views))
		for i, v := range views {
			gpu := "RTX 4090"
			if i%2 != 0 {
				gpu = "A100"
			}
			task := "-"
			if v.State == hub.StateBusy {
				task = "Processing"
			}
			out = append(out, workerInfo{
				ID:       fmt.Sprintf("w%d", i),
				Hostname: v.Name,
				IP:       fmt.Sprintf("192.168.1.1%02d", i),
				GPU:      gpu,
				Status:   string(v.State),
				Task:     task,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := d.Store.PendingTagCounts(r.Context())
		if err != nil {
			log.Printf("router: pending tag counts: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}
