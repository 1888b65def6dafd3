package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/neuragrid/coordinator/dispatch"
	"github.com/neuragrid/coordinator/event"
	"github.com/neuragrid/coordinator/hub"
	"github.com/neuragrid/coordinator/store"
	"github.com/neuragrid/coordinator/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "neuragrid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := hub.NewRegistry()
	events := event.NewPlane(reg)
	disp := dispatch.New(db, reg, events, 0)

	h := hub.New(reg, hub.Config{PingInterval: time.Second, QueueSize: 16}, hub.Handler{
		OnClientJoined: disp.Trigger,
		OnWorkerReport: disp.HandleWorkerReport,
	})

	deps := Deps{
		Store:     db,
		Registry:  reg,
		Dispatch:  disp,
		Events:    events,
		Hub:       h,
		StaticDir: t.TempDir(),
	}
	srv := httptest.NewServer(New(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJob(t *testing.T, srv *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/job", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func dialWS(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(raw)
}

func TestSubmitInvalidJSON(t *testing.T) {
	srv, deps := newTestServer(t)

	require.Equal(t, "Invalid JSON", postJob(t, srv, `{"job_type": oops`))

	jobs, err := deps.Store.ListPending(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSubmitQueuesJob(t *testing.T) {
	srv, deps := newTestServer(t)

	body := `{"job_type":"prime_search","args":[1000],"tags":["math","batch"]}`
	resp := postJob(t, srv, body)
	require.Regexp(t, `^Job [0-9a-f-]{36} queued$`, resp)

	// The id in the response is exactly the id on the stored row.
	id := strings.TrimSuffix(strings.TrimPrefix(resp, "Job "), " queued")
	job, err := deps.Store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, body, job.Body)
	require.Equal(t, "prime_search", job.Type)
	require.Equal(t, []string{"math", "batch"}, job.Tags)
	require.Equal(t, store.StatusPending, job.Status)
}

func TestSubmitUnknownTypeStillQueues(t *testing.T) {
	srv, deps := newTestServer(t)

	resp := postJob(t, srv, `{"args":[]}`)
	id := strings.TrimSuffix(strings.TrimPrefix(resp, "Job "), " queued")

	job, err := deps.Store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "unknown", job.Type)
}

func TestSubmitNonObjectJSON(t *testing.T) {
	srv, deps := newTestServer(t)

	// Any well-formed JSON value queues, not just objects.
	for _, body := range []string{`[1,2,3]`, `"run it"`, `42`, `true`, `null`} {
		resp := postJob(t, srv, body)
		require.Regexp(t, `^Job [0-9a-f-]{36} queued$`, resp, "body %s", body)

		id := strings.TrimSuffix(strings.TrimPrefix(resp, "Job "), " queued")
		job, err := deps.Store.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, job, "body %s was not queued", body)
		require.Equal(t, body, job.Body)
		require.Equal(t, "unknown", job.Type)
		require.Empty(t, job.Tags)
		require.Equal(t, store.StatusPending, job.Status)
	}
}

func TestStats(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Registry.Add(hub.NewSession("Worker-A", 4))
	deps.Registry.Add(hub.NewSession("Worker-B", 4))
	deps.Registry.Add(hub.NewSession("dashboard", 4))

	var got struct {
		ActiveWorkers int     `json:"activeWorkers"`
		TotalTflops   float64 `json:"totalTflops"`
		JobsCompleted int     `json:"jobsCompleted"`
	}
	getJSON(t, srv, "/api/stats", &got)

	require.Equal(t, 2, got.ActiveWorkers)
	require.InDelta(t, 91.0, got.TotalTflops, 0.001)
	require.Equal(t, 14203+2*12, got.JobsCompleted)
}

func TestWorkersListing(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Registry.Add(hub.NewSession("Worker-A", 4))
	deps.Registry.Add(hub.NewSession("Worker-B", 4))
	deps.Registry.Add(hub.NewSession("dashboard", 4))

	// First worker busy, second idle.
	require.NotNil(t, deps.Registry.Acquire("j1", "Worker-A", time.Now()))

	var got []workerInfo
	getJSON(t, srv, "/api/workers", &got)
	require.Equal(t, []workerInfo{
		{ID: "w0", Hostname: "Worker-A", IP: "192.168.1.100", GPU: "RTX 4090", Status: "busy", Task: "Processing"},
		{ID: "w1", Hostname: "Worker-B", IP: "192.168.1.101", GPU: "A100", Status: "idle", Task: "-"},
	}, got)
}

func TestQueueHistogram(t *testing.T) {
	srv, _ := newTestServer(t)

	postJob(t, srv, `{"job_type":"a","tags":["nlp"]}`)
	postJob(t, srv, `{"job_type":"b","tags":["nlp","batch"]}`)
	postJob(t, srv, `{"job_type":"c"}`)

	var got map[string]int
	getJSON(t, srv, "/api/queue", &got)
	require.Equal(t, map[string]int{"nlp": 2, "batch": 1}, got)
}

// End-to-end: one worker, two observers, one job.  Observers see pending then
// processing in order; the worker sees only the verbatim body.
func TestObserverFanout(t *testing.T) {
	srv, _ := newTestServer(t)

	obs1 := dialWS(t, srv, "dashboard")
	obs2 := dialWS(t, srv, "cli")
	worker := dialWS(t, srv, "Worker-A")
	require.Equal(t, hub.WelcomeFrame, readText(t, obs1))
	require.Equal(t, hub.WelcomeFrame, readText(t, obs2))
	require.Equal(t, hub.WelcomeFrame, readText(t, worker))

	body := `{"job_type":"noop","args":[]}`
	resp := postJob(t, srv, body)
	id := strings.TrimSuffix(strings.TrimPrefix(resp, "Job "), " queued")

	require.Equal(t, body, readText(t, worker))

	for _, obs := range []*websocket.Conn{obs1, obs2} {
		var first, second event.Update
		require.NoError(t, json.Unmarshal([]byte(readText(t, obs)), &first))
		require.NoError(t, json.Unmarshal([]byte(readText(t, obs)), &second))

		require.Equal(t, "pending", first.Payload.Status)
		require.Equal(t, id, first.Payload.ID)
		require.Equal(t, "processing", second.Payload.Status)
		require.Equal(t, id, second.Payload.ID)
		require.Equal(t, "Job picked up by Worker-A", second.Payload.Message)
	}

	// The worker never receives lifecycle events.
	require.NoError(t, worker.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := worker.ReadMessage()
	require.Error(t, err)
}
