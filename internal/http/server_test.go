package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store/memory"
)

type testServer struct {
	*httptest.Server
	eng     *engine.Engine
	st      *memory.Store
	reg     *dispatch.Registry
	archive *storage.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	reg := dispatch.NewRegistry(logger)
	archive := storage.NewMemoryStore()
	cfg := engine.Config{PerCandidateTimeout: time.Second, RequestTimeout: 2 * time.Second, RescanInterval: time.Hour}
	eng := engine.New(cfg, st, matcher.New(st), reg, engine.WithLogger(logger), engine.WithEvents(archive))
	t.Cleanup(eng.Close)

	srv := NewServer(Deps{
		Engine:      eng,
		Fleet:       fleet.New(st, logger),
		Registry:    reg,
		Store:       st,
		Archive:     archive,
		Logger:      logger,
		SubmitLimit: 100,
		SubmitBurst: 100,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, eng: eng, st: st, reg: reg, archive: archive}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

const validSubmission = `{"location":{"lat":23.7809,"lng":90.2792},"destination":{"lat":23.751,"lng":90.394},"note":"gate 2","timestamp":1}`

func TestWSSubmitAcksAndPushesTimeout(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(validSubmission)); err != nil {
		t.Fatal(err)
	}
	ack := readJSON(t, conn)
	if ack["message"] != "Request received" {
		t.Fatalf("unexpected ack %v", ack)
	}
	id, _ := ack["requestId"].(string)
	req, err := ts.st.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("request not stored: %v", err)
	}
	if req.Meta["note"] != "gate 2" {
		t.Fatalf("meta not kept: %v", req.Meta)
	}
	if _, ok := req.Meta["timestamp"]; ok {
		t.Fatal("client timestamp should be dropped")
	}

	ts.eng.Tick(context.Background())
	if msg := readJSON(t, conn); msg["message"] != "No rider found" {
		t.Fatalf("expected no rider push, got %v", msg)
	}
	eventually(t, func() bool {
		list, _ := ts.archive.ListOutcomes(context.Background(), 10)
		return len(list) == 1 && list[0].Type == events.TypeTimeout
	})
}

func TestWSMalformedPayloadKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	cases := map[string]string{
		`not json`: "invalid JSON payload",
		`{"location":{"lat":95,"lng":0},"destination":{"lat":0,"lng":0}}`: "invalid location",
		`{"location":{"lat":1,"lng":1}}`:                                  "invalid destination",
	}
	for payload, want := range cases {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatal(err)
		}
		msg := readJSON(t, conn)
		if msg["status"] != "error" || !strings.HasPrefix(msg["error"].(string), want) {
			t.Fatalf("%s: unexpected reply %v", payload, msg)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(validSubmission)); err != nil {
		t.Fatal(err)
	}
	if ack := readJSON(t, conn); ack["message"] != "Request received" {
		t.Fatalf("connection should still accept submissions, got %v", ack)
	}
}

func TestWSDisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(validSubmission)); err != nil {
		t.Fatal(err)
	}
	id := readJSON(t, conn)["requestId"].(string)
	if ts.reg.Count(id) != 1 {
		t.Fatalf("expected connection registered for %s", id)
	}
	conn.Close()
	eventually(t, func() bool { return ts.reg.Count(id) == 0 })
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestWorkerAPI(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/v1/workers/"

	resp, body := do(t, http.MethodPut, base+"w1/location", `{"name":"Rahim","lat":23.7815,"lng":90.28}`)
	if resp.StatusCode != 200 || body["name"] != "Rahim" {
		t.Fatalf("location: %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPut, base+"w1/location", `{"lat":91,"lng":0}`); resp.StatusCode != 400 {
		t.Fatalf("expected 400 for bad coordinate, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPut, base+"w1/location", `{`); resp.StatusCode != 400 {
		t.Fatalf("expected 400 for bad body, got %d", resp.StatusCode)
	}

	resp, err := http.Get(base + "active")
	if err != nil {
		t.Fatal(err)
	}
	var views []fleet.WorkerView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(views) != 1 || views[0].Profile.ID != "w1" {
		t.Fatalf("unexpected active workers %+v", views)
	}

	if resp, _ := do(t, http.MethodPost, base+"w1/notifications/missing/accept", ""); resp.StatusCode != 404 {
		t.Fatalf("expected 404 for unknown offer, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, base+"w1/pickup/confirm", ""); resp.StatusCode != 409 {
		t.Fatalf("expected 409 when not in pickup, got %d", resp.StatusCode)
	}
}

func TestAcceptOverHTTPWinsRequest(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/v1/"
	do(t, http.MethodPut, base+"workers/w1/location", `{"name":"Rahim","lat":23.7815,"lng":90.28}`)

	conn := ts.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(validSubmission)); err != nil {
		t.Fatal(err)
	}
	id := readJSON(t, conn)["requestId"].(string)
	ts.eng.Tick(context.Background())

	var offerID string
	eventually(t, func() bool {
		resp, err := http.Get(base + "workers/w1/notifications")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var list []map[string]any
		if json.NewDecoder(resp.Body).Decode(&list) != nil || len(list) == 0 {
			return false
		}
		offerID, _ = list[0]["id"].(string)
		return offerID != ""
	})

	if resp, body := do(t, http.MethodPost, base+"workers/w1/notifications/"+offerID+"/accept", ""); resp.StatusCode != 200 {
		t.Fatalf("accept: %d %v", resp.StatusCode, body)
	}
	eventually(t, func() bool {
		_, body := do(t, http.MethodGet, base+"requests/"+id, "")
		return body["state"] == "accepted" && body["accepted_by"] == "w1"
	})
}

func TestReadAPI(t *testing.T) {
	ts := newTestServer(t)
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/requests/nope", ""); resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/requests/nope/notifications", ""); resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		_ = ts.archive.Publish(ctx, events.Event{Type: events.TypeAccepted, RequestID: id, WorkerID: "w1", At: time.Now()})
	}
	resp, err := http.Get(ts.URL + "/api/v1/outcomes?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	var list []storage.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list) != 2 || list[0].RequestID != "r3" {
		t.Fatalf("unexpected outcomes %+v", list)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/outcomes?limit=abc", ""); resp.StatusCode != 400 {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/healthz", "/ready", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}
