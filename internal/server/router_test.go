package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/log"
	"courier/internal/queue"
	"courier/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

type testServer struct {
	t     *testing.T
	mgr   *queue.Manager
	srv   *httptest.Server
	token string
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func newTestServer(t *testing.T, health map[string]Pinger) *testServer {
	t.Helper()
	return newTestServerWith(t, Config{}, health)
}

func newTestServerWith(t *testing.T, cfg Config, health map[string]Pinger) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewRedisStore(client, log.NewNop())
	mgr := queue.NewManager(st, queue.Options{})
	if health == nil {
		health = map[string]Pinger{"redis": st}
	}

	r := chi.NewRouter()
	cfg.JWTSecret = testSecret
	cfg.RateLimit = 1000
	SetupRouter(r, cfg, mgr, health, log.NewNop())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return &testServer{t: t, mgr: mgr, srv: srv, token: token}
}

func (s *testServer) do(method, path string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	s.token = ""
	if code := s.do(http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}

	down := newTestServer(t, map[string]Pinger{"archive": failingPinger{}})
	if code := down.do(http.MethodGet, "/health", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)
	s.token = ""
	if code := s.do(http.MethodGet, "/queues", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("want 401 without token, got %d", code)
	}
	s.token = "not-a-jwt"
	if code := s.do(http.MethodGet, "/queues", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("want 401 with bad token, got %d", code)
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	var created queue.QueueConfig
	code := s.do(http.MethodPost, "/queues", map[string]any{"name": "emails", "maxRetries": 1}, &created)
	if code != http.StatusCreated || created.DeadLetterQueue != "emails.dlq" {
		t.Fatalf("create: %d %+v", code, created)
	}
	if code := s.do(http.MethodPost, "/queues", map[string]any{"name": "emails"}, nil); code != http.StatusConflict {
		t.Fatalf("want 409 on duplicate, got %d", code)
	}

	var enq struct{ ID string }
	body := map[string]any{"payload": map[string]any{"to": "a@example.com"}, "priority": 2}
	if code := s.do(http.MethodPost, "/queues/emails/messages", body, &enq); code != http.StatusCreated || enq.ID == "" {
		t.Fatalf("enqueue: %d %+v", code, enq)
	}

	var msg store.QueueMessage
	if code := s.do(http.MethodGet, "/queues/emails/messages", nil, &msg); code != http.StatusOK || msg.ID != enq.ID {
		t.Fatalf("dequeue: %d %+v", code, msg)
	}
	var payload map[string]string
	json.Unmarshal(msg.Payload, &payload)
	if payload["to"] != "a@example.com" {
		t.Fatalf("payload not restored: %s", msg.Payload)
	}
	if msg.Metadata.UserID != "tester" {
		t.Fatalf("want user id from token subject, got %q", msg.Metadata.UserID)
	}
	if code := s.do(http.MethodGet, "/queues/emails/messages", nil, nil); code != http.StatusNoContent {
		t.Fatalf("want 204 on empty queue, got %d", code)
	}

	var acked map[string]bool
	s.do(http.MethodPost, "/queues/emails/messages/"+enq.ID+"/ack", nil, &acked)
	if !acked["acked"] {
		t.Fatalf("ack failed: %v", acked)
	}
	s.do(http.MethodPost, "/queues/emails/messages/"+enq.ID+"/ack", nil, &acked)
	if acked["acked"] {
		t.Fatalf("second ack succeeded")
	}

	var st queue.Stats
	if code := s.do(http.MethodGet, "/queues/emails/stats", nil, &st); code != http.StatusOK || st.Processed != 1 {
		t.Fatalf("stats: %d %+v", code, st)
	}
}

func TestDeadLetterRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/queues", map[string]any{"name": "jobs", "maxRetries": 1}, nil)

	var enq struct{ ID string }
	s.do(http.MethodPost, "/queues/jobs/messages", map[string]any{"payload": map[string]int{"n": 1}}, &enq)
	s.do(http.MethodGet, "/queues/jobs/messages", nil, nil)

	var nacked map[string]bool
	s.do(http.MethodPost, "/queues/jobs/messages/"+enq.ID+"/nack", map[string]any{"reason": "bad input"}, &nacked)
	if !nacked["nacked"] {
		t.Fatalf("nack failed")
	}

	var entries []store.DeadLetterEntry
	if code := s.do(http.MethodGet, "/dlq/jobs.dlq?limit=5", nil, &entries); code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("list dlq: %d %+v", code, entries)
	}
	if entries[0].Reason != "bad input" || entries[0].OriginQueue != "jobs" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}

	if code := s.do(http.MethodPost, "/dlq/jobs.dlq/"+enq.ID+"/redrive", nil, nil); code != http.StatusOK {
		t.Fatalf("redrive: %d", code)
	}
	if code := s.do(http.MethodPost, "/dlq/jobs.dlq/"+enq.ID+"/redrive", nil, nil); code != http.StatusNotFound {
		t.Fatalf("want 404 on second redrive, got %d", code)
	}

	s.do(http.MethodGet, "/queues/jobs/messages", nil, nil)
	s.do(http.MethodPost, "/queues/jobs/messages/"+enq.ID+"/nack", map[string]any{"deadLetter": true}, nil)
	var purged map[string]int64
	if code := s.do(http.MethodDelete, "/dlq/jobs.dlq", nil, &purged); code != http.StatusOK || purged["purged"] != 1 {
		t.Fatalf("purge: %d %v", code, purged)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/queues", map[string]any{"name": "q"}, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown queue", http.MethodGet, "/queues/nope/stats", nil, http.StatusNotFound},
		{"bad queue name", http.MethodPost, "/queues", map[string]any{"name": "has space"}, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/queues", map[string]any{"name": "x", "mode": "lifo"}, http.StatusBadRequest},
		{"missing payload", http.MethodPost, "/queues/q/messages", map[string]any{}, http.StatusBadRequest},
		{"negative delay", http.MethodPost, "/queues/q/messages", map[string]any{"payload": 1, "delay": -5}, http.StatusBadRequest},
		{"bad visibility", http.MethodGet, "/queues/q/messages?visibilityTimeout=abc", nil, http.StatusBadRequest},
		{"enqueue unknown queue", http.MethodPost, "/queues/nope/messages", map[string]any{"payload": 1}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := s.do(tc.method, tc.path, tc.body, nil); code != tc.want {
				t.Fatalf("want %d, got %d", tc.want, code)
			}
		})
	}
}

func TestListQueues(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/queues", map[string]any{"name": "b", "mode": "priority"}, nil)
	s.do(http.MethodPost, "/queues", map[string]any{"name": "a"}, nil)

	var queues []queue.QueueConfig
	s.do(http.MethodGet, "/queues", nil, &queues)
	if len(queues) != 2 || queues[0].Name != "a" || queues[1].Mode != queue.ModePriority {
		t.Fatalf("unexpected queues %+v", queues)
	}
}

func TestEnqueueKeepsExplicitUserID(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/queues", map[string]any{"name": "users"}, nil)
	s.do(http.MethodPost, "/queues/users/messages", map[string]any{"payload": 1, "userId": "u-42"}, nil)

	var msg store.QueueMessage
	if code := s.do(http.MethodGet, "/queues/users/messages", nil, &msg); code != http.StatusOK || msg.Metadata.UserID != "u-42" {
		t.Fatalf("dequeue: %d user=%q", code, msg.Metadata.UserID)
	}
}

type fakeArchive struct {
	entries []store.DeadLetterEntry
	queue   string
	limit   int
	err     error
}

func (f *fakeArchive) List(_ context.Context, queue string, limit int) ([]store.DeadLetterEntry, error) {
	f.queue, f.limit = queue, limit
	return f.entries, f.err
}

func TestArchiveRoute(t *testing.T) {
	if code := newTestServer(t, nil).do(http.MethodGet, "/archive/jobs", nil, nil); code != http.StatusNotFound {
		t.Fatalf("want 404 without an archive, got %d", code)
	}

	archive := &fakeArchive{entries: []store.DeadLetterEntry{{OriginQueue: "jobs", Reason: "evicted"}}}
	s := newTestServerWith(t, Config{Archive: archive}, nil)

	var entries []store.DeadLetterEntry
	if code := s.do(http.MethodGet, "/archive/jobs", nil, &entries); code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("list archive: %d %+v", code, entries)
	}
	if archive.queue != "jobs" || archive.limit != 10 {
		t.Fatalf("want jobs with default limit, got %q %d", archive.queue, archive.limit)
	}
	s.do(http.MethodGet, "/archive/jobs?limit=3", nil, &entries)
	if archive.limit != 3 {
		t.Fatalf("limit not passed, got %d", archive.limit)
	}

	archive.err = errors.New("db down")
	if code := s.do(http.MethodGet, "/archive/jobs", nil, nil); code != http.StatusInternalServerError {
		t.Fatalf("want 500 on archive failure, got %d", code)
	}
}
