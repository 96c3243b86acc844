package server

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bookapi/bookaudit/internal/actor"
	"github.com/bookapi/bookaudit/internal/audit"
)

var testGenesisKey = []byte("server-test-genesis-key")

type testEnv struct {
	ts       *httptest.Server
	log      *audit.Log
	registry *actor.Registry
	feed     *Feed
}

func newTestEnv(t *testing.T, initialize bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := audit.OpenSQLite(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	feed := NewFeed()
	log, err := audit.New(store, audit.Options{GenesisKey: testGenesisKey, OnAppend: feed.Broadcast})
	if err != nil {
		t.Fatal(err)
	}
	if initialize {
		if _, err := log.EnsureInitialized(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	registry, err := actor.NewRegistry(filepath.Join(dir, "actors.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	srv := New(Options{Log: log, Registry: registry, Feed: feed, Version: "test"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		feed.Close()
		log.Close()
	})
	return &testEnv{ts: ts, log: log, registry: registry, feed: feed}
}

func (e *testEnv) post(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/append", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func appendAction(t *testing.T, e *testEnv, actorID, action string) appendResponse {
	t.Helper()
	resp := e.post(t, fmt.Sprintf(`{"actor":%q,"session":"s-1","action":%q}`, actorID, action))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d", resp.StatusCode)
	}
	var out appendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAppend_Created(t *testing.T) {
	env := newTestEnv(t, true)

	first := appendAction(t, env, "alice", "book 42 deleted")
	second := appendAction(t, env, "bob", "order 7 refunded")

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seqs 1 and 2, got %d and %d", first.Seq, second.Seq)
	}
	if len(first.Hash) != 64 {
		t.Errorf("hash should be 32 bytes hex, got %q", first.Hash)
	}

	entries, err := env.log.Tail(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	want := actor.Context{ID: "bob", Session: "s-1"}.Message("order 7 refunded")
	if entries[0].Message != want {
		t.Errorf("stored message:\n  got  %s\n  want %s", entries[0].Message, want)
	}

	a, err := env.registry.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Stats.Appends != 1 || a.Stats.LastSeq != 1 || a.LastRemote != "127.0.0.1" {
		t.Errorf("unexpected actor record: %+v", a)
	}
}

func TestAppend_BadRequests(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing action", `{"actor":"alice"}`},
		{"missing actor", `{"action":"book 1 created"}`},
		{"control chars in actor", `{"actor":"al\nice","action":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.post(t, tt.body); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	resp := env.get(t, "/api/append")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/append: expected 405, got %d", resp.StatusCode)
	}
}

func TestAppend_Uninitialized(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.post(t, `{"actor":"alice","action":"book 1 created"}`)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", resp.StatusCode)
	}
	a, err := env.registry.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Stats.FailedAppends != 1 {
		t.Errorf("failed append should be counted, got %+v", a.Stats)
	}
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, true)
	appendAction(t, env, "alice", "a")
	appendAction(t, env, "alice", "b")

	resp := env.get(t, "/api/verify")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res audit.VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != audit.StatusIntact || res.CheckedCount != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestVerify_Uninitialized(t *testing.T) {
	env := newTestEnv(t, false)

	if resp := env.get(t, "/api/verify"); resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", resp.StatusCode)
	}
}

func TestEntries(t *testing.T) {
	env := newTestEnv(t, true)
	appendAction(t, env, "alice", "book 1 created")
	appendAction(t, env, "bob", "book 2 created")
	appendAction(t, env, "alice", "book 1 deleted")

	t.Run("range json", func(t *testing.T) {
		resp := env.get(t, "/api/entries?from=2&to=3")
		var got []audit.Entry
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
			t.Errorf("unexpected entries: %+v", got)
		}
	})

	t.Run("jsonl", func(t *testing.T) {
		resp := env.get(t, "/api/entries?format=jsonl")
		if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
			t.Errorf("content type: %q", ct)
		}
		lines := 0
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines++
		}
		if lines != 3 {
			t.Errorf("expected 3 lines, got %d", lines)
		}
	})

	t.Run("csv", func(t *testing.T) {
		resp := env.get(t, "/api/entries?format=csv&from=1&to=1")
		records, err := csv.NewReader(resp.Body).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 2 || records[1][0] != "1" {
			t.Errorf("unexpected csv: %v", records)
		}
	})

	t.Run("match", func(t *testing.T) {
		resp := env.get(t, `/api/entries?match=*actor=%22alice%22*`)
		var got []audit.Entry
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 3 {
			t.Errorf("unexpected entries: %+v", got)
		}
	})

	t.Run("bad params", func(t *testing.T) {
		for _, path := range []string{
			"/api/entries?format=xml",
			"/api/entries?from=abc",
			"/api/entries?since=yesterday",
			"/api/entries?limit=-1",
		} {
			if resp := env.get(t, path); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
			}
		}
	})
}

func TestTailAndActors(t *testing.T) {
	env := newTestEnv(t, true)
	for i := 0; i < 5; i++ {
		appendAction(t, env, fmt.Sprintf("user-%d", i%2), fmt.Sprintf("action %d", i))
	}

	resp := env.get(t, "/api/tail?n=2")
	var tail []audit.Entry
	if err := json.NewDecoder(resp.Body).Decode(&tail); err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("unexpected tail: %+v", tail)
	}

	if resp := env.get(t, "/api/tail?n=0"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("n=0: expected 400, got %d", resp.StatusCode)
	}

	resp = env.get(t, "/api/actors")
	var actors []actor.Actor
	if err := json.NewDecoder(resp.Body).Decode(&actors); err != nil {
		t.Fatal(err)
	}
	if len(actors) != 2 || actors[0].ID != "user-0" || actors[0].Stats.Appends != 3 {
		t.Errorf("unexpected actors: %+v", actors)
	}
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t, true)
	appendAction(t, env, "alice", "a")

	resp := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}

	resp = env.get(t, "/api/stats")
	var stats struct {
		Log         audit.Stats `json:"log"`
		FeedClients int         `json:"feed_clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Log.Appends != 1 {
		t.Errorf("appends: expected 1, got %d", stats.Log.Appends)
	}
}

func TestFeed_BroadcastsCommittedEntries(t *testing.T) {
	env := newTestEnv(t, true)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.feed.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("feed client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ack := appendAction(t, env, "alice", "book 42 deleted")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var e audit.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Seq != ack.Seq || !strings.Contains(e.Message, `action="book 42 deleted"`) {
		t.Errorf("unexpected feed entry: %+v", e)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w after 3 attempts", audit.ErrConflictRetryExhausted), http.StatusConflict},
		{audit.ErrUninitialized, http.StatusPreconditionFailed},
		{fmt.Errorf("%w: disk gone", audit.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
