package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"supportchat/internal/app"
	"supportchat/internal/ratelimit"
	"supportchat/pkg/ai"
	"supportchat/pkg/domain"
	"supportchat/pkg/store"
)

type scriptedGenerator struct {
	chunks []string
}

func (g *scriptedGenerator) StreamText(_ context.Context, _ []ai.Turn, onDelta func(string) error) (string, error) {
	var full strings.Builder
	for _, chunk := range g.chunks {
		full.WriteString(chunk)
		if onDelta != nil {
			if err := onDelta(chunk); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// gatedGenerator emits "first ", signals firstSent, then blocks until release
// before emitting "second". It aborts if the caller's context is cancelled
// while parked, so tests can observe whether a dropped client cuts the
// exchange short.
type gatedGenerator struct {
	firstSent chan struct{}
	release   chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{firstSent: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedGenerator) StreamText(ctx context.Context, _ []ai.Turn, onDelta func(string) error) (string, error) {
	if err := onDelta("first "); err != nil {
		return "first ", err
	}
	close(g.firstSent)
	select {
	case <-g.release:
	case <-ctx.Done():
		return "first ", ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "first ", err
	}
	if err := onDelta("second"); err != nil {
		return "first second", err
	}
	return "first second", nil
}

func newTestServer(t *testing.T, mem *store.MemoryStore, gen ai.StreamGenerator) *httptest.Server {
	t.Helper()
	core, err := app.New(app.Config{Store: mem, Generator: gen})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: core}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postChat(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	return resp
}

func TestFreshClientScenario(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{chunks: []string{"30-day ", "return policy."}})

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"What's your return policy?"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sessionID := resp.Header.Get(SessionHeader)
	if sessionID == "" {
		t.Fatalf("expected %s header on a fresh session", SessionHeader)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "30-day return policy." {
		t.Fatalf("streamed body = %q", body)
	}

	// A following GET returns both sides in order.
	histResp, err := http.Get(srv.URL + "/api/chat?sessionId=" + sessionID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want 200", histResp.StatusCode)
	}
	var hist historyResponse
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if hist.SessionID != sessionID {
		t.Fatalf("history sessionId = %q, want %q", hist.SessionID, sessionID)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Role != "user" || hist.Messages[0].Content != "What's your return policy?" {
		t.Fatalf("first history entry = %+v", hist.Messages[0])
	}
	if hist.Messages[1].Role != "assistant" || hist.Messages[1].Content != "30-day return policy." {
		t.Fatalf("second history entry = %+v", hist.Messages[1])
	}
	if hist.Messages[0].ID == "" || hist.Messages[0].CreatedAt.IsZero() {
		t.Fatalf("history entries must carry id and createdAt: %+v", hist.Messages[0])
	}
	if hist.Messages[1].CreatedAt.Before(hist.Messages[0].CreatedAt) {
		t.Fatalf("history not in ascending timestamp order")
	}
}

func TestPostStreamsChunksIncrementally(t *testing.T) {
	mem := store.NewMemoryStore()
	gen := newGatedGenerator()
	srv := newTestServer(t, mem, gen)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"Do you ship abroad?"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The first chunk must be readable while the generator is still parked
	// before its second chunk. A handler that buffered the reply would leave
	// this read blocked until the deadline.
	firstRead := make(chan string, 1)
	go func() {
		buf := make([]byte, len("first "))
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			firstRead <- "read error: " + err.Error()
			return
		}
		firstRead <- string(buf)
	}()
	select {
	case got := <-firstRead:
		if got != "first " {
			t.Fatalf("first chunk = %q, want %q", got, "first ")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first chunk was not flushed before the reply finished")
	}

	close(gen.release)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest of stream: %v", err)
	}
	if string(rest) != "second" {
		t.Fatalf("rest of stream = %q, want %q", rest, "second")
	}
}

func TestClientDisconnectDoesNotAbortExchange(t *testing.T) {
	mem := store.NewMemoryStore()
	gen := newGatedGenerator()
	srv := newTestServer(t, mem, gen)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"still there?"}]}`)
	sessionID := resp.Header.Get(SessionHeader)
	buf := make([]byte, len("first "))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	<-gen.firstSent

	// Drop the connection mid-stream, give the cancellation time to reach the
	// handler, then let the generator finish.
	resp.Body.Close()
	time.Sleep(100 * time.Millisecond)
	close(gen.release)

	deadline := time.Now().Add(2 * time.Second)
	for mem.MessageCount(sessionID) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("assistant message was not persisted after the client disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs, err := mem.ListMessages(sessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if msgs[1].Role != domain.RoleAI || msgs[1].Content != "first second" {
		t.Fatalf("assistant message = %+v, want the full reply", msgs[1])
	}
}

func TestPostReusesExistingSession(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{chunks: []string{"ok"}})

	first := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	sessionID := first.Header.Get(SessionHeader)

	second := postChat(t, srv, `{"messages":[{"role":"user","content":"again"}],"sessionId":"`+sessionID+`"}`)
	io.Copy(io.Discard, second.Body)
	second.Body.Close()
	if got := second.Header.Get(SessionHeader); got != sessionID {
		t.Fatalf("session header = %q, want %q", got, sessionID)
	}
	if mem.ConversationCount() != 1 {
		t.Fatalf("conversation count = %d, want 1", mem.ConversationCount())
	}
}

func TestPostUnknownSessionIs404WithoutMutation(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{chunks: []string{"ok"}})

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"sessionId":"ghost"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if mem.ConversationCount() != 0 || mem.MessageCount("ghost") != 0 {
		t.Fatalf("unknown session must not mutate the store")
	}
}

func TestPostValidation(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{chunks: []string{"ok"}})

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"whitespace only", `{"messages":[{"role":"user","content":"   \n "}]}`},
		{"invalid json", `{"messages":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postChat(t, srv, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if mem.ConversationCount() != 0 {
		t.Fatalf("validation failures must not create conversations")
	}
}

func TestPostAcceptsContentPartsArray(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{chunks: []string{"ok"}})

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":[{"type":"text","text":"parts question"}]}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sessionID := resp.Header.Get(SessionHeader)
	msgs, _ := mem.ListMessages(sessionID)
	if len(msgs) == 0 || msgs[0].Content != "parts question" {
		t.Fatalf("persisted messages = %+v", msgs)
	}
}

func TestGetValidation(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{})

	resp, err := http.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sessionId status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/chat?sessionId=ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown sessionId status = %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mem := store.NewMemoryStore()
	srv := newTestServer(t, mem, &scriptedGenerator{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRateLimitBlocksOverQuota(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.New(ratelimit.Config{Addr: redis.Addr(), Limit: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	core, err := app.New(app.Config{Store: store.NewMemoryStore(), Generator: &scriptedGenerator{chunks: []string{"ok"}}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: core, Limiter: limiter}).Router())
	defer srv.Close()

	first, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}

	second, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(), &scriptedGenerator{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
