package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
	chatservice "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/internal/service/spam"
	"github.com/zhouzirui/chat-relay/internal/store"
)

type fixedGenerator struct {
	fragments []string
	failAfter int
	fail      bool
}

func (g *fixedGenerator) Start(context.Context, ai.Prompt) (ai.FragmentStream, error) {
	return &fixedStream{gen: g}, nil
}

type fixedStream struct {
	gen *fixedGenerator
	pos int
}

func (s *fixedStream) Next() (string, error) {
	if s.gen.fail && s.pos == s.gen.failAfter {
		return "", &chat.GenerationError{Err: io.ErrUnexpectedEOF}
	}
	if s.pos >= len(s.gen.fragments) {
		return "", io.EOF
	}
	s.pos++
	return s.gen.fragments[s.pos-1], nil
}

func (s *fixedStream) Close() {}

func setupRouter(st store.Store, gen ai.Generator, opts ...chatservice.Option) *chi.Mux {
	handler := New(chatservice.NewService(st, gen, opts...))

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func postSend(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func readEvents(t *testing.T, body []byte) []StreamResponse {
	t.Helper()

	var events []StreamResponse
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestSendStreamsReply(t *testing.T) {
	st := store.NewMemoryStore()
	r := setupRouter(st, &fixedGenerator{fragments: []string{"Hel", "lo"}})

	resp := postSend(r, `{"sender":"alice","content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))

	events := readEvents(t, resp.Body.Bytes())
	require.Len(t, events, 4)

	assert.Equal(t, EventStart, events[0].Event)
	require.NotNil(t, events[0].Message)
	assert.Equal(t, "alice", events[0].Message.Sender)
	assert.Equal(t, "hi", events[0].Message.Content)

	assert.Equal(t, EventDelta, events[1].Event)
	assert.Equal(t, "Hel", events[1].Content)
	assert.Equal(t, EventDelta, events[2].Event)
	assert.Equal(t, "lo", events[2].Content)

	assert.Equal(t, EventEnd, events[3].Event)
	assert.True(t, events[3].Finished)
	require.NotNil(t, events[3].Message)
	assert.Equal(t, chat.BotSender, events[3].Message.Sender)
	assert.Equal(t, "Hello", events[3].Message.Content)

	got, err := st.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSendGenerationFailureEmitsErrorMarker(t *testing.T) {
	st := store.NewMemoryStore()
	r := setupRouter(st, &fixedGenerator{fragments: []string{"f1", "f2", "f3"}, failAfter: 2, fail: true})

	resp := postSend(r, `{"sender":"alice","content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	events := readEvents(t, resp.Body.Bytes())
	require.Len(t, events, 4)
	assert.Equal(t, "f1", events[1].Content)
	assert.Equal(t, "f2", events[2].Content)
	assert.Equal(t, EventError, events[3].Event)
	assert.NotEmpty(t, events[3].Error)
	assert.False(t, events[3].Finished)

	got, err := st.ListOrdered(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsBot())
}

func TestSendRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"sender":`},
		{"missing sender", `{"content":"hi"}`},
		{"missing content", `{"sender":"alice"}`},
		{"content too long", `{"sender":"alice","content":"` + strings.Repeat("a", 300) + `"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			r := setupRouter(st, &fixedGenerator{})

			resp := postSend(r, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])

			got, err := st.ListOrdered(context.Background())
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSendSameSenderWaitsAndPersists(t *testing.T) {
	guard := spam.NewMemoryGuard()
	release, err := guard.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	r := setupRouter(st, &fixedGenerator{fragments: []string{"ok"}}, chatservice.WithGuard(guard))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postSend(r, `{"sender":"alice","content":"hi"}`) }()

	require.Eventually(t, func() bool { return guard.Waiting("alice") == 2 }, time.Second, 5*time.Millisecond)
	got, err := st.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	release()

	var resp *httptest.ResponseRecorder
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send never proceeded")
	}
	assert.Equal(t, http.StatusOK, resp.Code)

	got, err = st.ListOrdered(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
}

func TestSendStorageUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())
	r := setupRouter(st, &fixedGenerator{})

	resp := postSend(r, `{"sender":"alice","content":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

type plainWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (w *plainWriter) Header() http.Header         { return w.header }
func (w *plainWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *plainWriter) WriteHeader(code int)        { w.code = code }

func TestSendRequiresFlusher(t *testing.T) {
	st := store.NewMemoryStore()
	r := setupRouter(st, &fixedGenerator{})

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"sender":"alice","content":"hi"}`))
	w := &plainWriter{header: make(http.Header)}
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.code)
	got, err := st.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistory(t *testing.T) {
	st := store.NewMemoryStore()
	r := setupRouter(st, &fixedGenerator{fragments: []string{"pong"}})

	postSend(r, `{"sender":"alice","content":"ping"}`)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var views []MessageView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "alice", views[0].Sender)
	assert.Equal(t, "ping", views[0].Content)
	assert.Equal(t, chat.BotSender, views[1].Sender)
	assert.Equal(t, "pong", views[1].Content)
	assert.False(t, views[1].Timestamp.Before(views[0].Timestamp))
}

func TestHistoryEmptyIsArray(t *testing.T) {
	r := setupRouter(store.NewMemoryStore(), &fixedGenerator{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/history", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())
}

func TestHistoryStorageUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())
	r := setupRouter(st, &fixedGenerator{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
