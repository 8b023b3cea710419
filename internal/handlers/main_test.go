package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/wrenbyte/llm-stream-ui/internal/engine"
	"github.com/wrenbyte/llm-stream-ui/internal/handlers"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
	"github.com/wrenbyte/llm-stream-ui/internal/stream"
)

// scriptedStreamer plays a fixed frame list into the engine.
type scriptedStreamer struct {
	frames []stream.RawEvent
}

func (s *scriptedStreamer) Stream(_ context.Context, _ stream.ChatRequest) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		for _, f := range s.frames {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *scriptedStreamer) Stop(context.Context, string) error { return nil }

// blockingStreamer holds the stream open until the context is cancelled, so a
// conversation stays in flight for as long as a test needs it to.
type blockingStreamer struct{}

func (s *blockingStreamer) Stream(ctx context.Context, _ stream.ChatRequest) iter.Seq2[stream.RawEvent, error] {
	return func(func(stream.RawEvent, error) bool) {
		<-ctx.Done()
	}
}

func (s *blockingStreamer) Stop(context.Context, string) error { return nil }

type mockConversationStore struct {
	conversations []models.Conversation
}

func (m *mockConversationStore) Conversations(context.Context) ([]models.Conversation, error) {
	return slices.Clone(m.conversations), nil
}

func (m *mockConversationStore) AddConversation(_ context.Context, c models.Conversation) (string, error) {
	m.conversations = append(m.conversations, c)
	return c.ID, nil
}

func (m *mockConversationStore) UpdateConversation(_ context.Context, c models.Conversation) error {
	idx := slices.IndexFunc(m.conversations, func(e models.Conversation) bool { return e.ID == c.ID })
	if idx >= 0 {
		m.conversations[idx] = c
	}
	return nil
}

func (m *mockConversationStore) DeleteConversation(_ context.Context, id string) error {
	m.conversations = slices.DeleteFunc(m.conversations, func(e models.Conversation) bool { return e.ID == id })
	return nil
}

type fixture struct {
	main      handlers.Main
	engine    *engine.Engine
	messages  *engine.MemoryStore
	convStore *mockConversationStore
}

func newFixture(t *testing.T, streamer engine.Streamer) fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messages := engine.NewMemoryStore()
	eng := engine.New(streamer, messages,
		engine.WithLogger(logger),
		engine.WithPlaybackInterval(time.Millisecond))
	convStore := &mockConversationStore{}
	return fixture{
		main:      handlers.NewMain(eng, convStore, logger),
		engine:    eng,
		messages:  messages,
		convStore: convStore,
	}
}

func doneFrames() []stream.RawEvent {
	return []stream.RawEvent{
		{Type: "token", Data: []byte(`{"content":"Hi"}`)},
		{Type: "done", Data: []byte(`{}`)},
	}
}

func (f fixture) awaitIdle(t *testing.T, conversationID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx, conversationID); err != nil {
		t.Fatalf("stream did not finish: %v", err)
	}
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{
			name:       "valid request",
			method:     http.MethodPost,
			body:       `{"conversation_id":"conv-1","message":"Hello"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			body:       "",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "invalid body",
			method:     http.MethodPost,
			body:       "not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing conversation id",
			method:     http.MethodPost,
			body:       `{"message":"Hello"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing message",
			method:     http.MethodPost,
			body:       `{"conversation_id":"conv-1"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &scriptedStreamer{frames: doneFrames()})

			req := httptest.NewRequest(tt.method, "/api/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			f.main.HandleChat(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus == http.StatusAccepted {
				var resp map[string]string
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("invalid response body: %v", err)
				}
				if resp["user_message_id"] == "" || resp["assistant_message_id"] == "" {
					t.Errorf("expected both message ids, got %v", resp)
				}
				f.awaitIdle(t, "conv-1")
			}
		})
	}
}

func TestHandleChatConflict(t *testing.T) {
	f := newFixture(t, &blockingStreamer{})

	first := httptest.NewRecorder()
	f.main.HandleChat(first, httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"conversation_id":"conv-1","message":"one"}`)))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first send failed: %d %s", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	f.main.HandleChat(second, httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"conversation_id":"conv-1","message":"two"}`)))
	if second.Code != http.StatusConflict {
		t.Errorf("got status %d, want %d", second.Code, http.StatusConflict)
	}

	stop := httptest.NewRecorder()
	f.main.HandleStop(stop, httptest.NewRequest(http.MethodPost, "/api/chat/stop",
		strings.NewReader(`{"conversation_id":"conv-1"}`)))
	if stop.Code != http.StatusOK {
		t.Errorf("stop failed: %d", stop.Code)
	}
	f.awaitIdle(t, "conv-1")
}

func TestHandleStopIdempotent(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{})

	// Stopping a conversation with nothing in flight succeeds.
	w := httptest.NewRecorder()
	f.main.HandleStop(w, httptest.NewRequest(http.MethodPost, "/api/chat/stop",
		strings.NewReader(`{"conversation_id":"conv-1"}`)))
	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleRetryValidation(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{})

	w := httptest.NewRecorder()
	f.main.HandleRetry(w, httptest.NewRequest(http.MethodPost, "/api/chat/retry",
		strings.NewReader(`{"conversation_id":"conv-1"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}

	// Retrying a message that does not exist maps to 404.
	w = httptest.NewRecorder()
	f.main.HandleRetry(w, httptest.NewRequest(http.MethodPost, "/api/chat/retry",
		strings.NewReader(`{"conversation_id":"conv-1","message_id":"ghost"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want %d: %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestHandleMessages(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{frames: doneFrames()})

	w := httptest.NewRecorder()
	f.main.HandleChat(w, httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"conversation_id":"conv-1","message":"Hello"}`)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("send failed: %d", w.Code)
	}
	f.awaitIdle(t, "conv-1")

	w = httptest.NewRecorder()
	f.main.HandleMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id=conv-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
		InFlight bool             `json:"in_flight"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(resp.Messages))
	}
	if resp.Messages[1].Content != "Hi" {
		t.Errorf("got assistant content %q, want %q", resp.Messages[1].Content, "Hi")
	}
	if resp.InFlight {
		t.Error("conversation should not be in flight after the stream finished")
	}

	// Missing conversation id is rejected.
	w = httptest.NewRecorder()
	f.main.HandleMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleConversations(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{})

	// Create with a default title.
	w := httptest.NewRecorder()
	f.main.HandleConversations(w, httptest.NewRequest(http.MethodPost, "/api/conversations",
		strings.NewReader(`{}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	var created models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if created.ID == "" {
		t.Error("expected a generated conversation id")
	}
	if created.Title != "New conversation" {
		t.Errorf("got title %q, want default", created.Title)
	}

	// List.
	w = httptest.NewRecorder()
	f.main.HandleConversations(w, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var listed []models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("got %d conversations, want 1", len(listed))
	}

	// Delete.
	w = httptest.NewRecorder()
	f.main.HandleConversations(w, httptest.NewRequest(http.MethodDelete, "/api/conversations?id="+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if len(f.convStore.conversations) != 0 {
		t.Errorf("conversation was not deleted")
	}

	// Delete without an id is rejected.
	w = httptest.NewRecorder()
	f.main.HandleConversations(w, httptest.NewRequest(http.MethodDelete, "/api/conversations", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRenameConversation(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{})
	f.convStore.conversations = []models.Conversation{
		{ID: "c1", Title: "Old", CreatedAt: time.Now()},
	}

	w := httptest.NewRecorder()
	f.main.HandleRenameConversation(w, httptest.NewRequest(http.MethodPost, "/api/conversations/rename",
		strings.NewReader(`{"id":"c1","title":"New"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	if f.convStore.conversations[0].Title != "New" {
		t.Errorf("got title %q, want %q", f.convStore.conversations[0].Title, "New")
	}

	// Renaming an unknown conversation is a 404.
	w = httptest.NewRecorder()
	f.main.HandleRenameConversation(w, httptest.NewRequest(http.MethodPost, "/api/conversations/rename",
		strings.NewReader(`{"id":"ghost","title":"New"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleVersionEndpoints(t *testing.T) {
	f := newFixture(t, &scriptedStreamer{})

	if err := f.messages.AddMessage(context.Background(), "conv-1", models.Message{
		ID:            "m1",
		Role:          models.RoleAssistant,
		Content:       "current",
		RetryVersions: []string{"v1"},
		Lifecycle:     models.LifecycleDone,
	}); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	f.main.HandleSelectVersion(w, httptest.NewRequest(http.MethodPost, "/api/messages/select-version",
		strings.NewReader(`{"conversation_id":"conv-1","message_id":"m1","index":1}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("select: got status %d: %s", w.Code, w.Body.String())
	}

	msg, err := f.messages.Message(context.Background(), "conv-1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.SelectedVersion != 1 {
		t.Errorf("got selected version %d, want 1", msg.SelectedVersion)
	}

	// A cycle with no step moves forward by one, wrapping at the end.
	w = httptest.NewRecorder()
	f.main.HandleCycleVersion(w, httptest.NewRequest(http.MethodPost, "/api/messages/cycle-version",
		strings.NewReader(`{"conversation_id":"conv-1","message_id":"m1"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("cycle: got status %d: %s", w.Code, w.Body.String())
	}

	msg, err = f.messages.Message(context.Background(), "conv-1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.SelectedVersion != 0 {
		t.Errorf("got selected version %d, want 0 after wrap", msg.SelectedVersion)
	}

	// Unknown message maps to 404.
	w = httptest.NewRecorder()
	f.main.HandleSelectVersion(w, httptest.NewRequest(http.MethodPost, "/api/messages/select-version",
		strings.NewReader(`{"conversation_id":"conv-1","message_id":"ghost","index":1}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want %d", w.Code, http.StatusNotFound)
	}
}
