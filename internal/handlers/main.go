package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/wrenbyte/llm-stream-ui/internal/engine"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

const errLoggerKey = "err"

// Engine drives reply streams and owns per-conversation message state. It is
// implemented by *engine.Engine.
type Engine interface {
	Send(ctx context.Context, conversationID, text string, images []string) (string, string, error)
	Retry(ctx context.Context, conversationID, messageID string) error
	Stop(ctx context.Context, conversationID string) error
	SelectVersion(ctx context.Context, conversationID, messageID string, index int) error
	CycleVersion(ctx context.Context, conversationID, messageID string, step int) error
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	InFlight(conversationID string) bool
	Watch() (*engine.Watcher, func())
}

// ConversationStore manages conversation records.
type ConversationStore interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conversation models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conversation models.Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Main exposes the engine to the rendering layer: JSON endpoints for actions
// and snapshots, and a server-sent-events feed that re-broadcasts message
// snapshots whenever a conversation changes. Clients subscribe to a
// conversation's topic by passing its id as a query parameter.
type Main struct {
	sseSrv *sse.Server
	logger *slog.Logger

	engine Engine
	store  ConversationStore
}

var messagesSSEType = sse.Type("messages")

// NewMain creates a Main over the given engine and conversation store. The
// SSE server subscribes each session to the default topic plus the
// conversation topic it asks for.
func NewMain(eng Engine, store ConversationStore, logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.Default()
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				// We create a conversation-specific topic if the client
				// requests updates for a particular conversation
				conversationID := s.Req.URL.Query().Get("conversation_id")
				if conversationID != "" {
					topics = append(topics, conversationTopic(conversationID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger: logger,
		engine: eng,
		store:  store,
	}
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// HandleSSE serves the event stream for connected rendering clients.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Run pumps engine change notifications into SSE publishes until the context
// ends. The engine coalesces changes per conversation, so each publish carries
// a fresh full snapshot and clients never miss a final state.
func (m Main) Run(ctx context.Context) {
	watcher, cancel := m.engine.Watch()
	defer cancel()

	for {
		ids, err := watcher.Wait(ctx)
		if err != nil {
			return
		}
		for _, conversationID := range ids {
			m.publishMessages(conversationID)
		}
	}
}

func (m Main) publishMessages(conversationID string) {
	messages, err := m.engine.Messages(context.Background(), conversationID)
	if err != nil {
		m.logger.Error("Failed to snapshot messages",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		m.logger.Error("Failed to marshal messages",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(string(payload))
	if err := m.sseSrv.Publish(e, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish messages",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close event
// to all connected clients and waits up to 5 seconds for connections to
// terminate before forcing them closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
