package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wrenbyte/llm-stream-ui/internal/engine"
)

type chatRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	Images         []string `json:"images,omitempty"`
}

type retryRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type stopRequest struct {
	ConversationID string `json:"conversation_id"`
}

type selectVersionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Index          int    `json:"index"`
}

type cycleVersionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Step           int    `json:"step"`
}

// HandleChat dispatches a user message. The user message and the assistant
// placeholder are visible immediately; the reply streams in over the SSE feed.
// A conversation with a reply already in flight rejects the send with 409.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	userMsgID, assistantMsgID, err := m.engine.Send(r.Context(), req.ConversationID, req.Message, req.Images)
	if err != nil {
		m.handleEngineError(w, "Failed to send message", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"user_message_id":      userMsgID,
		"assistant_message_id": assistantMsgID,
	})
}

// HandleRetry regenerates the reply for an existing assistant message,
// preserving the old answer as a retry version once the new one lands.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.MessageID == "" {
		http.Error(w, "Conversation id and message id are required", http.StatusBadRequest)
		return
	}

	if err := m.engine.Retry(r.Context(), req.ConversationID, req.MessageID); err != nil {
		m.handleEngineError(w, "Failed to retry message", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": req.MessageID})
}

// HandleStop requests cancellation of the conversation's active reply stream.
// It is idempotent and safe after the stream has already finished.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	if err := m.engine.Stop(r.Context(), req.ConversationID); err != nil {
		m.handleEngineError(w, "Failed to stop stream", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleMessages returns the conversation's message snapshot.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	messages, err := m.engine.Messages(r.Context(), conversationID)
	if err != nil {
		m.handleEngineError(w, "Failed to get messages", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":  messages,
		"in_flight": m.engine.InFlight(conversationID),
	})
}

// HandleSelectVersion sets which retry version of a message is displayed.
func (m Main) HandleSelectVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req selectVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.MessageID == "" {
		http.Error(w, "Conversation id and message id are required", http.StatusBadRequest)
		return
	}

	if err := m.engine.SelectVersion(r.Context(), req.ConversationID, req.MessageID, req.Index); err != nil {
		m.handleEngineError(w, "Failed to select version", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleCycleVersion moves the displayed version forward or backward,
// wrapping at the ends.
func (m Main) HandleCycleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cycleVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.MessageID == "" {
		http.Error(w, "Conversation id and message id are required", http.StatusBadRequest)
		return
	}
	if req.Step == 0 {
		req.Step = 1
	}

	if err := m.engine.CycleVersion(r.Context(), req.ConversationID, req.MessageID, req.Step); err != nil {
		m.handleEngineError(w, "Failed to cycle version", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (m Main) handleEngineError(w http.ResponseWriter, logMsg string, err error) {
	m.logger.Error(logMsg, slog.String(errLoggerKey, err.Error()))

	switch {
	case errors.Is(err, engine.ErrStreamInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
