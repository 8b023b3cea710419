package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

type newConversationRequest struct {
	Title string `json:"title"`
}

type renameConversationRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// HandleConversations manages conversation records: GET lists them, POST
// creates one, DELETE removes the one named by the id query parameter.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := m.store.Conversations(r.Context())
		if err != nil {
			m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, conversations)

	case http.MethodPost:
		var req newConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Title == "" {
			req.Title = "New conversation"
		}

		conversation := models.Conversation{
			ID:        uuid.New().String(),
			Title:     req.Title,
			CreatedAt: time.Now(),
		}
		id, err := m.store.AddConversation(r.Context(), conversation)
		if err != nil {
			m.logger.Error("Failed to add conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conversation.ID = id
		writeJSON(w, http.StatusCreated, conversation)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Conversation id is required", http.StatusBadRequest)
			return
		}
		if err := m.store.DeleteConversation(r.Context(), id); err != nil {
			m.logger.Error("Failed to delete conversation",
				slog.String("conversationID", id),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleRenameConversation updates a conversation's title.
func (m Main) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req renameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Title == "" {
		http.Error(w, "Conversation id and title are required", http.StatusBadRequest)
		return
	}

	conversations, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	idx := slices.IndexFunc(conversations, func(c models.Conversation) bool { return c.ID == req.ID })
	if idx == -1 {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	conversation := conversations[idx]
	conversation.Title = req.Title
	if err := m.store.UpdateConversation(r.Context(), conversation); err != nil {
		m.logger.Error("Failed to rename conversation",
			slog.String("conversationID", req.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
