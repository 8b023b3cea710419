package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Client is the transport adapter for the upstream reply stream. It opens a
// single long-lived connection per send and produces a lazy, cancellable
// sequence of raw frames. Frame assembly across partial network reads is owned
// by the SSE reader, so frames are yielded exactly once, complete, and in
// arrival order.
type Client struct {
	baseURL string

	client *http.Client
}

// NewClient creates a Client for the upstream API rooted at baseURL.
func NewClient(baseURL string) Client {
	return Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// APIConfig carries the generation parameters forwarded to the upstream.
type APIConfig struct {
	APIKey           string  `json:"api_key,omitempty"`
	BaseURL          string  `json:"base_url,omitempty"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
}

// ChatRequest describes one send or retry operation. A non-empty
// RetryMessageID selects retry semantics upstream; SelectedVersions tells the
// upstream which retry version of each message was visible when the request
// was dispatched.
type ChatRequest struct {
	ConversationID   string         `json:"conversation_id"`
	ToolID           string         `json:"tool_id,omitempty"`
	Message          string         `json:"message"`
	Images           []string       `json:"images,omitempty"`
	APIConfig        APIConfig      `json:"api_config"`
	ContextRounds    int            `json:"context_rounds,omitempty"`
	RetryMessageID   string         `json:"retry_message_id,omitempty"`
	SelectedVersions map[string]int `json:"selected_versions,omitempty"`
}

// Stream opens the reply stream for the given request and yields its frames.
// Cancelling the context stops the underlying connection and terminates the
// sequence quietly, so a caller that initiated a graceful stop sees no error.
// Any other transport failure is yielded once and ends the sequence.
func (c Client) Stream(ctx context.Context, chatReq ChatRequest) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		jsonBody, err := json.Marshal(chatReq)
		if err != nil {
			yield(RawEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/stream", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(RawEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(RawEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			yield(RawEvent{}, fmt.Errorf("unexpected status %d: %s",
				resp.StatusCode, bytes.TrimSpace(body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(RawEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			if !yield(RawEvent{Type: ev.Type, Data: []byte(ev.Data)}, nil) {
				return
			}
		}
	}
}

// Stop fires the out-of-band stop call for a conversation. It is idempotent:
// the upstream answering that no stream is active is not an error, so calling
// it after the stream already finished is safe.
func (c Client) Stop(ctx context.Context, conversationID string) error {
	body, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return fmt.Errorf("error marshaling stop request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/stop", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating stop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending stop request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected stop status %d", resp.StatusCode)
	}
	return nil
}
