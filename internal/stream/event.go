package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

// EventType identifies a frame on the reply stream.
type EventType string

const (
	// EventStart carries the server-assigned id for the reply, if any.
	EventStart EventType = "start"
	// EventStatus is a progress sub-step upsert.
	EventStatus EventType = "status"
	// EventThinking is a delta to append to the reasoning trace.
	EventThinking EventType = "thinking"
	// EventToken is a delta to append to the final content.
	EventToken EventType = "token"
	// EventDone is the terminal success frame.
	EventDone EventType = "done"
	// EventStopped is the terminal frame for a user- or server-initiated stop.
	EventStopped EventType = "stopped"
	// EventError is the terminal failure frame.
	EventError EventType = "error"

	// EventIgnore is the sentinel for frames the normalizer discards.
	EventIgnore EventType = ""
)

// Terminal reports whether the event type ends a streaming session.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventStopped || t == EventError
}

// RawEvent is a frame as produced by the transport adapter: the event-type tag
// plus its undecoded JSON payload.
type RawEvent struct {
	Type string
	Data []byte
}

// Event is a normalized frame ready for the reconciliation engine. Exactly the
// fields relevant to Type are populated.
type Event struct {
	Type EventType

	// MessageID is set for start and done frames when the server supplied one.
	MessageID string
	// Step is set for status frames, with Order already assigned.
	Step models.StatusStep
	// Delta is set for thinking and token frames; defaults to empty.
	Delta string
	// Message is the authoritative final message, when done/stopped carries one.
	Message *FinalMessage
	// Err is the upstream error text for error frames.
	Err string
}

// FinalMessage is the server's authoritative view of the finished reply,
// attached to a terminal frame. HasRetryVersions distinguishes an explicit
// (possibly empty) list from an absent one.
type FinalMessage struct {
	ID               string
	Content          string
	Thinking         string
	RetryVersions    []string
	HasRetryVersions bool
}

type startPayload struct {
	MessageID string `json:"message_id"`
}

type statusPayload struct {
	StepID    string `json:"step_id"`
	Key       string `json:"key"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type deltaPayload struct {
	Content string `json:"content"`
}

type terminalPayload struct {
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type wireMessage struct {
	ID            string          `json:"id"`
	Content       string          `json:"content"`
	Thinking      string          `json:"thinking"`
	RetryVersions json.RawMessage `json:"retry_versions"`
}

// Normalizer validates and defaults raw frames into Events. It also assigns a
// monotonically increasing order to status frames; the engine keeps the
// first-seen order when it upserts a step. A Normalizer is scoped to one
// streaming session and is not safe for concurrent use.
type Normalizer struct {
	order int
}

// Normalize turns a raw frame into an Event. Unknown frame types and status
// frames missing their step id or message normalize to EventIgnore. A payload
// that fails to decode is reported as an error so the caller can drop the
// single offending frame without ending the stream.
func (n *Normalizer) Normalize(raw RawEvent) (Event, error) {
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch EventType(raw.Type) {
	case EventStart:
		var p startPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode start event: %w", err)
		}
		return Event{Type: EventStart, MessageID: p.MessageID}, nil

	case EventStatus:
		var p statusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode status event: %w", err)
		}
		if p.StepID == "" || p.Message == "" {
			return Event{Type: EventIgnore}, nil
		}
		n.order++
		return Event{
			Type: EventStatus,
			Step: models.StatusStep{
				StepID:    p.StepID,
				Key:       p.Key,
				Message:   p.Message,
				Status:    stepStatus(p.Status),
				ElapsedMS: p.ElapsedMS,
				Order:     n.order,
			},
		}, nil

	case EventThinking, EventToken:
		var p deltaPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", raw.Type, err)
		}
		return Event{Type: EventType(raw.Type), Delta: p.Content}, nil

	case EventDone, EventStopped:
		var p terminalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", raw.Type, err)
		}
		final, err := decodeFinalMessage(p.Message)
		if err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", raw.Type, err)
		}
		return Event{Type: EventType(raw.Type), MessageID: p.MessageID, Message: final}, nil

	case EventError:
		var p errorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode error event: %w", err)
		}
		if p.Error == "" {
			p.Error = "unknown upstream error"
		}
		return Event{Type: EventError, Err: p.Error}, nil

	default:
		return Event{Type: EventIgnore}, nil
	}
}

func stepStatus(s string) models.StepStatus {
	switch models.StepStatus(s) {
	case models.StepDone:
		return models.StepDone
	case models.StepError:
		return models.StepError
	default:
		return models.StepRunning
	}
}

// decodeFinalMessage decodes the optional message object on a terminal frame.
// Stopped frames from the upstream may carry a plain notice string in the
// message field instead of an object; that counts as absent.
func decodeFinalMessage(raw json.RawMessage) (*FinalMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '"' {
		return nil, nil
	}

	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, err
	}

	final := &FinalMessage{
		ID:       wm.ID,
		Content:  wm.Content,
		Thinking: wm.Thinking,
	}

	versions, ok, err := decodeRetryVersions(wm.RetryVersions)
	if err != nil {
		return nil, err
	}
	final.RetryVersions = versions
	final.HasRetryVersions = ok

	return final, nil
}

// decodeRetryVersions accepts the retry history either as a JSON array or as a
// JSON-encoded string holding one; the upstream passes its storage column
// through verbatim.
func decodeRetryVersions(raw json.RawMessage) ([]string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, false, err
		}
		raw = []byte(inner)
	}

	var versions []string
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, false, err
	}
	return versions, true, nil
}
