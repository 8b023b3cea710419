package models

import (
	"slices"
	"time"
)

// Message represents a single entry in a conversation. For assistant messages
// the struct carries the full streaming state: the accumulated content and
// thinking trace, the progress steps reported while the reply was in flight,
// and the history of prior answers produced by retries.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"created_at"`

	// Thinking is the accumulated reasoning trace, kept separate from Content.
	Thinking string `json:"thinking,omitempty"`
	// ThinkingCollapsed is a display preference; streaming never resets it.
	ThinkingCollapsed bool `json:"thinking_collapsed,omitempty"`
	// ThinkingDone flips to true only on a terminal event.
	ThinkingDone bool `json:"thinking_done,omitempty"`

	// StatusSteps holds progress sub-steps in first-seen order. Only
	// meaningful while the reply is in flight.
	StatusSteps []StatusStep `json:"status_steps,omitempty"`

	// RetryVersions holds prior contents of this message slot, oldest first.
	// It grows by one each time a retry replaces the displayed answer.
	RetryVersions []string `json:"retry_versions,omitempty"`
	// SelectedVersion is 0 for the current answer, 1..len(RetryVersions) for
	// a historical one (1-based index into RetryVersions).
	SelectedVersion int `json:"selected_version,omitempty"`

	Lifecycle Lifecycle `json:"lifecycle"`

	// ErrorNote carries the upstream error text for an Errored message,
	// rendered apart from any partial content.
	ErrorNote string `json:"error_note,omitempty"`
}

// DisplayedContent resolves the text the rendering layer should show,
// honoring the selected retry version.
func (m Message) DisplayedContent() string {
	if m.SelectedVersion > 0 && m.SelectedVersion <= len(m.RetryVersions) {
		return m.RetryVersions[m.SelectedVersion-1]
	}
	return m.Content
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	m.StatusSteps = slices.Clone(m.StatusSteps)
	m.RetryVersions = slices.Clone(m.RetryVersions)
	return m
}

// StatusStep is one progress sub-step of an in-flight reply. Steps are
// upserted by StepID: later updates rewrite Message/Status/ElapsedMS in place
// while Order keeps the first-seen display position.
type StatusStep struct {
	StepID    string     `json:"step_id"`
	Key       string     `json:"key"`
	Message   string     `json:"message"`
	Status    StepStatus `json:"status"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`
	Order     int        `json:"order"`
}

// Role represents the role of a message participant.
type Role string

// Lifecycle represents where a message is in its streaming life.
type Lifecycle string

// StepStatus represents the state of a single progress sub-step.
type StepStatus string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message.
	RoleSystem Role = "system"

	// LifecyclePending marks a placeholder shown before any reply byte.
	LifecyclePending Lifecycle = "pending"
	// LifecycleStreaming marks a message that has received its first byte.
	LifecycleStreaming Lifecycle = "streaming"
	// LifecycleDone marks a successfully completed reply.
	LifecycleDone Lifecycle = "done"
	// LifecycleStopped marks a reply cut short by a stop; partial content is kept.
	LifecycleStopped Lifecycle = "stopped"
	// LifecycleErrored marks a reply ended by an upstream or transport failure.
	LifecycleErrored Lifecycle = "errored"

	// StepRunning marks a sub-step still in progress.
	StepRunning StepStatus = "running"
	// StepDone marks a completed sub-step.
	StepDone StepStatus = "done"
	// StepError marks a failed sub-step.
	StepError StepStatus = "error"
)

// Terminal reports whether the lifecycle is one of the end states.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleDone || l == LifecycleStopped || l == LifecycleErrored
}
