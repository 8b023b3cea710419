package engine

import (
	"context"
	"fmt"
)

// SelectVersion sets which answer of a message slot is displayed: 0 for the
// current one, 1..n for a retry version. Out-of-range indexes are clamped.
func (e *Engine) SelectVersion(ctx context.Context, conversationID, messageID string, index int) error {
	e.mu.Lock()

	msg, err := e.store.Message(ctx, conversationID, messageID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to load message %s: %w", messageID, err)
	}

	if index < 0 {
		index = 0
	}
	if index > len(msg.RetryVersions) {
		index = len(msg.RetryVersions)
	}
	msg.SelectedVersion = index

	if err := e.store.UpdateMessage(ctx, conversationID, msg); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}
	e.mu.Unlock()

	e.notifyChange(conversationID)
	return nil
}

// CycleVersion moves the displayed version by step (negative for previous),
// wrapping around the full set of answers.
func (e *Engine) CycleVersion(ctx context.Context, conversationID, messageID string, step int) error {
	e.mu.Lock()

	msg, err := e.store.Message(ctx, conversationID, messageID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to load message %s: %w", messageID, err)
	}

	n := len(msg.RetryVersions) + 1
	msg.SelectedVersion = ((msg.SelectedVersion+step)%n + n) % n

	if err := e.store.UpdateMessage(ctx, conversationID, msg); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}
	e.mu.Unlock()

	e.notifyChange(conversationID)
	return nil
}

// DisplayedContent resolves the currently visible text of a message.
func (e *Engine) DisplayedContent(ctx context.Context, conversationID, messageID string) (string, error) {
	msg, err := e.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return "", err
	}
	return msg.DisplayedContent(), nil
}
