package engine

import (
	"context"
	"errors"

	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

// ErrNotFound is returned by stores when a message or conversation is absent.
var ErrNotFound = errors.New("not found")

// Store is the message store the engine mutates while a reply streams in.
// Implementations must be safe for concurrent use; the engine serializes its
// own writes per conversation but readers may snapshot at any time.
type Store interface {
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	Message(ctx context.Context, conversationID, messageID string) (models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) error
	UpdateMessage(ctx context.Context, conversationID string, message models.Message) error
	RemoveMessage(ctx context.Context, conversationID, messageID string) error
}
