package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wrenbyte/llm-stream-ui/internal/models"
	"github.com/wrenbyte/llm-stream-ui/internal/stream"
)

// session is the transient state of one send or retry operation. It lives
// from dispatch until the terminal frame, a transport failure, or an explicit
// stop, whichever comes first, and is destroyed by teardown.
type session struct {
	conversationID string
	// messageID is the message the session mutates: the placeholder until
	// promotion for a fresh send, or the retried message itself.
	messageID       string
	serverMessageID string
	retry           bool

	// created flips when the first streamed byte promotes the placeholder.
	created bool
	// firstChunkConsumed flips when a retry's first token has replaced the
	// old content.
	firstChunkConsumed bool
	// terminal flips when a terminal event has been applied. Guarded by the
	// engine mutex.
	terminal bool

	priorContent   string
	priorLifecycle models.Lifecycle

	stopRequested atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	sched  *scheduler
	norm   *stream.Normalizer

	teardownOnce sync.Once
	done         chan struct{}
}

func (e *Engine) newSession(conversationID, messageID string, retry bool) *session {
	ctx, cancel := context.WithCancel(context.Background())

	sess := &session{
		conversationID: conversationID,
		messageID:      messageID,
		retry:          retry,
		ctx:            ctx,
		cancel:         cancel,
		norm:           &stream.Normalizer{},
		done:           make(chan struct{}),
	}
	sess.sched = newScheduler(e.interval, e.contentSlice, e.thinkingSlice,
		func(content, thinking string) {
			e.applyDeltas(sess, content, thinking)
		})

	return sess
}
