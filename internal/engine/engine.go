package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
	"github.com/wrenbyte/llm-stream-ui/internal/stream"
)

const errLoggerKey = "err"

// transportErrText is shown when the connection dies without a terminal frame.
const transportErrText = "connection to the reply stream was lost"

// ErrStreamInFlight is returned when a send or retry is rejected because the
// conversation already has an active reply stream.
var ErrStreamInFlight = errors.New("a reply is already streaming for this conversation")

// Streamer is the transport the engine drives. stream.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req stream.ChatRequest) iter.Seq2[stream.RawEvent, error]
	Stop(ctx context.Context, conversationID string) error
}

// Notifier receives user-visible notices outside the message flow, such as
// upstream errors. It is injected rather than kept as global state so hosts
// decide how notices surface.
type Notifier interface {
	Notify(level, text string)
}

// NoticeError is the level used for upstream and transport failures.
const NoticeError = "error"

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// Engine reconciles reply streams into consistent message state. It owns the
// message lifecycle: placeholder creation on send, promotion on the first
// streamed byte, paced content growth, retry-replace with version history, and
// guaranteed terminal transitions on every exit path. At most one stream is in
// flight per conversation.
//
// All message mutations are serialized behind a single mutex, so the ordering
// of status, thinking and token updates within a session follows frame arrival
// order exactly.
type Engine struct {
	streamer Streamer
	store    Store
	logger   *slog.Logger
	notifier Notifier

	apiConfig     stream.APIConfig
	toolID        string
	contextRounds int

	interval      time.Duration
	contentSlice  int
	thinkingSlice int

	mu       sync.Mutex
	sessions map[string]*session

	watchMu  sync.Mutex
	watchers map[*Watcher]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNotifier sets the sink for user-visible notices.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAPIConfig sets the generation parameters forwarded upstream.
func WithAPIConfig(cfg stream.APIConfig) Option {
	return func(e *Engine) { e.apiConfig = cfg }
}

// WithToolID routes sends through an upstream tool's system prompt.
func WithToolID(id string) Option {
	return func(e *Engine) { e.toolID = id }
}

// WithContextRounds limits upstream history to the last n user rounds.
func WithContextRounds(n int) Option {
	return func(e *Engine) { e.contextRounds = n }
}

// WithPlaybackInterval sets the pacing tick period.
func WithPlaybackInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithPlaybackSlices sets the per-tick content and thinking slice bounds.
func WithPlaybackSlices(content, thinking int) Option {
	return func(e *Engine) {
		e.contentSlice = content
		e.thinkingSlice = thinking
	}
}

// New creates an Engine over the given transport and message store.
func New(streamer Streamer, store Store, opts ...Option) *Engine {
	e := &Engine{
		streamer:      streamer,
		store:         store,
		logger:        slog.Default(),
		notifier:      nopNotifier{},
		interval:      defaultPlaybackInterval,
		contentSlice:  defaultContentSlice,
		thinkingSlice: defaultThinkingSlice,
		sessions:      make(map[string]*session),
		watchers:      make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Messages returns an ordered snapshot of the conversation's messages.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return e.store.Messages(ctx, conversationID)
}

// InFlight reports whether a reply stream is active for the conversation.
func (e *Engine) InFlight(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[conversationID]
	return ok
}

// Watch registers a change watcher. The returned func unregisters it.
func (e *Engine) Watch() (*Watcher, func()) {
	w := newWatcher()
	e.watchMu.Lock()
	e.watchers[w] = struct{}{}
	e.watchMu.Unlock()

	return w, func() {
		e.watchMu.Lock()
		delete(e.watchers, w)
		e.watchMu.Unlock()
	}
}

// Wait blocks until the conversation's active session, if any, has been torn
// down, or the context ends.
func (e *Engine) Wait(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	sess := e.sessions[conversationID]
	e.mu.Unlock()

	if sess == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.done:
		return nil
	}
}

// Send dispatches a user message and starts streaming the reply. The user
// message and a pending assistant placeholder are visible in the store before
// Send returns; their ids are returned. Send fails with ErrStreamInFlight if
// the conversation already has an active stream.
func (e *Engine) Send(ctx context.Context, conversationID, text string, images []string) (string, string, error) {
	if text == "" {
		return "", "", errors.New("message is required")
	}

	e.mu.Lock()
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return "", "", ErrStreamInFlight
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
		Lifecycle: models.LifecycleDone,
	}
	if err := e.store.AddMessage(ctx, conversationID, userMsg); err != nil {
		e.mu.Unlock()
		return "", "", fmt.Errorf("failed to add user message: %w", err)
	}

	// The placeholder appears the instant the request is dispatched, before
	// the server acknowledges anything.
	placeholder := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
		Lifecycle: models.LifecyclePending,
	}
	if err := e.store.AddMessage(ctx, conversationID, placeholder); err != nil {
		e.mu.Unlock()
		return "", "", fmt.Errorf("failed to add placeholder message: %w", err)
	}

	sess := e.newSession(conversationID, placeholder.ID, false)
	e.sessions[conversationID] = sess
	selected := e.selectedVersions(ctx, conversationID)
	e.mu.Unlock()

	e.notifyChange(conversationID)

	go e.run(sess, stream.ChatRequest{
		ConversationID:   conversationID,
		ToolID:           e.toolID,
		Message:          text,
		Images:           images,
		APIConfig:        e.apiConfig,
		ContextRounds:    e.contextRounds,
		SelectedVersions: selected,
	})

	return userMsg.ID, placeholder.ID, nil
}

// Retry regenerates the reply for an existing assistant message. The message
// keeps showing its old answer until the first token of the new one arrives;
// history is only recorded once the new answer terminates with content, so an
// immediately cancelled retry leaves the message untouched.
func (e *Engine) Retry(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return ErrStreamInFlight
	}

	target, err := e.store.Message(ctx, conversationID, messageID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	if target.Role != models.RoleAssistant {
		e.mu.Unlock()
		return fmt.Errorf("message %s is not an assistant message", messageID)
	}

	sess := e.newSession(conversationID, messageID, true)
	sess.priorContent = target.Content
	sess.priorLifecycle = target.Lifecycle

	selected := e.selectedVersions(ctx, conversationID)

	// The slot goes back to a waiting state. The old content stays visible
	// until the first token of the new answer replaces it.
	target.Lifecycle = models.LifecyclePending
	target.Thinking = ""
	target.ThinkingDone = false
	target.StatusSteps = nil
	target.ErrorNote = ""
	if err := e.store.UpdateMessage(ctx, conversationID, target); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}

	e.sessions[conversationID] = sess
	e.mu.Unlock()

	e.notifyChange(conversationID)

	go e.run(sess, stream.ChatRequest{
		ConversationID:   conversationID,
		ToolID:           e.toolID,
		APIConfig:        e.apiConfig,
		ContextRounds:    e.contextRounds,
		RetryMessageID:   messageID,
		SelectedVersions: selected,
	})

	return nil
}

// Stop requests cancellation of the conversation's active stream. It is
// idempotent; stopping a conversation with nothing in flight is a no-op.
// Teardown completes cooperatively, the partial answer is kept.
func (e *Engine) Stop(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	sess := e.sessions[conversationID]
	e.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.stopRequested.Store(true)

	// Best-effort out-of-band stop; the upstream call is idempotent too.
	if err := e.streamer.Stop(ctx, conversationID); err != nil {
		e.logger.Warn("Out-of-band stop failed",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}

	sess.cancel()
	return nil
}

// selectedVersions collects the retry version visible for each assistant
// message, so the upstream knows what the user was looking at.
func (e *Engine) selectedVersions(ctx context.Context, conversationID string) map[string]int {
	msgs, err := e.store.Messages(ctx, conversationID)
	if err != nil {
		e.logger.Warn("Failed to collect selected versions",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}

	var selected map[string]int
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.SelectedVersion > 0 {
			if selected == nil {
				selected = make(map[string]int)
			}
			selected[m.ID] = m.SelectedVersion
		}
	}
	return selected
}

// run drives one session's frames from the transport into the engine, then
// tears the session down whichever way the loop ends.
func (e *Engine) run(sess *session, req stream.ChatRequest) {
	defer e.teardown(sess)

	for raw, err := range e.streamer.Stream(sess.ctx, req) {
		if err != nil {
			e.logger.Error("Transport failure",
				slog.String("conversationID", sess.conversationID),
				slog.String(errLoggerKey, err.Error()))
			e.finish(sess, stream.Event{Type: stream.EventError, Err: transportErrText})
			return
		}

		ev, err := sess.norm.Normalize(raw)
		if err != nil {
			// One malformed frame never ends the session.
			e.logger.Warn("Dropping malformed event",
				slog.String("conversationID", sess.conversationID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}

		switch ev.Type {
		case stream.EventIgnore:
		case stream.EventDone, stream.EventStopped, stream.EventError:
			e.finish(sess, ev)
			return
		default:
			e.apply(sess, ev)
		}
	}
	// Stream ended without a terminal frame: either a graceful stop or an
	// upstream hangup. teardown forces the matching terminal transition.
}

func (e *Engine) apply(sess *session, ev stream.Event) {
	switch ev.Type {
	case stream.EventStart:
		e.mu.Lock()
		sess.serverMessageID = ev.MessageID
		e.mu.Unlock()

	case stream.EventStatus:
		e.mu.Lock()
		e.upsertStep(sess, ev.Step)
		e.mu.Unlock()
		e.notifyChange(sess.conversationID)

	case stream.EventThinking:
		e.beginDelta(sess, false)
		sess.sched.pushThinking(ev.Delta)

	case stream.EventToken:
		e.beginDelta(sess, true)
		sess.sched.pushContent(ev.Delta)
	}
}

// upsertStep inserts or updates a status step keyed by its step id. The
// first-seen order is kept forever; later updates rewrite the rest in place.
// Callers hold e.mu.
func (e *Engine) upsertStep(sess *session, step models.StatusStep) {
	ctx := context.Background()
	msg, err := e.store.Message(ctx, sess.conversationID, sess.messageID)
	if err != nil {
		e.logger.Error("Failed to load message for status step",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	idx := slices.IndexFunc(msg.StatusSteps, func(s models.StatusStep) bool {
		return s.StepID == step.StepID
	})
	if idx >= 0 {
		step.Order = msg.StatusSteps[idx].Order
		msg.StatusSteps[idx] = step
	} else {
		msg.StatusSteps = append(msg.StatusSteps, step)
	}

	if err := e.store.UpdateMessage(ctx, sess.conversationID, msg); err != nil {
		e.logger.Error("Failed to upsert status step",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// beginDelta performs the one-time structural work triggered by the first
// streamed byte: promotion of the pending placeholder, adoption of the
// server-assigned id, and the retry content replace on the first token.
// Pure text growth is left to the scheduler.
func (e *Engine) beginDelta(sess *session, token bool) {
	e.mu.Lock()

	ctx := context.Background()
	msg, err := e.store.Message(ctx, sess.conversationID, sess.messageID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to load message for delta",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	changed := false

	if !sess.created {
		sess.created = true

		if !sess.retry && sess.serverMessageID != "" && sess.serverMessageID != msg.ID {
			if err := e.renameMessage(ctx, sess, &msg); err != nil {
				e.logger.Error("Failed to adopt server message id",
					slog.String("messageID", sess.messageID),
					slog.String(errLoggerKey, err.Error()))
			}
		}

		msg.Lifecycle = models.LifecycleStreaming
		changed = true
	}

	if token && sess.retry && !sess.firstChunkConsumed {
		// The first token of a retry replaces the old answer instead of
		// appending to it.
		sess.firstChunkConsumed = true
		msg.Content = ""
		changed = true
	}

	if changed {
		if err := e.store.UpdateMessage(ctx, sess.conversationID, msg); err != nil {
			e.logger.Error("Failed to promote message",
				slog.String("messageID", sess.messageID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	e.mu.Unlock()

	if changed {
		e.notifyChange(sess.conversationID)
	}
}

// renameMessage rebinds the placeholder to the server-assigned id. The
// placeholder is the newest message in the conversation, so remove-and-add
// keeps its position.
func (e *Engine) renameMessage(ctx context.Context, sess *session, msg *models.Message) error {
	oldID := msg.ID
	msg.ID = sess.serverMessageID

	if err := e.store.RemoveMessage(ctx, sess.conversationID, oldID); err != nil {
		msg.ID = oldID
		return err
	}
	if err := e.store.AddMessage(ctx, sess.conversationID, *msg); err != nil {
		msg.ID = oldID
		return err
	}

	sess.messageID = msg.ID
	return nil
}

// applyDeltas is the scheduler's emission callback: paced, pure text growth.
func (e *Engine) applyDeltas(sess *session, content, thinking string) {
	e.mu.Lock()

	ctx := context.Background()
	msg, err := e.store.Message(ctx, sess.conversationID, sess.messageID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to load message for playback",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg.Content += content
	msg.Thinking += thinking
	if err := e.store.UpdateMessage(ctx, sess.conversationID, msg); err != nil {
		e.logger.Error("Failed to apply playback deltas",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	e.mu.Unlock()

	e.notifyChange(sess.conversationID)
}

// finish applies a terminal event: drains the pacing buffers, merges the
// authoritative final message if the server sent one, records retry history,
// and moves the lifecycle to its end state. It is a no-op if a terminal event
// was already applied for the session.
func (e *Engine) finish(sess *session, ev stream.Event) {
	// Drain before finalizing so no trailing text is lost or delayed.
	sess.sched.flushAll()

	e.mu.Lock()
	if sess.terminal {
		e.mu.Unlock()
		return
	}
	sess.terminal = true

	ctx := context.Background()
	msg, err := e.store.Message(ctx, sess.conversationID, sess.messageID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to load message for terminal event",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	final := ev.Message
	produced := sess.firstChunkConsumed || (final != nil && final.Content != "")

	// Retry history is recorded only now, when the new answer actually
	// replaced the old one. The server's finalized list wins if present.
	if final != nil && final.HasRetryVersions {
		msg.RetryVersions = final.RetryVersions
	} else if sess.retry && produced && ev.Type != stream.EventError {
		msg.RetryVersions = append(msg.RetryVersions, sess.priorContent)
	}

	if final != nil {
		if final.Content != "" {
			msg.Content = final.Content
		}
		if final.Thinking != "" {
			msg.Thinking = final.Thinking
		}
	}

	msg.ThinkingDone = true
	msg.SelectedVersion = 0

	switch ev.Type {
	case stream.EventDone:
		if !sess.created && final == nil && !sess.retry {
			// Nothing ever streamed and the server sent no final object;
			// drop the placeholder instead of finishing an empty message.
			if err := e.store.RemoveMessage(ctx, sess.conversationID, sess.messageID); err != nil {
				e.logger.Error("Failed to discard placeholder",
					slog.String("messageID", sess.messageID),
					slog.String(errLoggerKey, err.Error()))
			}
			e.mu.Unlock()
			e.notifyChange(sess.conversationID)
			return
		}

		// The done frame is a second chance to adopt the server id when
		// no start frame ever arrived.
		if !sess.retry {
			newID := ev.MessageID
			if final != nil && final.ID != "" {
				newID = final.ID
			}
			if newID != "" && newID != msg.ID {
				sess.serverMessageID = newID
				if err := e.renameMessage(ctx, sess, &msg); err != nil {
					e.logger.Error("Failed to adopt server message id",
						slog.String("messageID", sess.messageID),
						slog.String(errLoggerKey, err.Error()))
				}
			}
		}
		msg.Lifecycle = models.LifecycleDone

	case stream.EventStopped:
		if sess.retry && !produced && sess.priorLifecycle.Terminal() {
			// Abandoned retry: nothing arrived, so the slot goes back to
			// exactly what it was.
			msg.Lifecycle = sess.priorLifecycle
		} else {
			msg.Lifecycle = models.LifecycleStopped
		}

	case stream.EventError:
		msg.Lifecycle = models.LifecycleErrored
		msg.ErrorNote = ev.Err
		e.notifier.Notify(NoticeError, ev.Err)
	}

	if err := e.store.UpdateMessage(ctx, sess.conversationID, msg); err != nil {
		e.logger.Error("Failed to finalize message",
			slog.String("messageID", sess.messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	e.mu.Unlock()

	e.notifyChange(sess.conversationID)
}

// teardown releases everything a session holds. It runs exactly once per
// session no matter which exit path triggered it, and it forces a terminal
// transition if the transport died before delivering one, so no message is
// ever left stuck in a pending or streaming state.
func (e *Engine) teardown(sess *session) {
	sess.teardownOnce.Do(func() {
		forced := stream.Event{Type: stream.EventError, Err: transportErrText}
		if sess.stopRequested.Load() {
			forced = stream.Event{Type: stream.EventStopped}
		}
		// No-op if a real terminal frame was already applied.
		e.finish(sess, forced)

		sess.sched.halt()

		e.mu.Lock()
		delete(e.sessions, sess.conversationID)
		e.mu.Unlock()

		sess.cancel()
		close(sess.done)

		e.notifyChange(sess.conversationID)
	})
}

func (e *Engine) notifyChange(conversationID string) {
	e.watchMu.Lock()
	for w := range e.watchers {
		w.mark(conversationID)
	}
	e.watchMu.Unlock()
}
