package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/wrenbyte/llm-stream-ui/internal/engine"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists conversations and their messages in a BoltDB file. It
// implements the engine's Store interface plus the conversation management the
// HTTP layer needs. Messages are keyed by an insertion sequence so iteration
// order is arrival order, while message ids stay exactly as the engine
// assigned them — the engine renames a placeholder to the server-assigned id
// mid-stream, so ids must never be rewritten by the store.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the database at path and initializes the
// required buckets. The file is created with 0600 permissions.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// Conversations retrieves all conversations in reverse insertion order.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var conversation models.Conversation
			if err := json.Unmarshal(v, &conversation); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conversations = append(conversations, conversation)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(conversations)
	return conversations, nil
}

// AddConversation stores a new conversation and creates its message bucket.
// It prefixes the id with a sequence number for stable ordering and returns
// the new id.
func (b BoltDB) AddConversation(_ context.Context, conversation models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		idPrefix, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, conversation.ID)
		conversation.ID = newID

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conversation.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conversation)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateConversation modifies an existing conversation. A missing
// conversation is silently ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conversation models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		if bkt.Get([]byte(conversation.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(conversation)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(conversation.ID), v)
	})
}

// DeleteConversation removes a conversation and its messages.
func (b BoltDB) DeleteConversation(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		if err := bkt.Delete([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		if tx.Bucket(messageBucketName(conversationID)) == nil {
			return nil
		}
		return tx.DeleteBucket(messageBucketName(conversationID))
	})
}

// Messages retrieves the conversation's messages in insertion order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Message retrieves a single message by id, or engine.ErrNotFound.
func (b BoltDB) Message(_ context.Context, conversationID, messageID string) (models.Message, error) {
	var message models.Message
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		_, v, err := findMessage(bkt, messageID)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &message)
	})
	if err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, engine.ErrNotFound
	}
	return message, nil
}

// AddMessage appends a message to the conversation, creating the message
// bucket if the conversation was never registered.
func (b BoltDB) AddMessage(_ context.Context, conversationID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(messageBucketName(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put(itob(seq), v)
	})
}

// UpdateMessage rewrites an existing message in place, keyed by its id.
func (b BoltDB) UpdateMessage(_ context.Context, conversationID string, message models.Message) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return engine.ErrNotFound
		}

		k, v, err := findMessage(bkt, message.ID)
		if err != nil {
			return err
		}
		if v == nil {
			return engine.ErrNotFound
		}

		nv, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bkt.Put(k, nv)
	})
	return err
}

// RemoveMessage deletes a message by id. Removing an absent message is a no-op.
func (b BoltDB) RemoveMessage(_ context.Context, conversationID, messageID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		k, v, err := findMessage(bkt, messageID)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		return bkt.Delete(k)
	})
}

// findMessage scans the bucket for the entry whose message id matches.
// Conversations hold at most a few hundred messages, so a scan beats
// maintaining a secondary index.
func findMessage(bkt *bolt.Bucket, messageID string) ([]byte, []byte, error) {
	var key, val []byte
	err := bkt.ForEach(func(k, v []byte) error {
		if key != nil {
			return nil
		}
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(v, &probe); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if probe.ID == messageID {
			key = slices.Clone(k)
			val = slices.Clone(v)
		}
		return nil
	})
	return key, val, err
}
