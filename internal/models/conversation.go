package models

import "time"

// Conversation represents a message thread in the chat system. It provides
// basic identification and labeling for organizing messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
