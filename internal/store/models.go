package store

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"chat_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Interaction is one turn of a chat: the user's message and the bot's reply.
// Message is nil only for the greeting at index 0.
type Interaction struct {
	ID        string    `json:"interaction_id"`
	ChatID    string    `json:"chat_id"`
	Index     int       `json:"index"`
	Message   *string   `json:"message"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`

	// Suggestions are recomputed on every read and write, never stored.
	Suggestions []string `json:"suggestions,omitempty"`
}
