package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	// ErrNotFound is returned when a referenced chat or interaction doesn't exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateUsername is returned by CreateUser when the username is taken.
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrGreetingImmutable is returned when an edit targets index 0.
	ErrGreetingImmutable = errors.New("the greeting interaction cannot be edited")
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        name TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats (user_id);

    CREATE TABLE IF NOT EXISTS interactions (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        interaction_index INTEGER NOT NULL,
        message TEXT, -- NULL only for the greeting
        response TEXT NOT NULL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (chat_id) REFERENCES chats (id),
        UNIQUE (chat_id, interaction_index)
    );
    CREATE INDEX IF NOT EXISTS idx_interactions_chat_id ON interactions (chat_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// User methods
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = Now()
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)", user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Chat methods

// CreateChat stores the chat row and its greeting interaction in a single
// transaction; either both are visible afterwards or neither.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat, greeting *Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chat transaction: %w", err)
	}
	defer tx.Rollback()

	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = Now()
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO chats (id, user_id, name, created_at) VALUES (?, ?, ?, ?)", chat.ID, chat.UserID, chat.Name, chat.CreatedAt); err != nil {
		return fmt.Errorf("failed to execute chat insert: %w", err)
	}
	if err = insertInteraction(ctx, tx, greeting); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat: %w", err)
	}
	return nil
}

// GetChatsByUserID lists a user's chats in creation order. rowid breaks ties
// between chats created within the same timestamp.
func (s *SQLiteStore) GetChatsByUserID(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, name, created_at FROM chats WHERE user_id = ? ORDER BY created_at ASC, rowid ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat rows: %w", err)
	}
	return chats, nil
}

// LoadChat returns the chat record together with all its interactions ordered
// by index. ErrNotFound is returned when the chat row is missing or the chat
// has no interactions left.
func (s *SQLiteStore) LoadChat(ctx context.Context, chatID string) (*Chat, []Interaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer tx.Rollback()

	interactions, err := queryInteractions(ctx, tx, chatID)
	if err != nil {
		return nil, nil, err
	}
	if len(interactions) == 0 {
		return nil, nil, ErrNotFound
	}

	var chat Chat
	err = tx.QueryRowContext(ctx, "SELECT id, user_id, name, created_at FROM chats WHERE id = ?", chatID).Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, interactions, nil
}

// Interaction methods

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertInteraction(ctx context.Context, q queryer, it *Interaction) error {
	if it.Timestamp.IsZero() {
		it.Timestamp = Now()
	}
	_, err := q.ExecContext(ctx, "INSERT INTO interactions (id, chat_id, interaction_index, message, response, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		it.ID, it.ChatID, it.Index, it.Message, it.Response, it.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to execute interaction insert: %w", err)
	}
	return nil
}

func queryInteractions(ctx context.Context, q queryer, chatID string) ([]Interaction, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, chat_id, interaction_index, message, response, timestamp FROM interactions WHERE chat_id = ? ORDER BY interaction_index ASC", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	interactions := []Interaction{}
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		interactions = append(interactions, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction rows: %w", err)
	}
	return interactions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row scanner) (*Interaction, error) {
	var it Interaction
	var message sql.NullString
	if err := row.Scan(&it.ID, &it.ChatID, &it.Index, &message, &it.Response, &it.Timestamp); err != nil {
		return nil, err
	}
	if message.Valid {
		it.Message = &message.String
	}
	return &it, nil
}

func getInteraction(ctx context.Context, q queryer, interactionID string) (*Interaction, error) {
	row := q.QueryRowContext(ctx, "SELECT id, chat_id, interaction_index, message, response, timestamp FROM interactions WHERE id = ?", interactionID)
	it, err := scanInteraction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) GetInteraction(ctx context.Context, interactionID string) (*Interaction, error) {
	return getInteraction(ctx, s.db, interactionID)
}

func (s *SQLiteStore) CreateInteraction(ctx context.Context, it *Interaction) error {
	return insertInteraction(ctx, s.db, it)
}

// getChatInteraction is getInteraction restricted to one chat.
func getChatInteraction(ctx context.Context, q queryer, chatID, interactionID string) (*Interaction, error) {
	it, err := getInteraction(ctx, q, interactionID)
	if err != nil {
		return nil, err
	}
	if it.ChatID != chatID {
		return nil, ErrNotFound
	}
	return it, nil
}

// UpdateInteractionAndTruncate rewrites the message and response of an
// interaction of chatID and deletes every later interaction of that chat. The
// updated row is returned. The greeting at index 0 is never rewritten.
func (s *SQLiteStore) UpdateInteractionAndTruncate(ctx context.Context, chatID, interactionID, message, response string, ts time.Time) (*Interaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin edit transaction: %w", err)
	}
	defer tx.Rollback()

	it, err := getChatInteraction(ctx, tx, chatID, interactionID)
	if err != nil {
		return nil, err
	}
	if it.Index == 0 {
		return nil, ErrGreetingImmutable
	}

	if _, err = tx.ExecContext(ctx, "UPDATE interactions SET message = ?, response = ?, timestamp = ? WHERE id = ?", message, response, ts, interactionID); err != nil {
		return nil, fmt.Errorf("failed to execute interaction update: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM interactions WHERE chat_id = ? AND interaction_index > ?", it.ChatID, it.Index); err != nil {
		return nil, fmt.Errorf("failed to delete subsequent interactions: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}

	it.Message = &message
	it.Response = response
	it.Timestamp = ts
	return it, nil
}

// DeleteInteractionsFrom deletes an interaction of chatID and every later one
// in that chat. It returns the deleted anchor so callers know the index the
// history was cut at.
func (s *SQLiteStore) DeleteInteractionsFrom(ctx context.Context, chatID, interactionID string) (*Interaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	it, err := getChatInteraction(ctx, tx, chatID, interactionID)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM interactions WHERE chat_id = ? AND interaction_index >= ?", it.ChatID, it.Index); err != nil {
		return nil, fmt.Errorf("failed to delete interactions: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return it, nil
}

// Now returns the current UTC time without the monotonic reading, so values
// kept in memory compare equal to the ones read back from the database.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
