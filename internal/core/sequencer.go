package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/convo-labs/chat-history/internal/cache"
	"github.com/convo-labs/chat-history/internal/store"
	"github.com/google/uuid"
)

// ChatStore is the durable storage the sequencer and directory depend on.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *store.Chat, greeting *store.Interaction) error
	LoadChat(ctx context.Context, chatID string) (*store.Chat, []store.Interaction, error)
	GetInteraction(ctx context.Context, interactionID string) (*store.Interaction, error)
	CreateInteraction(ctx context.Context, it *store.Interaction) error
	UpdateInteractionAndTruncate(ctx context.Context, chatID, interactionID, message, response string, ts time.Time) (*store.Interaction, error)
	DeleteInteractionsFrom(ctx context.Context, chatID, interactionID string) (*store.Interaction, error)
	GetChatsByUserID(ctx context.Context, userID string) ([]store.Chat, error)
}

// ChatData is the cached view of one chat.
type ChatData struct {
	ChatID       string              `json:"chat_id"`
	ChatName     string              `json:"chat_name"`
	UserID       string              `json:"user_id"`
	Interactions []store.Interaction `json:"interactions"`
}

func (d ChatData) clone() ChatData {
	d.Interactions = slices.Clone(d.Interactions)
	if d.Interactions == nil {
		d.Interactions = []store.Interaction{}
	}
	return d
}

type ChatCreated struct {
	ChatID      string            `json:"chat_id"`
	Interaction store.Interaction `json:"interaction"`
	ChatName    string            `json:"chat_name"`
}

// Sequencer owns the ordered interaction list of every chat. Mutations of one
// chat are serialized by a per-chat lock; the cache is only written after the
// matching database transaction committed, so it never runs ahead of storage.
//
// Cached slices are copy-on-write: every mutation stores a fresh slice and
// readers always receive their own copy.
type Sequencer struct {
	store     ChatStore
	responder Responder
	chats     *cache.Map[ChatData]
	locks     *cache.KeyedMutex
	debug     bool
}

func NewSequencer(db ChatStore, responder Responder, chats *cache.Map[ChatData], locks *cache.KeyedMutex) *Sequencer {
	return &Sequencer{
		store:     db,
		responder: responder,
		chats:     chats,
		locks:     locks,
	}
}

func (s *Sequencer) SetDebug(debug bool) {
	s.debug = debug
}

func (s *Sequencer) debugf(format string, args ...any) {
	if s.debug {
		log.Printf("DEBUG: "+format, args...)
	}
}

// CreateChat stores a new chat with its greeting at index 0 and caches it.
func (s *Sequencer) CreateChat(ctx context.Context, name, ownerID string) (*ChatCreated, error) {
	chat := &store.Chat{ID: uuid.NewString(), UserID: ownerID, Name: name, CreatedAt: store.Now()}
	greeting := store.Interaction{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Index:     0,
		Message:   nil,
		Response:  s.responder.Greeting(),
		Timestamp: chat.CreatedAt,
	}

	unlock := s.locks.Lock(chat.ID)
	defer unlock()

	if err := s.store.CreateChat(ctx, chat, &greeting); err != nil {
		log.Printf("Error creating chat for user %s: %v", ownerID, err)
		return nil, persistenceError("create chat", err)
	}
	s.chats.Set(chat.ID, ChatData{
		ChatID:       chat.ID,
		ChatName:     chat.Name,
		UserID:       ownerID,
		Interactions: []store.Interaction{greeting},
	})

	greeting.Suggestions = s.responder.Suggest(nil)
	return &ChatCreated{ChatID: chat.ID, Interaction: greeting, ChatName: chat.Name}, nil
}

// LoadChat reads the chat from storage, bypassing the cache, and overwrites
// the cache entry with the result.
func (s *Sequencer) LoadChat(ctx context.Context, chatID string) (*ChatData, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	data, err := s.loadLocked(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.present(data), nil
}

// GetChat is the read-through path: cached data if present, else LoadChat.
func (s *Sequencer) GetChat(ctx context.Context, chatID string) (*ChatData, error) {
	if data, ok := s.chats.Get(chatID); ok {
		s.debugf("cache hit for chat %s", chatID)
		return s.present(data), nil
	}

	unlock := s.locks.Lock(chatID)
	defer unlock()

	data, err := s.cachedOrLoadLocked(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.present(data), nil
}

// AddMessage appends a new interaction at the next free index.
func (s *Sequencer) AddMessage(ctx context.Context, chatID, message string) (*store.Interaction, error) {
	response, err := s.responder.Respond(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}

	unlock := s.locks.Lock(chatID)
	defer unlock()

	data, err := s.cachedOrLoadLocked(ctx, chatID)
	if err != nil {
		return nil, err
	}

	it := store.Interaction{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Index:     len(data.Interactions),
		Message:   &message,
		Response:  response,
		Timestamp: store.Now(),
	}
	if err := s.store.CreateInteraction(ctx, &it); err != nil {
		log.Printf("Error adding message to chat %s: %v", chatID, err)
		return nil, persistenceError("add message", err)
	}

	data.Interactions = append(slices.Clone(data.Interactions), it)
	s.chats.Set(chatID, data)

	it.Suggestions = s.responder.Suggest(&message)
	return &it, nil
}

// EditMessage rewrites an interaction and discards every later one. The
// greeting at index 0 cannot be edited.
func (s *Sequencer) EditMessage(ctx context.Context, interactionID, newMessage string) ([]store.Interaction, error) {
	chatID, err := s.ChatOfInteraction(ctx, interactionID)
	if err != nil {
		return nil, err
	}
	return s.EditChatMessage(ctx, chatID, interactionID, newMessage)
}

// EditChatMessage is EditMessage for a caller that already knows the chat.
// An interaction belonging to another chat is reported as ErrNotFound.
func (s *Sequencer) EditChatMessage(ctx context.Context, chatID, interactionID, newMessage string) ([]store.Interaction, error) {
	response, err := s.responder.Respond(ctx, newMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}

	unlock := s.locks.Lock(chatID)
	defer unlock()

	updated, err := s.store.UpdateInteractionAndTruncate(ctx, chatID, interactionID, newMessage, response, store.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, store.ErrGreetingImmutable) {
			return nil, validationError("the greeting cannot be edited")
		}
		log.Printf("Error editing message %s: %v", interactionID, err)
		return nil, persistenceError("edit message", err)
	}

	if data, ok := s.chats.Get(chatID); ok {
		pos := slices.IndexFunc(data.Interactions, func(it store.Interaction) bool { return it.ID == interactionID })
		if pos >= 0 && data.Interactions[pos].Index == updated.Index {
			next := slices.Clone(data.Interactions[:pos+1])
			next[pos] = *updated
			data.Interactions = next
			s.chats.Set(chatID, data)
			return s.present(data).Interactions, nil
		}
		log.Printf("Cache for chat %s disagrees with storage on interaction %s, reloading", chatID, interactionID)
	}

	data, err := s.loadLocked(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.present(data).Interactions, nil
}

// DeleteMessage removes an interaction together with every later one.
func (s *Sequencer) DeleteMessage(ctx context.Context, interactionID string) ([]store.Interaction, error) {
	chatID, err := s.ChatOfInteraction(ctx, interactionID)
	if err != nil {
		return nil, err
	}
	return s.DeleteChatMessage(ctx, chatID, interactionID)
}

// DeleteChatMessage is DeleteMessage for a caller that already knows the
// chat. An interaction belonging to another chat is reported as ErrNotFound.
func (s *Sequencer) DeleteChatMessage(ctx context.Context, chatID, interactionID string) ([]store.Interaction, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	anchor, err := s.store.DeleteInteractionsFrom(ctx, chatID, interactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		log.Printf("Error deleting message %s: %v", interactionID, err)
		return nil, persistenceError("delete message", err)
	}

	if data, ok := s.chats.Get(chatID); ok {
		var remaining []store.Interaction
		for _, it := range data.Interactions {
			if it.Index < anchor.Index {
				remaining = append(remaining, it)
			}
		}
		if len(remaining) == 0 {
			// Nothing left to load; the chat is gone for readers as well.
			s.chats.Delete(chatID)
			return []store.Interaction{}, nil
		}
		data.Interactions = remaining
		s.chats.Set(chatID, data)
		return s.present(data).Interactions, nil
	}

	data, err := s.loadLocked(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return []store.Interaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.present(data).Interactions, nil
}

// ChatOfInteraction resolves the chat an interaction belongs to.
func (s *Sequencer) ChatOfInteraction(ctx context.Context, interactionID string) (string, error) {
	it, err := s.store.GetInteraction(ctx, interactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", persistenceError("get interaction", err)
	}
	return it.ChatID, nil
}

// cachedOrLoadLocked must be called with the chat lock held.
func (s *Sequencer) cachedOrLoadLocked(ctx context.Context, chatID string) (ChatData, error) {
	if data, ok := s.chats.Get(chatID); ok {
		return data, nil
	}
	s.debugf("cache miss for chat %s", chatID)
	return s.loadLocked(ctx, chatID)
}

// loadLocked must be called with the chat lock held.
func (s *Sequencer) loadLocked(ctx context.Context, chatID string) (ChatData, error) {
	chat, interactions, err := s.store.LoadChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.chats.Delete(chatID)
			return ChatData{}, ErrNotFound
		}
		log.Printf("Error loading chat %s from database: %v", chatID, err)
		return ChatData{}, persistenceError("load chat", err)
	}

	data := ChatData{
		ChatID:       chat.ID,
		ChatName:     chat.Name,
		UserID:       chat.UserID,
		Interactions: interactions,
	}
	s.chats.Set(chatID, data)
	s.debugf("loaded chat %s with %d interactions", chatID, len(interactions))
	return data, nil
}

// present copies data for a caller and attaches suggestions to the last
// interaction.
func (s *Sequencer) present(data ChatData) *ChatData {
	out := data.clone()
	if n := len(out.Interactions); n > 0 {
		last := &out.Interactions[n-1]
		last.Suggestions = s.responder.Suggest(last.Message)
	}
	return &out
}
