package core

import (
	"context"
	"log"
	"slices"

	"github.com/convo-labs/chat-history/internal/cache"
	"github.com/convo-labs/chat-history/internal/store"
)

type ChatSummary struct {
	ChatID   string `json:"chat_id"`
	ChatName string `json:"chat_name"`
}

type chatLister interface {
	GetChatsByUserID(ctx context.Context, userID string) ([]store.Chat, error)
}

// Directory keeps the per-user list of chats.
type Directory struct {
	sequencer *Sequencer
	store     chatLister
	userChats *cache.Map[[]ChatSummary]
	locks     *cache.KeyedMutex
}

func NewDirectory(seq *Sequencer, db chatLister, userChats *cache.Map[[]ChatSummary], locks *cache.KeyedMutex) *Directory {
	return &Directory{
		sequencer: seq,
		store:     db,
		userChats: userChats,
		locks:     locks,
	}
}

// CreateChat creates the chat and records it in the owner's cached list. A
// user without a cached list gets one lazily from storage on the next listing.
func (d *Directory) CreateChat(ctx context.Context, name, ownerID string) (*ChatCreated, error) {
	created, err := d.sequencer.CreateChat(ctx, name, ownerID)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(ownerID)
	defer unlock()

	current, ok := d.userChats.Get(ownerID)
	if ok && !slices.ContainsFunc(current, func(c ChatSummary) bool { return c.ChatID == created.ChatID }) {
		d.userChats.Set(ownerID, append(slices.Clone(current), ChatSummary{ChatID: created.ChatID, ChatName: created.ChatName}))
	}
	return created, nil
}

// ListUserChats returns the user's chats in creation order.
func (d *Directory) ListUserChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	if list, ok := d.userChats.Get(userID); ok {
		return slices.Clone(list), nil
	}

	unlock := d.locks.Lock(userID)
	defer unlock()

	if list, ok := d.userChats.Get(userID); ok {
		return slices.Clone(list), nil
	}

	chats, err := d.store.GetChatsByUserID(ctx, userID)
	if err != nil {
		log.Printf("Error listing chats for user %s: %v", userID, err)
		return nil, persistenceError("list chats", err)
	}
	list := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		list = append(list, ChatSummary{ChatID: c.ID, ChatName: c.Name})
	}
	d.userChats.Set(userID, list)
	return slices.Clone(list), nil
}
