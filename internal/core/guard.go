package core

import (
	"context"
	"errors"
)

type chatReader interface {
	GetChat(ctx context.Context, chatID string) (*ChatData, error)
}

// OwnershipGuard decides whether a user may touch a chat.
type OwnershipGuard struct {
	chats chatReader
}

func NewOwnershipGuard(chats chatReader) *OwnershipGuard {
	return &OwnershipGuard{chats: chats}
}

// VerifyOwnership reports whether userID owns chatID. A chat that cannot be
// found yields false without an error; storage failures are returned.
func (g *OwnershipGuard) VerifyOwnership(ctx context.Context, chatID, userID string) (bool, error) {
	data, err := g.chats.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return data.UserID == userID, nil
}
