package core

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/convo-labs/chat-history/internal/auth"
	"github.com/convo-labs/chat-history/internal/store"
	"github.com/google/uuid"
)

type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, user *store.User) error
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

type TokenIssuer interface {
	Issue(username string) (string, error)
	Verify(token string) (string, error)
}

// UserService registers users, logs them in and resolves bearer tokens.
type UserService struct {
	store  UserStore
	hasher PasswordHasher
	tokens TokenIssuer
}

func NewUserService(db UserStore, hasher PasswordHasher, tokens TokenIssuer) *UserService {
	return &UserService{store: db, hasher: hasher, tokens: tokens}
}

func (s *UserService) Register(ctx context.Context, username, password string) (string, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", persistenceError("get user", err)
	}
	if existing != nil {
		log.Printf("Attempted registration with existing username: %s", username)
		return "", ErrUsernameTaken
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return "", validationError("password is too long")
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	user := &store.User{ID: uuid.NewString(), Username: username, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			return "", ErrUsernameTaken
		}
		return "", persistenceError("create user", err)
	}
	log.Printf("User registered successfully: %s", username)

	return s.tokens.Issue(username)
}

func (s *UserService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", persistenceError("get user", err)
	}
	if user == nil || !s.hasher.Verify(password, user.PasswordHash) {
		log.Printf("Failed login attempt for user: %s", username)
		return "", ErrInvalidCredentials
	}
	return s.tokens.Issue(username)
}

// Authenticate turns a bearer token into the user it was issued for.
func (s *UserService) Authenticate(ctx context.Context, token string) (*store.User, error) {
	username, err := s.tokens.Verify(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, persistenceError("get user", err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}
