package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/convo-labs/chat-history/internal/core"
	"github.com/convo-labs/chat-history/internal/store"
	"github.com/go-chi/chi/v5"
)

type contextKey string

const userContextKey contextKey = "user"

type APIHandler struct {
	users     *core.UserService
	sequencer *core.Sequencer
	directory *core.Directory
	guard     *core.OwnershipGuard
}

func NewAPIHandler(users *core.UserService, seq *core.Sequencer, dir *core.Directory, guard *core.OwnershipGuard) *APIHandler {
	return &APIHandler{
		users:     users,
		sequencer: seq,
		directory: dir,
		guard:     guard,
	}
}

func userFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)
	return user
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Invalid authorization header")
			return
		}

		user, err := h.users.Authenticate(r.Context(), tokenString)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	token, err := h.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	token, err := h.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

type CreateChatRequest struct {
	ChatName string `json:"chat_name" validate:"notblank,max=100"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req CreateChatRequest
	if !decode(w, r, &req) {
		return
	}

	created, err := h.directory.CreateChat(r.Context(), req.ChatName, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	chats, err := h.directory.ListUserChats(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !h.authorizeChat(w, r, chatID) {
		return
	}

	data, err := h.sequencer.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type MessageRequest struct {
	Message string `json:"message" validate:"notblank,max=1000"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.authorizeChat(w, r, chatID) {
		return
	}

	it, err := h.sequencer.AddMessage(r.Context(), chatID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *APIHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	interactionID := chi.URLParam(r, "interactionID")

	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.authorizeChat(w, r, chatID) {
		return
	}

	list, err := h.sequencer.EditChatMessage(r.Context(), chatID, interactionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *APIHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	interactionID := chi.URLParam(r, "interactionID")
	if !h.authorizeChat(w, r, chatID) {
		return
	}

	list, err := h.sequencer.DeleteChatMessage(r.Context(), chatID, interactionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// authorizeChat writes the error response and returns false unless the
// authenticated user owns chatID. Missing and foreign chats both answer 403.
func (h *APIHandler) authorizeChat(w http.ResponseWriter, r *http.Request, chatID string) bool {
	user := userFromContext(r.Context())
	ok, err := h.guard.VerifyOwnership(r.Context(), chatID, user.ID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !ok {
		log.Printf("User %s denied access to chat %s", user.Username, chatID)
		writeError(w, core.ErrAccessDenied)
		return false
	}
	return true
}

// decode reads the JSON body into v and checks its validate tags. It writes
// the 400 response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := validateRequest(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Detail: msg})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrUnauthenticated):
		writeMessage(w, http.StatusUnauthorized, "Could not validate credentials")
	case errors.Is(err, core.ErrInvalidCredentials):
		writeMessage(w, http.StatusUnauthorized, "Incorrect username or password")
	case errors.Is(err, core.ErrAccessDenied):
		writeMessage(w, http.StatusForbidden, "You do not have access to this chat")
	case errors.Is(err, core.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found")
	case errors.Is(err, core.ErrUsernameTaken):
		writeMessage(w, http.StatusConflict, "Username already registered")
	default:
		log.Printf("Internal error: %v", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}
