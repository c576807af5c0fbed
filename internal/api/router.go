package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the HTTP surface. A non-empty frontendDir is served as
// static files for every path the API does not claim.
func NewRouter(apiHandler *APIHandler, frontendDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", apiHandler.RegisterHandler)
		r.Post("/login", apiHandler.LoginHandler)
	})

	r.Route("/chats", func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		r.Post("/", apiHandler.CreateChatHandler)
		r.Get("/", apiHandler.ListChatsHandler)
		r.Get("/{chatID}", apiHandler.GetChatHandler)
		r.Post("/{chatID}/messages", apiHandler.PostMessageHandler)
		r.Patch("/{chatID}/messages/{interactionID}", apiHandler.EditMessageHandler)
		r.Delete("/{chatID}/messages/{interactionID}", apiHandler.DeleteMessageHandler)
	})

	if frontendDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(frontendDir)))
	}

	return r
}
