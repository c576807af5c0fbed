package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convo-labs/chat-history/internal/api"
	"github.com/convo-labs/chat-history/internal/auth"
	"github.com/convo-labs/chat-history/internal/cache"
	"github.com/convo-labs/chat-history/internal/config"
	"github.com/convo-labs/chat-history/internal/core"
	"github.com/convo-labs/chat-history/internal/store"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Pick the responder: canned table, optionally backed by Gemini
	canned := core.NewCannedResponder()
	var responder core.Responder = canned
	if cfg.GeminiAPIKey != "" {
		llmService, err := core.NewLLMService(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Fatalf("Failed to initialize LLM service: %v", err)
		}
		defer llmService.Close()
		responder = core.NewGeminiResponder(canned, llmService)
		log.Printf("Gemini fallback enabled with model %s", cfg.GeminiModel)
	}

	sequencer := core.NewSequencer(dbStore, responder, cache.NewMap[core.ChatData](), cache.NewKeyedMutex())
	sequencer.SetDebug(cfg.Debug())
	directory := core.NewDirectory(sequencer, dbStore, cache.NewMap[[]core.ChatSummary](), cache.NewKeyedMutex())
	guard := core.NewOwnershipGuard(sequencer)

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	users := core.NewUserService(dbStore, auth.NewPasswordHasher(bcrypt.DefaultCost), tokens)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(users, sequencer, directory, guard)
	router := api.NewRouter(apiHandler, cfg.FrontendDir)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // Gemini replies can take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
