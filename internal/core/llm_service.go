package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	chatSystemInstruction = "You are a friendly, concise chat assistant. " +
		"Answer the user's message in at most three sentences. " +
		"If you don't know the answer, say so plainly instead of making something up."
)

type LLMService struct {
	client    *genai.Client
	modelName string
}

func NewLLMService(ctx context.Context, apiKey, modelName string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &LLMService{
		client:    client,
		modelName: modelName,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

// Complete sends a single user turn to Gemini and returns the text reply.
func (s *LLMService) Complete(ctx context.Context, prompt string) (string, error) {
	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	temp := float32(0.4)
	maxTokens := int32(256)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response was empty")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}

	text := strings.TrimSpace(responseText.String())
	if text == "" {
		return "", fmt.Errorf("gemini response had no text")
	}
	return text, nil
}

// GeminiResponder answers from the canned table first and asks the model only
// for messages the table doesn't cover. Suggestions always come from the
// canned table so they stay deterministic.
type GeminiResponder struct {
	*CannedResponder
	complete func(ctx context.Context, prompt string) (string, error)
}

func NewGeminiResponder(canned *CannedResponder, llm *LLMService) *GeminiResponder {
	return &GeminiResponder{CannedResponder: canned, complete: llm.Complete}
}

func (r *GeminiResponder) Respond(ctx context.Context, message string) (string, error) {
	if text, ok := r.Lookup(message); ok {
		return text, nil
	}
	text, err := r.complete(ctx, message)
	if err != nil {
		log.Printf("Gemini fallback failed, using canned reply: %v", err)
		return FallbackResponse, nil
	}
	return text, nil
}
