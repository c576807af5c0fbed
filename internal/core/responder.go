package core

import (
	"context"
	"strings"
)

const (
	GreetingResponse = "Hello! How can I assist you today?"
	FallbackResponse = "Sorry, I don't understand that. Can you ask something else?"

	maxSuggestions = 3
)

// Responder produces the bot side of an interaction.
type Responder interface {
	Greeting() string
	Respond(ctx context.Context, message string) (string, error)
	// Suggest returns follow-up prompts for the given message. A nil message
	// stands for the greeting.
	Suggest(message *string) []string
}

type cannedEntry struct {
	prompt   string
	response string
}

var predefinedResponses = []cannedEntry{
	{"Hello", GreetingResponse},
	{"What is your name?", "I am a simple chatbot created to assist you."},
	{"How are you?", "I'm doing well! Thanks for asking. How can I assist you today?"},
	{"Bye", "Goodbye! Have a great day!"},
	{"Help", "I'm here to help! What kind of assistance do you need?"},
	{"Thank you", "You're welcome! Is there anything else I can help you with?"},
	{"Weather", "I'm sorry, I don't have real-time weather information. You might want to check a weather website or app for that."},
	{"Tell me a joke", "Why don't scientists trust atoms? Because they make up everything!"},
	{"What time is it?", "I'm sorry, I don't have access to real-time information. You can check the time on your device."},
	{"Who created you?", "I was created by Abirami as a simple chatbot to assist users."},
	{"What can you do?", "I can answer your questions, provide assistance, and even tell you jokes. Just ask away!"},
	{"Where are you from?", "I live in the cloud, available whenever you need me."},
	{"How old are you?", "I don't age like humans, but I was created quite recently!"},
	{"Do you have hobbies?", "I enjoy helping people and learning new things from our conversations!"},
	{"What is AI?", "AI stands for Artificial Intelligence, which is a branch of computer science aimed at creating smart machines that can perform tasks that usually require human intelligence."},
	{"Do you sleep?", "I don't need sleep! I'm here 24/7 to assist you."},
	{"Are you a human?", "No, I'm not human. I'm a chatbot created to assist you."},
	{"What is your favorite color?", "I like all colors equally, but if I had to choose, I'd go with blue. It feels calm and friendly."},
	{"What is the meaning of life?", "The meaning of life is a deep philosophical question. Some say it's to be happy and enjoy the moment, while others believe it's to make a difference in the world."},
	{"Do you have any pets?", "I'm sorry, I don't have any physical form. But I can help you with your questions!"},
	{"What is the capital of France?", "The capital of France is Paris."},
	{"Can you play music?", "I'm sorry, I don't have the ability to play music. I can help you with your questions though!"},
	{"What is the speed of light?", "The speed of light is approximately 299,792,458 meters per second in a vacuum."},
	{"Do you have any siblings?", "I'm sorry, I don't have any physical form. But I can help you with your questions!"},
	{"What is the square root of 144?", "The square root of 144 is 12."},
	{"Can you tell me a secret?", "I'm sorry, I don't have the ability to store or share secrets. I can help you with your questions though!"},
}

// CannedResponder answers from a fixed keyword table, ignoring case and
// surrounding whitespace.
type CannedResponder struct {
	entries []cannedEntry
	byKey   map[string]int
}

func NewCannedResponder() *CannedResponder {
	r := &CannedResponder{entries: predefinedResponses, byKey: make(map[string]int, len(predefinedResponses))}
	for i, e := range r.entries {
		r.byKey[normalize(e.prompt)] = i
	}
	return r
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (r *CannedResponder) Greeting() string {
	return GreetingResponse
}

func (r *CannedResponder) Respond(_ context.Context, message string) (string, error) {
	if text, ok := r.Lookup(message); ok {
		return text, nil
	}
	return FallbackResponse, nil
}

// Lookup reports the canned reply for message, if the table has one.
func (r *CannedResponder) Lookup(message string) (string, bool) {
	i, ok := r.byKey[normalize(message)]
	if !ok {
		return "", false
	}
	return r.entries[i].response, true
}

func (r *CannedResponder) Suggest(message *string) []string {
	start := 0
	if message == nil {
		start = 1
	} else if i, ok := r.byKey[normalize(*message)]; ok {
		start = i + 1
	}

	n := min(maxSuggestions, len(r.entries)-1)
	out := make([]string, 0, n)
	for j := 0; len(out) < n; j++ {
		e := r.entries[(start+j)%len(r.entries)]
		if message != nil && normalize(e.prompt) == normalize(*message) {
			continue
		}
		out = append(out, e.prompt)
	}
	return out
}
