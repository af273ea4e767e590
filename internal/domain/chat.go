package domain

// Chat roles understood by every model provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly and the model integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the generation parameters forwarded to a model provider.
// Zero values mean "provider default" except Temperature, which is always sent.
type Sampling struct {
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	MaxTokens     int
}

// GenerateRequest is one generation call: the full message list plus sampling.
type GenerateRequest struct {
	Messages []ChatMessage
	Sampling Sampling
}
