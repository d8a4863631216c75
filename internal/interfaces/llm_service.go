package interfaces

import "context"

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// ContentRequest is a provider-agnostic completion request.
type ContentRequest struct {
	Messages          []Message
	Model             string
	Temperature       float32
	MaxTokens         int
	SystemInstruction string

	// OutputSchema, when set, asks the provider to constrain output to this
	// JSON schema. Providers without native schema support ignore it; the
	// prompt carries the field definitions regardless.
	OutputSchema map[string]interface{}
}

// ContentResponse is a provider-agnostic completion response with the token
// usage needed for cost accounting.
type ContentResponse struct {
	Content   string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// LLMProvider generates completions for extraction prompts. Implementations
// wrap cloud model APIs (Gemini, Claude); provider-internal retry is out of
// scope, callers handle failures at the job level.
type LLMProvider interface {
	// GenerateContent runs one completion call.
	GenerateContent(ctx context.Context, req *ContentRequest) (*ContentResponse, error)

	// ProviderType identifies the backing provider.
	ProviderType() string

	// Close releases provider resources.
	Close() error
}

// PriceTable resolves model token pricing in USD per million tokens.
// ok=false means the model's pricing is unknown and costs derived from it
// must be reported as n/a.
type PriceTable interface {
	Price(modelRef string) (inPerMTok, outPerMTok float64, ok bool)
}
