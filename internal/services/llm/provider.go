package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// ProviderType identifies the backing model API
type ProviderType string

const (
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
)

// ProviderFactory routes completion requests to the right provider based on
// the model reference and manages one lazily created client per provider.
// It implements interfaces.LLMProvider so the pipeline can treat both
// providers as a single completion surface.
type ProviderFactory struct {
	geminiConfig *common.GeminiConfig
	claudeConfig *common.ClaudeConfig
	llmConfig    *common.LLMConfig
	logger       arbor.ILogger

	mu           sync.Mutex
	geminiClient *genai.Client
	claudeClient anthropic.Client
	claudeReady  bool
}

// NewProviderFactory creates a provider factory. Clients are not created
// until the first request needs them, so a misconfigured provider only
// fails jobs routed to it.
func NewProviderFactory(cfg *common.Config, logger arbor.ILogger) *ProviderFactory {
	return &ProviderFactory{
		geminiConfig: &cfg.Gemini,
		claudeConfig: &cfg.Claude,
		llmConfig:    &cfg.LLM,
		logger:       logger,
	}
}

// DetectProvider determines the provider type from a model string.
// Model strings can be:
// - "claude-sonnet-4-20250514" -> Claude
// - "claude/claude-sonnet-4-20250514" -> Claude (with prefix)
// - "gemini-2.5-flash" -> Gemini
// - "gemini/gemini-2.5-flash" -> Gemini (with prefix)
// - Empty string -> uses default provider from config
func (f *ProviderFactory) DetectProvider(model string) ProviderType {
	if model == "" {
		return ProviderType(f.llmConfig.DefaultProvider)
	}

	model = strings.ToLower(model)

	// Check for explicit provider prefix
	if strings.HasPrefix(model, "claude/") || strings.HasPrefix(model, "anthropic/") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini/") || strings.HasPrefix(model, "google/") {
		return ProviderGemini
	}

	// Check for model name patterns
	if strings.HasPrefix(model, "claude-") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini-") {
		return ProviderGemini
	}

	// Default to configured provider
	return ProviderType(f.llmConfig.DefaultProvider)
}

// NormalizeModel removes a provider prefix from the model name if present
func NormalizeModel(model string) string {
	prefixes := []string{"claude/", "anthropic/", "gemini/", "google/"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToLower(model), prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// DefaultModel returns the configured default model for a provider
func (f *ProviderFactory) DefaultModel(provider ProviderType) string {
	switch provider {
	case ProviderClaude:
		return f.claudeConfig.Model
	default:
		return f.geminiConfig.Model
	}
}

// ProviderType reports the configured default provider.
func (f *ProviderFactory) ProviderType() string {
	return f.llmConfig.DefaultProvider
}

// GenerateContent runs one completion call against the provider the model
// reference selects. Failures are returned as-is for the caller to classify;
// there is no request-level retry here because failed jobs are reissued with
// their own backoff schedule.
func (f *ProviderFactory) GenerateContent(ctx context.Context, request *interfaces.ContentRequest) (*interfaces.ContentResponse, error) {
	provider := f.DetectProvider(request.Model)
	model := NormalizeModel(request.Model)

	f.logger.Debug().
		Str("provider", string(provider)).
		Str("model", model).
		Int("message_count", len(request.Messages)).
		Msg("Generating content with provider")

	start := time.Now()
	var resp *interfaces.ContentResponse
	var err error
	switch provider {
	case ProviderClaude:
		resp, err = f.generateWithClaude(ctx, request, model)
	default:
		resp, err = f.generateWithGemini(ctx, request, model)
	}
	if err != nil {
		f.logger.Warn().
			Str("provider", string(provider)).
			Str("model", model).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Provider call failed")
		return nil, err
	}

	f.logger.Debug().
		Str("provider", string(provider)).
		Str("model", resp.Model).
		Int("response_length", len(resp.Content)).
		Int64("tokens_in", resp.TokensIn).
		Int64("tokens_out", resp.TokensOut).
		Dur("duration", time.Since(start)).
		Msg("Provider call completed")
	return resp, nil
}

// getGeminiClient returns the Gemini client, creating it if necessary
func (f *ProviderFactory) getGeminiClient(ctx context.Context) (*genai.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.geminiClient != nil {
		return f.geminiClient, nil
	}

	apiKey := common.ResolveAPIKey("EXCERPO_GEMINI_API_KEY", f.geminiConfig.APIKey, "GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set EXCERPO_GEMINI_API_KEY or gemini.api_key in config)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	f.geminiClient = client
	return client, nil
}

// getClaudeClient returns the Claude client, creating it if necessary
func (f *ProviderFactory) getClaudeClient() (anthropic.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claudeReady {
		return f.claudeClient, nil
	}

	apiKey := common.ResolveAPIKey("EXCERPO_CLAUDE_API_KEY", f.claudeConfig.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return anthropic.Client{}, fmt.Errorf("Anthropic API key is required (set EXCERPO_CLAUDE_API_KEY or claude.api_key in config)")
	}

	f.claudeClient = anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	f.claudeReady = true
	return f.claudeClient, nil
}

// generateWithClaude generates content using the Claude API
func (f *ProviderFactory) generateWithClaude(ctx context.Context, request *interfaces.ContentRequest, model string) (*interfaces.ContentResponse, error) {
	client, err := f.getClaudeClient()
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = f.claudeConfig.Model
	}

	claudeMessages, systemText, err := convertMessagesToClaude(request.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	if request.SystemInstruction != "" {
		systemText = request.SystemInstruction
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = f.claudeConfig.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = f.claudeConfig.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty response from Claude API")
	}

	return &interfaces.ContentResponse{
		Content:   text.String(),
		Model:     model,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}, nil
}

// generateWithGemini generates content using the Gemini API
func (f *ProviderFactory) generateWithGemini(ctx context.Context, request *interfaces.ContentRequest, model string) (*interfaces.ContentResponse, error) {
	client, err := f.getGeminiClient(ctx)
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = f.geminiConfig.Model
	}

	geminiContents, systemText, err := convertMessagesToGemini(request.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	if request.SystemInstruction != "" {
		systemText = request.SystemInstruction
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = f.geminiConfig.Temperature
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if systemText != "" {
		config.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}

	// When a schema is provided, Gemini enforces JSON output matching it
	if len(request.OutputSchema) > 0 {
		genaiSchema, err := convertToGenaiSchema(request.OutputSchema)
		if err != nil {
			f.logger.Error().Err(err).Msg("Failed to convert output schema")
			// Continue without schema rather than failing
		} else if genaiSchema != nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = genaiSchema
			f.logger.Debug().
				Str("schema_type", string(genaiSchema.Type)).
				Msg("Using structured JSON output with schema")
		}
	}

	resp, err := client.Models.GenerateContent(ctx, model, geminiContents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini API")
	}

	responseText := resp.Text()
	if responseText == "" {
		return nil, fmt.Errorf("empty text in Gemini response")
	}

	out := &interfaces.ContentResponse{
		Content: responseText,
		Model:   model,
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases both provider clients
func (f *ProviderFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geminiClient = nil
	f.claudeClient = anthropic.Client{}
	f.claudeReady = false
	return nil
}

// convertToGenaiSchema converts a map[string]interface{} representation of a
// JSON schema to a genai.Schema structure. This allows defining schemas in
// YAML files without depending on provider types.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enumVals, ok := schemaMap["enum"].([]interface{}); ok {
		for _, v := range enumVals {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	} else if enumVals, ok := schemaMap["enum"].([]string); ok {
		schema.Enum = enumVals
	}

	if reqVals, ok := schemaMap["required"].([]interface{}); ok {
		for _, v := range reqVals {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	} else if reqVals, ok := schemaMap["required"].([]string); ok {
		schema.Required = reqVals
	}

	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		schema.Items = itemSchema
	}

	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for propName, propVal := range propsMap {
			if propMap, ok := propVal.(map[string]interface{}); ok {
				propSchema, err := convertToGenaiSchema(propMap)
				if err != nil {
					return nil, fmt.Errorf("failed to convert property '%s': %w", propName, err)
				}
				schema.Properties[propName] = propSchema
			}
		}
	}

	return schema, nil
}
