package ai

import "context"

// Usage carries the token accounting a provider reports for one call. When a
// provider omits usage metadata, callers estimate it from text length.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedInput  bool
}

// Client is the capability set of an AI provider. The pipeline only depends on
// this interface so tests can substitute a fake without network access.
type Client interface {
	// Embed vectorizes text with the given model.
	Embed(ctx context.Context, model, text, taskType string) ([]float32, Usage, error)
	// Complete runs one chat completion.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error)
	// DescribeImage runs a vision-capable completion over raw image bytes.
	DescribeImage(ctx context.Context, model string, image []byte, contentType, prompt string) (string, Usage, error)
}

// EstimateTokens approximates the token count of a text as length/4, used for
// providers that do not report embedding usage.
func EstimateTokens(text string) int64 {
	n := int64(len(text)) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
