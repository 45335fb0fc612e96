package app

import (
	"context"
	"log/slog"
	"time"

	"docmind/internal/util"
	"docmind/pkg/ai"
	"docmind/pkg/router"
)

// meter funnels every provider call through the ledger so each one leaves an
// append-only usage record behind. Failing to persist the record never fails
// the call that produced it.
func (a *App) recordUsage(ownerID, modelID string, category router.TaskCategory, usage ai.Usage) {
	rec, err := a.ledger.Record(ownerID, modelID, string(category), usage.InputTokens, usage.OutputTokens, usage.CachedInput)
	if err != nil {
		slog.Error("usage record rejected", "model", modelID, "error", err)
		return
	}
	rec.ID = util.NewID()
	rec.CreatedAt = time.Now().UTC()
	if err := a.store.AppendUsage(rec); err != nil {
		slog.Error("append usage record", "model", modelID, "error", err)
	}
}

func (a *App) meteredEmbed(ctx context.Context, ownerID, model, text, taskType string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	vec, usage, err := a.client.Embed(callCtx, model, text, taskType)
	if err != nil {
		return nil, err
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = ai.EstimateTokens(text)
	}
	a.recordUsage(ownerID, model, router.TaskEmbedding, usage)
	return vec, nil
}

func (a *App) meteredComplete(ctx context.Context, ownerID string, category router.TaskCategory, model, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	text, usage, err := a.client.Complete(callCtx, model, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = ai.EstimateTokens(systemPrompt + userPrompt)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = ai.EstimateTokens(text)
	}
	a.recordUsage(ownerID, model, category, usage)
	return text, nil
}

func (a *App) meteredDescribe(ctx context.Context, ownerID, model string, image []byte, contentType, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	text, usage, err := a.client.DescribeImage(callCtx, model, image, contentType, prompt)
	if err != nil {
		return "", err
	}
	if usage.InputTokens == 0 {
		// Rough parity with how providers bill image input.
		usage.InputTokens = int64(len(image)) / 750
		if usage.InputTokens == 0 {
			usage.InputTokens = 1
		}
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = ai.EstimateTokens(text)
	}
	a.recordUsage(ownerID, model, router.TaskImageDescription, usage)
	return text, nil
}
