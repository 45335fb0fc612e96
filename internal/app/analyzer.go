package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"docmind/pkg/domain"
	"docmind/pkg/router"
)

// analysis is the structured output of the document analyzer.
type analysis struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Entities []string `json:"entities"`
}

const analysisSystemPrompt = "You are a document analyst. Respond with a single JSON object " +
	`{"summary": string, "topics": [string], "entities": [string]} and nothing else. ` +
	"The summary is at most five sentences; topics and entities each hold at most ten items."

const analysisRetryPrompt = analysisSystemPrompt +
	" Output raw JSON only: no markdown fences, no commentary before or after the object."

// analyze summarizes the document in one completion over its concatenated
// chunk text. Malformed model output gets one stricter retry, then the
// document completes with an empty analysis.
func (a *App) analyze(ctx context.Context, ownerID string, chunks []domain.Chunk) analysis {
	if len(chunks) == 0 {
		return analysis{}
	}
	model, err := a.router.Select(router.TaskDocumentAnalysis, router.Medium, a.budgetCeiling)
	if err != nil {
		slog.Warn("no analysis model available", "error", err)
		return analysis{}
	}
	text := a.analysisInput(model, chunks)

	for attempt, system := range []string{analysisSystemPrompt, analysisRetryPrompt} {
		raw, err := a.meteredComplete(ctx, ownerID, router.TaskDocumentAnalysis, model, system, text)
		if err != nil {
			slog.Warn("document analysis failed", "attempt", attempt+1, "error", err)
			return analysis{}
		}
		parsed, err := parseAnalysis(raw)
		if err == nil {
			return parsed
		}
		slog.Warn("analysis output rejected", "attempt", attempt+1, "error", err)
	}
	return analysis{}
}

// analysisInput concatenates chunk text up to roughly half the model's context
// window, leaving room for the prompt and the response.
func (a *App) analysisInput(model string, chunks []domain.Chunk) string {
	limit := 200000
	if d, ok := a.catalog.Get(model); ok {
		limit = d.ContextTokens * 4 / 2
	}
	var sb strings.Builder
	for _, chunk := range chunks {
		if sb.Len()+len(chunk.Content) > limit {
			break
		}
		sb.WriteString(chunk.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseAnalysis validates the model output against the expected schema.
// Markdown fences around the object are tolerated, anything else is not.
func parseAnalysis(raw string) (analysis, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out analysis
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return analysis{}, err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return analysis{}, errEmptySummary
	}
	return out, nil
}

var errEmptySummary = errors.New("analysis missing summary")
