package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"docmind/pkg/domain"
	"docmind/pkg/router"
)

const cannotAnswerText = "I cannot answer that from your documents."

const answerSystemPrompt = "You answer questions strictly from the provided context passages. " +
	"If the context does not contain the answer, say the information is not present in the documents. " +
	"Never invent facts beyond the context."

// Retrieve embeds the query and ranks the owner's chunks by cosine similarity.
// The query is embedded with the same model that embedded the documents, so
// both live in one vector space. An empty index is an empty result, not an
// error.
func (a *App) Retrieve(ctx context.Context, ownerID, query string, documentIDs []string, topK int) ([]domain.ScoredChunk, error) {
	if topK <= 0 {
		topK = a.topK
	}
	if topK > a.maxTopK {
		topK = a.maxTopK
	}
	model, err := a.queryEmbeddingModel(ownerID, documentIDs)
	if err != nil {
		return nil, err
	}
	vec, err := a.meteredEmbed(ctx, ownerID, model, query, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, domain.StageError(domain.ErrEmbedding, err)
	}
	scored, err := a.store.SearchChunks(ownerID, documentIDs, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return scored, nil
}

// queryEmbeddingModel reuses the embedding model recorded on the owner's
// documents at ingestion time, falling back to the router's current pick when
// the owner has no completed documents yet.
func (a *App) queryEmbeddingModel(ownerID string, documentIDs []string) (string, error) {
	docs, err := a.store.ListDocumentsByOwner(ownerID)
	if err != nil {
		return "", fmt.Errorf("list documents: %w", err)
	}
	wanted := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		wanted[id] = true
	}
	for _, doc := range docs {
		if len(wanted) > 0 && !wanted[doc.ID] {
			continue
		}
		if doc.Status == domain.StatusCompleted && doc.EmbeddingModel != "" {
			return doc.EmbeddingModel, nil
		}
	}
	return a.router.Select(router.TaskEmbedding, router.Simple, a.budgetCeiling)
}

// Query answers a question over the owner's documents. Retrieval or synthesis
// failures yield a "cannot answer" result; the HTTP caller never sees a
// provider error.
func (a *App) Query(ctx context.Context, ownerID, query string, documentIDs []string, topK int) (domain.QueryResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.QueryResult{}, fmt.Errorf("%w: query required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	chunks, err := a.Retrieve(ctx, ownerID, query, documentIDs, topK)
	if err != nil {
		slog.Warn("retrieval failed", "owner", ownerID, "error", err)
		return cannotAnswer(nil, now), nil
	}
	if len(chunks) == 0 {
		return cannotAnswer(nil, now), nil
	}
	return a.answer(ctx, ownerID, query, chunks, now), nil
}

// answer runs one grounded completion over the retrieved chunks, fitted to
// the synthesis model's context window.
func (a *App) answer(ctx context.Context, ownerID, query string, chunks []domain.ScoredChunk, now time.Time) domain.QueryResult {
	model, err := a.router.Select(router.TaskAnswerSynthesis, router.Complex, a.budgetCeiling)
	if err != nil {
		slog.Warn("no synthesis model available", "error", err)
		return cannotAnswer(chunks, now)
	}
	fitted := a.fitContext(model, chunks)
	prompt := buildAnswerPrompt(query, fitted)
	text, err := a.meteredComplete(ctx, ownerID, router.TaskAnswerSynthesis, model, answerSystemPrompt, prompt)
	if err != nil {
		slog.Warn("answer synthesis failed", "owner", ownerID, "error", err)
		return cannotAnswer(chunks, now)
	}
	return domain.QueryResult{
		Answer:         strings.TrimSpace(text),
		Sources:        buildSources(fitted),
		RelevanceScore: topRelevance(fitted),
		Chunks:         fitted,
		CreatedAt:      now,
	}
}

// fitContext keeps the highest-relevance chunks that fit the model's context
// window at roughly four characters per token, reserving headroom for the
// prompt scaffold and the response.
func (a *App) fitContext(model string, chunks []domain.ScoredChunk) []domain.ScoredChunk {
	budget := 24000
	if d, ok := a.catalog.Get(model); ok {
		budget = d.ContextTokens * 4 * 3 / 4
	}
	ranked := make([]domain.ScoredChunk, len(chunks))
	copy(ranked, chunks)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Relevance > ranked[j].Relevance })

	kept := make(map[string]bool, len(ranked))
	used := 0
	for _, sc := range ranked {
		cost := len(sc.Chunk.Content) + 64
		if used+cost > budget {
			continue
		}
		kept[sc.Chunk.ID] = true
		used += cost
	}
	out := make([]domain.ScoredChunk, 0, len(kept))
	for _, sc := range chunks {
		if kept[sc.Chunk.ID] {
			out = append(out, sc)
		}
	}
	return out
}

func buildAnswerPrompt(query string, chunks []domain.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString("Context passages:\n")
	for i, sc := range chunks {
		fmt.Fprintf(&sb, "[%d] (page %d) %s\n\n", i+1, sc.Chunk.Page, sc.Chunk.Content)
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nAnswer from the context above, citing passage numbers.")
	return sb.String()
}

// buildSources keeps chunk supply order and truncates each excerpt to 240
// runes.
func buildSources(chunks []domain.ScoredChunk) []domain.Source {
	sources := make([]domain.Source, 0, len(chunks))
	for _, sc := range chunks {
		excerpt := sc.Chunk.Content
		if runes := []rune(excerpt); len(runes) > 240 {
			excerpt = string(runes[:240]) + "…"
		}
		sources = append(sources, domain.Source{
			Page:      sc.Chunk.Page,
			Excerpt:   excerpt,
			Relevance: sc.Relevance,
		})
	}
	return sources
}

func topRelevance(chunks []domain.ScoredChunk) float64 {
	top := 0.0
	for _, sc := range chunks {
		if sc.Relevance > top {
			top = sc.Relevance
		}
	}
	return top
}

func cannotAnswer(chunks []domain.ScoredChunk, now time.Time) domain.QueryResult {
	return domain.QueryResult{
		Answer:         cannotAnswerText,
		Sources:        buildSources(chunks),
		RelevanceScore: topRelevance(chunks),
		Chunks:         chunks,
		CreatedAt:      now,
	}
}
