package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"docmind/pkg/domain"
)

func seedCompletedDocument(t *testing.T, env *testEnv, ownerID, docID string, contents []string) {
	t.Helper()
	now := time.Now().UTC()
	doc := domain.Document{
		ID:               docID,
		OwnerID:          ownerID,
		OriginalFilename: docID + ".pdf",
		Status:           domain.StatusUploading,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	if err := env.store.SaveDocument(doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
	chunks := make([]domain.Chunk, 0, len(contents))
	for i, content := range contents {
		chunks = append(chunks, domain.Chunk{
			ID:         docID + "-c" + string(rune('a'+i)),
			DocumentID: docID,
			Page:       i + 1,
			Type:       domain.ChunkText,
			Content:    content,
			Embedding:  []float32{1, 0, 0},
			CreatedAt:  now,
		})
	}
	if err := env.store.ReplaceChunks(docID, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := env.store.UpdateStatus(docID, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	doc.EmbeddingModel = "text-embed-small"
	doc.PageCount = len(contents)
	if err := env.store.FinishProcessing(doc); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestQueryAnswersFromOwnedChunks(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})
	seedCompletedDocument(t, env, "owner-1", "doc-1", []string{
		"The warranty period is two years from delivery.",
		"Returns are accepted within thirty days.",
	})

	res, err := env.app.Query(context.Background(), "owner-1", "How long is the warranty?", nil, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Answer == cannotAnswerText {
		t.Fatalf("expected grounded answer, got cannot-answer")
	}
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(res.Sources))
	}
	if res.Sources[0].Page != 1 || res.Sources[0].Relevance <= 0 {
		t.Fatalf("unexpected first source: %+v", res.Sources[0])
	}
	if res.RelevanceScore <= 0 || res.RelevanceScore > 1 {
		t.Fatalf("relevance score out of range: %f", res.RelevanceScore)
	}

	// Query embedding reuses the ingestion model and both calls are metered.
	if got := env.client.embedModels; len(got) != 1 || got[0] != "text-embed-small" {
		t.Fatalf("query embed models = %v", got)
	}
	var synthesis int
	for _, r := range env.store.UsageRecords() {
		if r.Category == "answer-synthesis" {
			synthesis++
		}
	}
	if synthesis != 1 {
		t.Fatalf("answer-synthesis usage records = %d, want 1", synthesis)
	}
}

func TestQueryEmptyIndexCannotAnswer(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})

	res, err := env.app.Query(context.Background(), "owner-1", "anything?", nil, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Answer != cannotAnswerText || len(res.Sources) != 0 {
		t.Fatalf("expected cannot-answer with no sources, got %+v", res)
	}
}

func TestQueryDoesNotSeeOtherOwnersChunks(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})
	seedCompletedDocument(t, env, "owner-2", "doc-2", []string{"secret contents"})

	res, err := env.app.Query(context.Background(), "owner-1", "what are the secret contents?", nil, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Answer != cannotAnswerText {
		t.Fatalf("cross-owner leak: %+v", res)
	}
}

func TestQueryScopedToDocumentSubset(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})
	seedCompletedDocument(t, env, "owner-1", "doc-a", []string{"alpha facts"})
	seedCompletedDocument(t, env, "owner-1", "doc-b", []string{"beta facts"})

	chunks, err := env.app.Retrieve(context.Background(), "owner-1", "facts", []string{"doc-b"}, 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Chunk.DocumentID != "doc-b" {
		t.Fatalf("expected only doc-b chunks, got %+v", chunks)
	}
}

func TestQuerySynthesisFailureCannotAnswer(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})
	seedCompletedDocument(t, env, "owner-1", "doc-1", []string{"some indexed text"})
	env.client.completeErr = errors.New("model overloaded")

	res, err := env.app.Query(context.Background(), "owner-1", "what text?", nil, 5)
	if err != nil {
		t.Fatalf("query must not surface provider errors: %v", err)
	}
	if res.Answer != cannotAnswerText {
		t.Fatalf("expected cannot-answer on synthesis failure")
	}
	if len(res.Sources) == 0 {
		t.Fatalf("retrieval sources should still be reported")
	}
}

func TestQueryRejectsEmptyQuery(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(1, 0)})
	if _, err := env.app.Query(context.Background(), "owner-1", "   ", nil, 5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUsageReportConvertsCostToCredits(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{result: sampleExtraction(4, 0)})
	uploadAndProcess(t, env)

	rows, err := env.app.UsageReport("owner-1")
	if err != nil {
		t.Fatalf("usage report: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("expected usage rows after processing")
	}
	for _, row := range rows {
		if row.Calls == 0 {
			t.Fatalf("empty aggregation row: %+v", row)
		}
		if row.Cost > 0 && row.Credits == 0 {
			t.Fatalf("nonzero cost with zero credits: %+v", row)
		}
	}
}
