package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docmind/internal/util"
	"docmind/pkg/domain"
	"docmind/pkg/events"
	"docmind/pkg/queue"
	"docmind/pkg/router"
	"docmind/pkg/storage"
)

// Upload registers a new document, persists its bytes to object storage and
// enqueues processing. The document is visible immediately with status
// "uploading".
func (a *App) Upload(ctx context.Context, ownerID, filename string, data []byte) (domain.Document, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Document{}, fmt.Errorf("%w: owner required", ErrInvalidInput)
	}
	filename = sanitizeFilename(filename)
	if len(data) == 0 {
		return domain.Document{}, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	now := time.Now().UTC()
	doc := domain.Document{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		OriginalFilename: filename,
		Status:           domain.StatusUploading,
		SizeBytes:        int64(len(data)),
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	doc.StorageKey = storage.ObjectKey(ownerID, doc.ID, filename)
	if err := a.store.SaveDocument(doc); err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	if err := a.objects.Put(ctx, doc.StorageKey, bytes.NewReader(data), doc.SizeBytes, "application/pdf"); err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
		return doc, nil
	}
	if a.queue != nil {
		if _, err := a.queue.Enqueue(ctx, doc.ID); err != nil {
			a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
			return doc, nil
		}
	}
	return doc, nil
}

// process is the queue handler for one document. Fatal stage errors mark the
// document failed and return nil: the status row is the retry boundary, not
// the stream message. Returned errors requeue the delivery.
func (a *App) process(ctx context.Context, job queue.ProcessJob) error {
	doc, ok, err := a.store.GetDocument(job.DocumentID)
	if err != nil {
		return err
	}
	if !ok || doc.Status != domain.StatusUploading {
		// Unknown or already-processed document: ack and move on.
		return nil
	}
	if err := a.store.UpdateStatus(doc.ID, domain.StatusProcessing, ""); err != nil {
		return err
	}
	doc.Status = domain.StatusProcessing
	a.publish(ctx, doc)

	data, err := a.download(ctx, doc.StorageKey)
	if err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
		return nil
	}
	result, err := a.extractor.Extract(doc.ID, data)
	if err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrExtraction, err))
		return nil
	}

	now := time.Now().UTC()
	chunks := make([]domain.Chunk, len(result.Chunks))
	for i, c := range result.Chunks {
		c.ID = util.NewID()
		c.DocumentID = doc.ID
		c.CreatedAt = now
		chunks[i] = c
	}
	if err := a.store.ReplaceChunks(doc.ID, chunks); err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
		return nil
	}
	images := make([]domain.ExtractedImage, len(result.Images))
	for i, img := range result.Images {
		img.ID = util.NewID()
		img.DocumentID = doc.ID
		img.CreatedAt = now
		images[i] = img
	}
	if err := a.store.ReplaceImages(doc.ID, images); err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
		return nil
	}

	embeddingModel, err := a.embedChunks(ctx, doc.OwnerID, chunks)
	if err != nil {
		a.fail(ctx, &doc, err)
		return nil
	}

	analysis := a.analyze(ctx, doc.OwnerID, chunks)
	a.describeImages(ctx, doc.OwnerID, images)

	processed := time.Now().UTC()
	doc.PageCount = result.PageCount
	if doc.Title == "" {
		doc.Title = result.Title
	}
	if doc.Author == "" {
		doc.Author = result.Author
	}
	doc.Summary = analysis.Summary
	doc.Topics = analysis.Topics
	doc.Entities = analysis.Entities
	doc.EmbeddingModel = embeddingModel
	doc.Status = domain.StatusCompleted
	doc.ErrorMessage = ""
	doc.ProcessedAt = &processed
	if err := a.store.FinishProcessing(doc); err != nil {
		a.fail(ctx, &doc, domain.StageError(domain.ErrStorage, err))
		return nil
	}
	a.publish(ctx, doc)
	return nil
}

// embedChunks vectorizes every chunk with one router-selected model. A chunk
// whose embedding call fails stays un-embedded and never fails the document,
// even when every chunk is affected; the document completes and retrieval
// simply skips chunks without vectors.
func (a *App) embedChunks(ctx context.Context, ownerID string, chunks []domain.Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", nil
	}
	model, err := a.router.Select(router.TaskEmbedding, router.Simple, a.budgetCeiling)
	if err != nil {
		return "", domain.StageError(domain.ErrEmbedding, err)
	}
	var embedded int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.embedConcurrency)
	counts := make(chan struct{}, len(chunks))
	for _, chunk := range chunks {
		c := chunk
		g.Go(func() error {
			vec, err := a.meteredEmbed(gctx, ownerID, model, c.Content, "RETRIEVAL_DOCUMENT")
			if err != nil {
				slog.Warn("chunk embedding failed", "chunk", c.ID, "page", c.Page, "error", err)
				return nil
			}
			if err := a.store.SetChunkEmbedding(c.ID, vec); err != nil {
				slog.Warn("store chunk embedding", "chunk", c.ID, "error", err)
				return nil
			}
			counts <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	close(counts)
	for range counts {
		embedded++
	}
	if embedded == 0 {
		slog.Error("no chunk could be embedded, document will not be retrievable",
			"model", model, "chunks", len(chunks))
	}
	return model, nil
}

// describeImages attaches a caption and alt text to each extracted image.
// Failures degrade the individual image only.
func (a *App) describeImages(ctx context.Context, ownerID string, images []domain.ExtractedImage) {
	if len(images) == 0 {
		return
	}
	model, err := a.router.Select(router.TaskImageDescription, router.Simple, a.budgetCeiling)
	if err != nil {
		slog.Warn("no vision model available", "error", err)
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.visionConcurrency)
	for _, image := range images {
		img := image
		g.Go(func() error {
			desc, err := a.meteredDescribe(gctx, ownerID, model, img.Payload, img.ContentType,
				"Describe this figure from a document in two sentences, then give a one-line alt text prefixed with 'ALT:'.")
			if err != nil {
				slog.Warn("image description failed", "image", img.ID, "page", img.Page, "error", err)
				return nil
			}
			description, alt := splitAltText(desc)
			if err := a.store.SetImageDescription(img.ID, description, alt); err != nil {
				slog.Warn("store image description", "image", img.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func splitAltText(text string) (description, alt string) {
	description = strings.TrimSpace(text)
	if idx := strings.LastIndex(description, "ALT:"); idx >= 0 {
		alt = strings.TrimSpace(description[idx+len("ALT:"):])
		description = strings.TrimSpace(description[:idx])
	}
	if alt == "" {
		alt = firstSentence(description)
	}
	return description, alt
}

func firstSentence(text string) string {
	for _, sep := range []string{". ", "\n"} {
		if idx := strings.Index(text, sep); idx > 0 {
			return text[:idx+1]
		}
	}
	runes := []rune(text)
	if len(runes) > 120 {
		return string(runes[:120])
	}
	return text
}

func (a *App) download(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty object %s", key)
	}
	return data, nil
}

// jobExhausted runs when a process job burns through its delivery attempts on
// infrastructure errors. The document is flipped to failed so the owner sees
// a terminal status instead of one stuck in processing.
func (a *App) jobExhausted(ctx context.Context, job queue.ProcessJob, cause error) {
	doc, ok, err := a.store.GetDocument(job.DocumentID)
	if err != nil || !ok {
		slog.Error("dead-lettered job references unknown document",
			"job", job.ID, "document", job.DocumentID, "error", err)
		return
	}
	if doc.Status == domain.StatusCompleted || doc.Status == domain.StatusFailed {
		return
	}
	a.fail(ctx, &doc, fmt.Errorf("processing attempts exhausted: %w", cause))
}

// fail marks the document failed, keeping whatever partial rows the pipeline
// already persisted.
func (a *App) fail(ctx context.Context, doc *domain.Document, cause error) {
	slog.Error("document processing failed", "document", doc.ID, "error", cause)
	if err := a.store.UpdateStatus(doc.ID, domain.StatusFailed, cause.Error()); err != nil {
		slog.Error("mark document failed", "document", doc.ID, "error", err)
	}
	doc.Status = domain.StatusFailed
	doc.ErrorMessage = cause.Error()
	a.publish(ctx, *doc)
}

func (a *App) publish(ctx context.Context, doc domain.Document) {
	err := a.events.PublishStatus(ctx, events.StatusEvent{
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     doc.Status,
		Error:      doc.ErrorMessage,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("publish status event", "document", doc.ID, "error", err)
	}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "document.pdf"
	}
	return name
}
