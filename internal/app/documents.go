package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docmind/pkg/billing"
	"docmind/pkg/domain"
	"docmind/pkg/store"
)

// GetDocument returns one of the owner's documents. Someone else's document
// is indistinguishable from a missing one.
func (a *App) GetDocument(ownerID, id string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok || doc.OwnerID != ownerID {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// ListDocuments returns the owner's documents, newest first.
func (a *App) ListDocuments(ownerID string) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes the stored object and all database rows. Chunks,
// images and usage aggregation rows cascade with the document.
func (a *App) DeleteDocument(ctx context.Context, ownerID, id string) error {
	doc, err := a.GetDocument(ownerID, id)
	if err != nil {
		return err
	}
	if doc.StorageKey != "" {
		if err := a.objects.Delete(ctx, doc.StorageKey); err != nil {
			// The rows are the source of truth; a stranded object is logged
			// and left for storage lifecycle cleanup.
			slog.Warn("delete document object", "document", id, "error", err)
		}
	}
	if err := a.store.DeleteDocument(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// DownloadURL returns a short-lived pre-signed link to the original PDF.
func (a *App) DownloadURL(ctx context.Context, ownerID, id string) (string, error) {
	doc, err := a.GetDocument(ownerID, id)
	if err != nil {
		return "", err
	}
	if doc.StorageKey == "" {
		return "", ErrDocumentNotFound
	}
	url, err := a.objects.PresignGet(ctx, doc.StorageKey, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// UpdateDocumentMetadata changes the mutable fields only. Derived content is
// never editable through the API.
func (a *App) UpdateDocumentMetadata(ownerID, id, title, author string) (domain.Document, error) {
	doc, err := a.GetDocument(ownerID, id)
	if err != nil {
		return domain.Document{}, err
	}
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	if title == "" && author == "" {
		return domain.Document{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if title == "" {
		title = doc.Title
	}
	if author == "" {
		author = doc.Author
	}
	if err := a.store.UpdateMetadata(id, title, author); err != nil {
		return domain.Document{}, fmt.Errorf("update metadata: %w", err)
	}
	doc.Title = title
	doc.Author = author
	return doc, nil
}

// UsageRow is one aggregated usage line with its credit charge under the
// owner's tier.
type UsageRow struct {
	store.UsageSummary
	Credits int64 `json:"credits"`
}

// UsageReport aggregates the owner's usage records per model and category.
func (a *App) UsageReport(ownerID string) ([]UsageRow, error) {
	summaries, err := a.store.SummarizeUsage(ownerID)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	rows := make([]UsageRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, UsageRow{
			UsageSummary: s,
			Credits:      a.ledger.ToCredits(s.Cost, a.tier),
		})
	}
	return rows, nil
}

// Tier exposes the configured billing tier.
func (a *App) Tier() billing.Tier { return a.tier }
