package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"docmind/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and small deployments
// and performs retrieval as an exact cosine scan.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]domain.Document
	order  []string
	chunks map[string][]domain.Chunk          // document id -> chunks
	images map[string][]domain.ExtractedImage // document id -> images
	usage  []domain.UsageRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]domain.Document),
		chunks: make(map[string][]domain.Chunk),
		images: make(map[string][]domain.ExtractedImage),
	}
}

// SaveDocument stores or replaces a document and tracks insertion order.
func (m *MemoryStore) SaveDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[d.ID]; !exists {
		m.order = append(m.order, d.ID)
	}
	m.docs[d.ID] = d
	return nil
}

// UpdateStatus moves a document forward through its lifecycle.
func (m *MemoryStore) UpdateStatus(id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	if !doc.Status.CanTransition(status) {
		return fmt.Errorf("invalid status transition %s -> %s", doc.Status, status)
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

// FinishProcessing persists analysis output and completes the document.
func (m *MemoryStore) FinishProcessing(updated domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[updated.ID]
	if !ok {
		return fmt.Errorf("document not found: %s", updated.ID)
	}
	if !doc.Status.CanTransition(domain.StatusCompleted) {
		return fmt.Errorf("invalid status transition %s -> %s", doc.Status, domain.StatusCompleted)
	}
	now := time.Now().UTC()
	doc.Status = domain.StatusCompleted
	doc.ErrorMessage = ""
	doc.PageCount = updated.PageCount
	doc.Title = updated.Title
	doc.Author = updated.Author
	doc.Summary = updated.Summary
	doc.Topics = updated.Topics
	doc.Entities = updated.Entities
	doc.EmbeddingModel = updated.EmbeddingModel
	doc.ProcessedAt = &now
	doc.UpdatedAt = now
	m.docs[updated.ID] = doc
	return nil
}

// UpdateMetadata updates the mutable metadata fields only.
func (m *MemoryStore) UpdateMetadata(id, title, author string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.Title = title
	doc.Author = author
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

// GetDocument retrieves a document by ID.
func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

// ListDocumentsByOwner returns the owner's documents in insertion order.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.order {
		if d, ok := m.docs[id]; ok && d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

// DeleteDocument removes the document and all derived records.
func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.chunks, id)
	delete(m.images, id)
	filtered := m.order[:0]
	for _, item := range m.order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.order = filtered
	return nil
}

// ReplaceChunks replaces all chunks for a document.
func (m *MemoryStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]domain.Chunk, len(chunks))
	copy(copied, chunks)
	m.chunks[documentID] = copied
	return nil
}

// ListChunksByDocument returns chunks ordered by page.
func (m *MemoryStore) ListChunksByDocument(documentID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := make([]domain.Chunk, len(m.chunks[documentID]))
	copy(chunks, m.chunks[documentID])
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Page < chunks[j].Page })
	return chunks, nil
}

// SetChunkEmbedding attaches the embedding vector to a chunk.
func (m *MemoryStore) SetChunkEmbedding(id string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, chunks := range m.chunks {
		for i := range chunks {
			if chunks[i].ID == id {
				vec := make([]float32, len(embedding))
				copy(vec, embedding)
				chunks[i].Embedding = vec
				m.chunks[docID] = chunks
				return nil
			}
		}
	}
	return fmt.Errorf("chunk not found: %s", id)
}

// SearchChunks performs an exact cosine scan over the owner's embedded chunks.
func (m *MemoryStore) SearchChunks(ownerID string, documentIDs []string, embedding []float32, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	wanted := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		wanted[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var scored []domain.ScoredChunk
	for docID, chunks := range m.chunks {
		doc, ok := m.docs[docID]
		if !ok || doc.OwnerID != ownerID {
			continue
		}
		if len(wanted) > 0 && !wanted[docID] {
			continue
		}
		for _, chunk := range chunks {
			if len(chunk.Embedding) == 0 {
				continue
			}
			sim, ok := cosineSimilarity(embedding, chunk.Embedding)
			if !ok {
				continue
			}
			scored = append(scored, domain.ScoredChunk{Chunk: chunk, Relevance: clampRelevance(sim)})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		return scored[i].Chunk.Page < scored[j].Chunk.Page
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	if scored == nil {
		scored = []domain.ScoredChunk{}
	}
	return scored, nil
}

// ReplaceImages replaces all extracted images for a document.
func (m *MemoryStore) ReplaceImages(documentID string, images []domain.ExtractedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]domain.ExtractedImage, len(images))
	copy(copied, images)
	m.images[documentID] = copied
	return nil
}

// ListImagesByDocument returns the document's images ordered by page.
func (m *MemoryStore) ListImagesByDocument(documentID string) ([]domain.ExtractedImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	images := make([]domain.ExtractedImage, len(m.images[documentID]))
	copy(images, m.images[documentID])
	sort.SliceStable(images, func(i, j int) bool { return images[i].Page < images[j].Page })
	return images, nil
}

// SetImageDescription attaches the generated description and alt text.
func (m *MemoryStore) SetImageDescription(id, description, altText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, images := range m.images {
		for i := range images {
			if images[i].ID == id {
				images[i].Description = description
				images[i].AltText = altText
				m.images[docID] = images
				return nil
			}
		}
	}
	return fmt.Errorf("image not found: %s", id)
}

// AppendUsage records one billable call.
func (m *MemoryStore) AppendUsage(record domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, record)
	return nil
}

// SummarizeUsage aggregates the owner's usage per model and category.
func (m *MemoryStore) SummarizeUsage(ownerID string) ([]UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := make(map[string]*UsageSummary)
	var keys []string
	for _, r := range m.usage {
		if r.OwnerID != ownerID {
			continue
		}
		key := r.ModelID + "\x00" + r.Category
		summary, ok := byKey[key]
		if !ok {
			summary = &UsageSummary{ModelID: r.ModelID, Category: r.Category}
			byKey[key] = summary
			keys = append(keys, key)
		}
		summary.Calls++
		summary.InputTokens += r.InputTokens
		summary.OutputTokens += r.OutputTokens
		summary.Cost += r.Cost
	}
	sort.Strings(keys)
	res := make([]UsageSummary, 0, len(keys))
	for _, key := range keys {
		res = append(res, *byKey[key])
	}
	return res, nil
}

// UsageRecords returns a copy of all recorded usage, newest last.
func (m *MemoryStore) UsageRecords() []domain.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
