package store

import "docmind/pkg/domain"

// UsageSummary is one aggregated row of the usage report.
type UsageSummary struct {
	ModelID      string  `json:"modelId"`
	Category     string  `json:"category"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Store defines persistence for documents, chunks, images and usage records.
type Store interface {
	// documents
	SaveDocument(domain.Document) error
	UpdateStatus(id string, status domain.DocumentStatus, errMsg string) error
	FinishProcessing(doc domain.Document) error
	UpdateMetadata(id, title, author string) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	DeleteDocument(id string) error

	// chunks
	ReplaceChunks(documentID string, chunks []domain.Chunk) error
	ListChunksByDocument(documentID string) ([]domain.Chunk, error)
	SetChunkEmbedding(id string, embedding []float32) error
	SearchChunks(ownerID string, documentIDs []string, embedding []float32, limit int) ([]domain.ScoredChunk, error)

	// images
	ReplaceImages(documentID string, images []domain.ExtractedImage) error
	ListImagesByDocument(documentID string) ([]domain.ExtractedImage, error)
	SetImageDescription(id, description, altText string) error

	// usage
	AppendUsage(domain.UsageRecord) error
	SummarizeUsage(ownerID string) ([]UsageSummary, error)
}
