package domain

import "time"

type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether the document lifecycle allows moving from one
// status to the next. The lifecycle is forward-only: uploading -> processing ->
// {completed, failed}, and failed may be entered from any non-terminal state.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case StatusUploading:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

type ChunkType string

const (
	ChunkText   ChunkType = "text"
	ChunkTable  ChunkType = "table"
	ChunkHeader ChunkType = "header"
	ChunkFooter ChunkType = "footer"
)

type Document struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	OriginalFilename string         `json:"originalFilename"`
	StorageKey       string         `json:"-"`
	Status           DocumentStatus `json:"status"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	SizeBytes        int64          `json:"sizeBytes"`
	PageCount        int            `json:"pageCount,omitempty"`
	Title            string         `json:"title,omitempty"`
	Author           string         `json:"author,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	Topics           []string       `json:"topics,omitempty"`
	Entities         []string       `json:"entities,omitempty"`
	EmbeddingModel   string         `json:"-"`
	UploadedAt       time.Time      `json:"uploadedAt"`
	ProcessedAt      *time.Time     `json:"processedAt,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// BoundingBox locates content on a page in PDF point coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	Page       int               `json:"page"`
	BBox       BoundingBox       `json:"bbox"`
	Type       ChunkType         `json:"type"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"-"`
	Style      map[string]string `json:"style,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type ExtractedImage struct {
	ID          string      `json:"id"`
	DocumentID  string      `json:"documentId"`
	Page        int         `json:"page"`
	BBox        BoundingBox `json:"bbox"`
	Payload     []byte      `json:"-"`
	ContentType string      `json:"contentType,omitempty"`
	Description string      `json:"description,omitempty"`
	AltText     string      `json:"altText,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// UsageRecord is one billable AI call. Append-only, never mutated.
type UsageRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	ModelID      string    `json:"modelId"`
	Category     string    `json:"category"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	CachedInput  bool      `json:"cachedInput"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ScoredChunk is a chunk ranked by a retrieval query.
type ScoredChunk struct {
	Chunk     Chunk   `json:"chunk"`
	Relevance float64 `json:"relevance"`
}

type Source struct {
	Page      int     `json:"page"`
	Excerpt   string  `json:"excerpt"`
	Relevance float64 `json:"relevance"`
}

// QueryResult is the transient response to one retrieval query.
type QueryResult struct {
	Answer         string        `json:"answer"`
	Sources        []Source      `json:"sources"`
	RelevanceScore float64       `json:"relevanceScore"`
	Chunks         []ScoredChunk `json:"-"`
	CreatedAt      time.Time     `json:"createdAt"`
}
