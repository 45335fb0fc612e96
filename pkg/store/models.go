package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string
	Status           string `gorm:"not null"`
	ErrorMessage     string
	SizeBytes        int64 `gorm:"not null"`
	PageCount        int
	Title            string
	Author           string
	Summary          string         `gorm:"type:text"`
	Topics           datatypes.JSON `gorm:"type:jsonb"`
	Entities         datatypes.JSON `gorm:"type:jsonb"`
	EmbeddingModel   string
	UploadedAt       time.Time `gorm:"not null"`
	ProcessedAt      *time.Time
	UpdatedAt        time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID         string  `gorm:"primaryKey"`
	DocumentID string  `gorm:"not null;index"`
	OwnerID    string  `gorm:"not null;index"`
	Page       int     `gorm:"not null;index"`
	BboxX      float64 `gorm:"column:bbox_x"`
	BboxY      float64 `gorm:"column:bbox_y"`
	BboxW      float64 `gorm:"column:bbox_w"`
	BboxH      float64 `gorm:"column:bbox_h"`
	Type       string  `gorm:"not null"`
	Content    string  `gorm:"type:text;not null"`
	Style      datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt  time.Time        `gorm:"not null;index"`
}

type ImageModel struct {
	ID          string  `gorm:"primaryKey"`
	DocumentID  string  `gorm:"not null;index"`
	Page        int     `gorm:"not null"`
	BboxX       float64 `gorm:"column:bbox_x"`
	BboxY       float64 `gorm:"column:bbox_y"`
	BboxW       float64 `gorm:"column:bbox_w"`
	BboxH       float64 `gorm:"column:bbox_h"`
	Payload     []byte  `gorm:"type:bytea"`
	ContentType string
	Description string    `gorm:"type:text"`
	AltText     string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
}

type UsageRecordModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	ModelID      string `gorm:"not null;index"`
	Category     string `gorm:"not null"`
	InputTokens  int64  `gorm:"not null"`
	OutputTokens int64  `gorm:"not null"`
	Cost         float64 `gorm:"not null"`
	CachedInput  bool
	CreatedAt    time.Time `gorm:"not null;index"`
}
