package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docmind/pkg/domain"
)

const migrateLockID int64 = 84218421

const defaultEmbeddingDim = 768

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&DocumentModel{}, &ChunkModel{}, &ImageModel{}, &UsageRecordModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
				DELETE FROM image_models i
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = i.document_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_document_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'image_models'
					AND constraint_name = 'image_models_document_id_fkey'
				) THEN
					ALTER TABLE image_models
					ADD CONSTRAINT image_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure document foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveDocument stores or updates a document.
func (s *GormStore) SaveDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id", "original_filename", "storage_key", "status", "error_message",
			"size_bytes", "page_count", "title", "author", "summary", "topics",
			"entities", "embedding_model", "processed_at", "updated_at",
		}),
	}).Create(&model).Error
}

// UpdateStatus moves a document forward through its lifecycle. Backward
// transitions are rejected.
func (s *GormStore) UpdateStatus(id string, status domain.DocumentStatus, errMsg string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		current := domain.DocumentStatus(model.Status)
		if !current.CanTransition(status) {
			return fmt.Errorf("invalid status transition %s -> %s", current, status)
		}
		return tx.Model(&DocumentModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":        string(status),
				"error_message": errMsg,
				"updated_at":    time.Now().UTC(),
			}).Error
	})
}

// FinishProcessing persists the analysis output and marks the document
// completed in one transition.
func (s *GormStore) FinishProcessing(doc domain.Document) error {
	topics, _ := json.Marshal(doc.Topics)
	entities, _ := json.Marshal(doc.Entities)
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", doc.ID).Error; err != nil {
			return err
		}
		current := domain.DocumentStatus(model.Status)
		if !current.CanTransition(domain.StatusCompleted) {
			return fmt.Errorf("invalid status transition %s -> %s", current, domain.StatusCompleted)
		}
		now := time.Now().UTC()
		return tx.Model(&DocumentModel{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"status":          string(domain.StatusCompleted),
				"error_message":   "",
				"page_count":      doc.PageCount,
				"title":           doc.Title,
				"author":          doc.Author,
				"summary":         doc.Summary,
				"topics":          topics,
				"entities":        entities,
				"embedding_model": doc.EmbeddingModel,
				"processed_at":    now,
				"updated_at":      now,
			}).Error
	})
}

// UpdateMetadata updates the mutable metadata fields only.
func (s *GormStore) UpdateMetadata(id, title, author string) error {
	return s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":      title,
			"author":     author,
			"updated_at": time.Now().UTC(),
		}).Error
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns documents filtered by owner.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("uploaded_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// DeleteDocument removes the document row; chunks and images cascade.
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Delete(&DocumentModel{}, "id = ?", id).Error
}

// ReplaceChunks replaces all chunks for a document.
func (s *GormStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var doc DocumentModel
		if err := tx.First(&doc, "id = ?", documentID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.DocumentID = documentID
			model.OwnerID = doc.OwnerID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunksByDocument returns chunks ordered by page then creation.
func (s *GormStore) ListChunksByDocument(documentID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Where("document_id = ?", documentID).Order("page ASC, created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// SetChunkEmbedding attaches the embedding vector to a chunk.
func (s *GormStore) SetChunkEmbedding(id string, embedding []float32) error {
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return err
	}
	return s.db.Model(&ChunkModel{}).Where("id = ?", id).
		Update("embedding", pgvector.NewVector(embedding)).Error
}

type chunkSearchRow struct {
	ChunkModel `gorm:"embedded"`
	Relevance  float64
}

// SearchChunks finds the owner's most similar chunks by cosine distance,
// optionally restricted to a document subset. Ties break by earlier page.
func (s *GormStore) SearchChunks(ownerID string, documentIDs []string, embedding []float32, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []chunkSearchRow
	if err := chunkSearchQuery(s.db, ownerID, documentIDs, vec, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.ScoredChunk{
			Chunk:     chunkFromModel(row.ChunkModel),
			Relevance: clampRelevance(row.Relevance),
		})
	}
	return res, nil
}

// chunkSearchQuery builds the similarity scan. The ORDER BY goes through
// clause.OrderBy because gorm's Order() silently drops bare clause.Expr
// arguments, which would leave the scan unordered by distance.
func chunkSearchQuery(tx *gorm.DB, ownerID string, documentIDs []string, vec pgvector.Vector, limit int) *gorm.DB {
	q := tx.Model(&ChunkModel{}).
		Select("chunk_models.*, 1 - (embedding <=> ?) AS relevance", vec).
		Where("owner_id = ? AND embedding IS NOT NULL", ownerID)
	if len(documentIDs) > 0 {
		q = q.Where("document_id IN ?", documentIDs)
	}
	return q.Order(clause.OrderBy{
		Expression: clause.Expr{SQL: "embedding <=> ?, page ASC", Vars: []any{vec}},
	}).Limit(limit)
}

// ReplaceImages replaces all extracted images for a document.
func (s *GormStore) ReplaceImages(documentID string, images []domain.ExtractedImage) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ImageModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(images) == 0 {
			return nil
		}
		models := make([]ImageModel, 0, len(images))
		for _, img := range images {
			model := imageToModel(img)
			model.DocumentID = documentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 50).Error
	})
}

// ListImagesByDocument returns images ordered by page.
func (s *GormStore) ListImagesByDocument(documentID string) ([]domain.ExtractedImage, error) {
	var models []ImageModel
	if err := s.db.Where("document_id = ?", documentID).Order("page ASC, created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	images := make([]domain.ExtractedImage, 0, len(models))
	for _, model := range models {
		images = append(images, imageFromModel(model))
	}
	return images, nil
}

// SetImageDescription attaches the generated description and alt text.
func (s *GormStore) SetImageDescription(id, description, altText string) error {
	return s.db.Model(&ImageModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"description": description,
			"alt_text":    altText,
		}).Error
}

// AppendUsage writes one usage record. Records are never updated.
func (s *GormStore) AppendUsage(record domain.UsageRecord) error {
	model := usageToModel(record)
	return s.db.Create(&model).Error
}

// SummarizeUsage aggregates the owner's usage per model and category.
func (s *GormStore) SummarizeUsage(ownerID string) ([]UsageSummary, error) {
	var rows []UsageSummary
	err := s.db.Model(&UsageRecordModel{}).
		Select("model_id, category, COUNT(*) AS calls, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, SUM(cost) AS cost").
		Where("owner_id = ?", ownerID).
		Group("model_id, category").
		Order("model_id ASC, category ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func clampRelevance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func documentToModel(d domain.Document) DocumentModel {
	topics, _ := json.Marshal(d.Topics)
	entities, _ := json.Marshal(d.Entities)
	return DocumentModel{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		OriginalFilename: d.OriginalFilename,
		StorageKey:       d.StorageKey,
		Status:           string(d.Status),
		ErrorMessage:     d.ErrorMessage,
		SizeBytes:        d.SizeBytes,
		PageCount:        d.PageCount,
		Title:            d.Title,
		Author:           d.Author,
		Summary:          d.Summary,
		Topics:           topics,
		Entities:         entities,
		EmbeddingModel:   d.EmbeddingModel,
		UploadedAt:       d.UploadedAt,
		ProcessedAt:      d.ProcessedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var topics, entities []string
	if len(m.Topics) > 0 {
		_ = json.Unmarshal(m.Topics, &topics)
	}
	if len(m.Entities) > 0 {
		_ = json.Unmarshal(m.Entities, &entities)
	}
	return domain.Document{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		Status:           domain.DocumentStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		SizeBytes:        m.SizeBytes,
		PageCount:        m.PageCount,
		Title:            m.Title,
		Author:           m.Author,
		Summary:          m.Summary,
		Topics:           topics,
		Entities:         entities,
		EmbeddingModel:   m.EmbeddingModel,
		UploadedAt:       m.UploadedAt,
		ProcessedAt:      m.ProcessedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	style, _ := json.Marshal(chunk.Style)
	model := ChunkModel{
		ID:         chunk.ID,
		DocumentID: chunk.DocumentID,
		Page:       chunk.Page,
		BboxX:      chunk.BBox.X,
		BboxY:      chunk.BBox.Y,
		BboxW:      chunk.BBox.Width,
		BboxH:      chunk.BBox.Height,
		Type:       string(chunk.Type),
		Content:    chunk.Content,
		Style:      style,
		CreatedAt:  chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var style map[string]string
	if len(model.Style) > 0 {
		_ = json.Unmarshal(model.Style, &style)
	}
	chunk := domain.Chunk{
		ID:         model.ID,
		DocumentID: model.DocumentID,
		Page:       model.Page,
		BBox:       domain.BoundingBox{X: model.BboxX, Y: model.BboxY, Width: model.BboxW, Height: model.BboxH},
		Type:       domain.ChunkType(model.Type),
		Content:    model.Content,
		Style:      style,
		CreatedAt:  model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}

func imageToModel(img domain.ExtractedImage) ImageModel {
	return ImageModel{
		ID:          img.ID,
		DocumentID:  img.DocumentID,
		Page:        img.Page,
		BboxX:       img.BBox.X,
		BboxY:       img.BBox.Y,
		BboxW:       img.BBox.Width,
		BboxH:       img.BBox.Height,
		Payload:     img.Payload,
		ContentType: img.ContentType,
		Description: img.Description,
		AltText:     img.AltText,
		CreatedAt:   img.CreatedAt,
	}
}

func imageFromModel(m ImageModel) domain.ExtractedImage {
	return domain.ExtractedImage{
		ID:          m.ID,
		DocumentID:  m.DocumentID,
		Page:        m.Page,
		BBox:        domain.BoundingBox{X: m.BboxX, Y: m.BboxY, Width: m.BboxW, Height: m.BboxH},
		Payload:     m.Payload,
		ContentType: m.ContentType,
		Description: m.Description,
		AltText:     m.AltText,
		CreatedAt:   m.CreatedAt,
	}
}

func usageToModel(r domain.UsageRecord) UsageRecordModel {
	return UsageRecordModel{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		ModelID:      r.ModelID,
		Category:     r.Category,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Cost:         r.Cost,
		CachedInput:  r.CachedInput,
		CreatedAt:    r.CreatedAt,
	}
}
