package domain

import (
	"context"
	"errors"
	"fmt"
)

// Pipeline error classes. Storage and extraction errors are fatal to the
// triggering document; embedding, analysis and vision errors degrade the
// affected item only.
var (
	ErrStorage    = errors.New("storage error")
	ErrExtraction = errors.New("extraction error")
	ErrEmbedding  = errors.New("embedding error")
	ErrAnalysis   = errors.New("analysis error")
	ErrVision     = errors.New("vision error")
)

// ErrProviderTimeout marks a provider call that exceeded its deadline. It is
// classified exactly like the stage it occurred in.
var ErrProviderTimeout = errors.New("provider timeout")

// UnknownModelError is a programmer error: the router or ledger was handed a
// model id missing from the catalog. It is always surfaced, never swallowed.
type UnknownModelError struct {
	ModelID string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %q", e.ModelID)
}

// StageError ties an underlying failure to one of the pipeline error classes
// so callers can test class membership with errors.Is.
func StageError(class error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %w", class, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %w", class, err)
}
