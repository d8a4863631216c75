package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// ExtractionStorage implements the ExtractionStorage interface for Badger.
// Extractions are written inside the job release transaction, so this store
// only reads.
type ExtractionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewExtractionStorage creates a new ExtractionStorage instance.
func NewExtractionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ExtractionStorage {
	return &ExtractionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ExtractionStorage) GetExtractionByJobID(ctx context.Context, jobID string) (*models.Extraction, error) {
	var extractions []*models.Extraction
	if err := s.db.Store().Find(&extractions, badgerhold.Where("JobID").Eq(jobID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find extraction for job %s: %w", jobID, err)
	}
	if len(extractions) == 0 {
		return nil, fmt.Errorf("extraction for job %s: %w", jobID, interfaces.ErrNotFound)
	}
	return extractions[0], nil
}

func (s *ExtractionStorage) ListExtractionsByBatch(ctx context.Context, batchID string) ([]*models.Extraction, error) {
	var extractions []*models.Extraction
	query := badgerhold.Where("BatchID").Eq(batchID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&extractions, query); err != nil {
		return nil, fmt.Errorf("failed to list extractions for batch %s: %w", batchID, err)
	}
	return extractions, nil
}

func (s *ExtractionStorage) ListExtractionsByPaper(ctx context.Context, paperID string) ([]*models.Extraction, error) {
	var extractions []*models.Extraction
	query := badgerhold.Where("PaperID").Eq(paperID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&extractions, query); err != nil {
		return nil, fmt.Errorf("failed to list extractions for paper %s: %w", paperID, err)
	}
	return extractions, nil
}
