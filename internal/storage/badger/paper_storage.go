package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// PaperStorage implements the PaperStorage interface for Badger.
type PaperStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPaperStorage creates a new PaperStorage instance.
func NewPaperStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PaperStorage {
	return &PaperStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PaperStorage) SavePaper(ctx context.Context, paper *models.Paper) error {
	if paper == nil || paper.ID == "" {
		return fmt.Errorf("paper ID is required")
	}
	paper.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(paper.ID, paper); err != nil {
		return fmt.Errorf("failed to save paper: %w", err)
	}
	return nil
}

func (s *PaperStorage) GetPaper(ctx context.Context, id string) (*models.Paper, error) {
	var paper models.Paper
	if err := s.db.Store().Get(id, &paper); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("paper %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get paper %s: %w", id, err)
	}
	return &paper, nil
}

func (s *PaperStorage) FindPaperByDOI(ctx context.Context, doi string) (*models.Paper, error) {
	if doi == "" {
		return nil, fmt.Errorf("DOI is required")
	}
	var papers []*models.Paper
	if err := s.db.Store().Find(&papers, badgerhold.Where("DOI").Eq(doi).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find paper by DOI: %w", err)
	}
	if len(papers) == 0 {
		return nil, fmt.Errorf("paper with DOI %s: %w", doi, interfaces.ErrNotFound)
	}
	return papers[0], nil
}

func (s *PaperStorage) FindPaperByArxivID(ctx context.Context, arxivID string) (*models.Paper, error) {
	if arxivID == "" {
		return nil, fmt.Errorf("arXiv id is required")
	}
	var papers []*models.Paper
	if err := s.db.Store().Find(&papers, badgerhold.Where("ArxivID").Eq(arxivID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find paper by arXiv id: %w", err)
	}
	if len(papers) == 0 {
		return nil, fmt.Errorf("paper with arXiv id %s: %w", arxivID, interfaces.ErrNotFound)
	}
	return papers[0], nil
}

func (s *PaperStorage) ListPapers(ctx context.Context, limit, offset int) ([]*models.Paper, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}

	var papers []*models.Paper
	if err := s.db.Store().Find(&papers, query); err != nil {
		return nil, fmt.Errorf("failed to list papers: %w", err)
	}
	return papers, nil
}
