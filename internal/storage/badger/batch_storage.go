package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// BatchStorage implements the BatchStorage interface for Badger.
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new BatchStorage instance.
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	return &batch, nil
}

func (s *BatchStorage) ListBatches(ctx context.Context, limit, offset int) ([]*models.Batch, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}

	var batches []*models.Batch
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

func (s *BatchStorage) MarkBatchStale(ctx context.Context, id string) error {
	return s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		var batch models.Batch
		if err := s.db.Store().TxGet(tx, id, &batch); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
			}
			return fmt.Errorf("failed to get batch %s: %w", id, err)
		}
		if batch.Stale {
			return nil
		}
		batch.Stale = true
		if err := s.db.Store().TxUpdate(tx, id, &batch); err != nil {
			return fmt.Errorf("failed to mark batch %s stale: %w", id, err)
		}
		return nil
	})
}

// SaveBatchMetrics caches a recomputed snapshot. The first attempt clears
// the stale flag; if a job write lands on the batch row while the snapshot
// is being saved, badger reports a conflict and the snapshot is saved again
// with the flag left as the job write set it. The metrics are then one write
// behind and the next read triggers a recompute.
func (s *BatchStorage) SaveBatchMetrics(ctx context.Context, id string, metrics *models.BatchMetrics, completedAt *time.Time) (*models.Batch, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}

	var updated *models.Batch
	apply := func(clearStale bool) func(tx *badgerdb.Txn) error {
		return func(tx *badgerdb.Txn) error {
			updated = nil

			var batch models.Batch
			if err := s.db.Store().TxGet(tx, id, &batch); err != nil {
				if err == badgerhold.ErrNotFound {
					return fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
				}
				return fmt.Errorf("failed to get batch %s: %w", id, err)
			}

			now := time.Now().UTC()
			batch.Metrics = metrics
			batch.MetricsComputedAt = &now
			if clearStale {
				batch.Stale = false
			}
			if completedAt != nil && batch.CompletedAt == nil {
				batch.CompletedAt = completedAt
			}
			if err := s.db.Store().TxUpdate(tx, id, &batch); err != nil {
				return fmt.Errorf("failed to save batch metrics: %w", err)
			}
			updated = &batch
			return nil
		}
	}

	err := s.db.Update(apply(true))
	if errors.Is(err, badgerdb.ErrConflict) {
		err = s.db.UpdateWithRetry(apply(false))
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}
