package badger

import (
	"errors"
	"fmt"
	"os"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/common"
)

const (
	// Conflict retry budget for serialized read-modify-write transactions.
	// Claims and releases in the same batch contend on the batch row, so the
	// budget is sized for a full worker pool hitting one batch at once.
	txnMaxRetries = 100
	txnRetryDelay = 1 * time.Millisecond
)

// BadgerDB wraps a badgerhold store and owns its lifecycle.
type BadgerDB struct {
	store  *badgerhold.Store
	path   string
	logger arbor.ILogger
}

// NewBadgerDB opens (or creates) the badger database at the configured path.
func NewBadgerDB(cfg *common.BadgerConfig, logger arbor.ILogger) (*BadgerDB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("badger config is required")
	}
	if logger == nil {
		logger = common.GetLogger()
	}

	if cfg.ResetOnStartup {
		logger.Warn().Str("path", cfg.Path).Msg("Resetting badger database on startup")
		if err := os.RemoveAll(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to reset badger database: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("Badger database opened")

	return &BadgerDB{
		store:  store,
		path:   cfg.Path,
		logger: logger,
	}, nil
}

// Store returns the underlying badgerhold store.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Path returns the on-disk location of the database.
func (b *BadgerDB) Path() string {
	return b.path
}

// Update runs fn inside a single read-write transaction. Badger detects
// conflicting commits at commit time, so callers that race on shared rows
// should go through UpdateWithRetry instead.
func (b *BadgerDB) Update(fn func(txn *badgerdb.Txn) error) error {
	return b.store.Badger().Update(fn)
}

// UpdateWithRetry runs fn inside a read-write transaction and retries the
// whole transaction when badger reports a commit conflict. fn must be
// idempotent and reset any captured results at the top of each attempt.
func (b *BadgerDB) UpdateWithRetry(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < txnMaxRetries; attempt++ {
		err = b.store.Badger().Update(fn)
		if err == nil || !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		time.Sleep(txnRetryDelay)
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries: %w", txnMaxRetries, err)
}

// RunValueLogGC runs a single round of value log garbage collection.
// ErrNoRewrite means there was nothing worth compacting and is not an error.
func (b *BadgerDB) RunValueLogGC() error {
	err := b.store.Badger().RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
		return fmt.Errorf("value log GC failed: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying store.
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	b.logger.Info().Str("path", b.path).Msg("Badger database closed")
	return nil
}
