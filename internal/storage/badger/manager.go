package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// Manager aggregates the typed stores over a single badger database handle.
type Manager struct {
	db          *BadgerDB
	jobs        interfaces.JobStorage
	batches     interfaces.BatchStorage
	papers      interfaces.PaperStorage
	extractions interfaces.ExtractionStorage
	logger      arbor.ILogger
}

// NewManager opens the database and wires up the typed stores.
func NewManager(cfg *common.BadgerConfig, logger arbor.ILogger) (interfaces.StorageManager, error) {
	if logger == nil {
		logger = common.GetLogger()
	}

	db, err := NewBadgerDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize badger storage: %w", err)
	}

	return &Manager{
		db:          db,
		jobs:        NewJobStorage(db, logger),
		batches:     NewBatchStorage(db, logger),
		papers:      NewPaperStorage(db, logger),
		extractions: NewExtractionStorage(db, logger),
		logger:      logger,
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batches
}

func (m *Manager) PaperStorage() interfaces.PaperStorage {
	return m.papers
}

func (m *Manager) ExtractionStorage() interfaces.ExtractionStorage {
	return m.extractions
}

func (m *Manager) RunValueLogGC() error {
	return m.db.RunValueLogGC()
}

func (m *Manager) Close() error {
	return m.db.Close()
}
