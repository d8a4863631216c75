package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// Registry holds the loaded extraction schemas, keyed by name. Built-in
// defaults load first; files from the configured directory override them.
type Registry struct {
	cfg    *common.SchemasConfig
	logger arbor.ILogger

	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry loads all schemas. A missing schemas directory is not an
// error; the embedded defaults still apply.
func NewRegistry(cfg *common.SchemasConfig, logger arbor.ILogger) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		schemas: make(map[string]*Schema),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads embedded defaults and the schemas directory.
func (r *Registry) Reload() error {
	loaded := make(map[string]*Schema)

	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("failed to read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read embedded schema %s: %w", entry.Name(), err)
		}
		s, err := parseSchema(data)
		if err != nil {
			return fmt.Errorf("embedded schema %s: %w", entry.Name(), err)
		}
		loaded[s.Name] = s
	}

	if r.cfg.Dir != "" {
		if err := loadSchemaDir(r.cfg.Dir, loaded); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.schemas = loaded
	r.mu.Unlock()

	r.logger.Info().
		Int("schema_count", len(loaded)).
		Str("dir", r.cfg.Dir).
		Msg("Extraction schemas loaded")
	return nil
}

func loadSchemaDir(dir string, into map[string]*Schema) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read schemas directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		s, err := parseSchema(data)
		if err != nil {
			return fmt.Errorf("schema file %s: %w", name, err)
		}
		into[s.Name] = s
	}
	return nil
}

func parseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.validateDefinition(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns a schema by name.
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", name, interfaces.ErrNotFound)
	}
	return s, nil
}

// Default returns the configured default schema.
func (r *Registry) Default() (*Schema, error) {
	return r.Get(r.cfg.Default)
}

// Names lists the loaded schema names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
