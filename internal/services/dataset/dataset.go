// Package dataset loads ground-truth datasets and scores extracted field
// values against them. A dataset names the papers it covers (by DOI, arXiv
// id, or title) and the field values a correct extraction should produce;
// the batch aggregator folds the per-job match counts into the batch match
// rate.
package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Entry is one paper's expected field values. At least one identifier must
// be set; matching tries DOI first, then arXiv id, then normalized title.
type Entry struct {
	DOI     string                 `yaml:"doi,omitempty"`
	ArxivID string                 `yaml:"arxiv_id,omitempty"`
	Title   string                 `yaml:"title,omitempty"`
	Fields  map[string]interface{} `yaml:"fields"`
}

// Dataset is a named collection of ground-truth entries.
type Dataset struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Papers      []Entry `yaml:"papers"`
}

func (d *Dataset) validateDefinition() error {
	if d.Name == "" {
		return fmt.Errorf("dataset name is required")
	}
	if len(d.Papers) == 0 {
		return fmt.Errorf("dataset %q lists no papers", d.Name)
	}
	for i, entry := range d.Papers {
		if entry.DOI == "" && entry.ArxivID == "" && entry.Title == "" {
			return fmt.Errorf("dataset %q entry %d has no identifier", d.Name, i)
		}
		if len(entry.Fields) == 0 {
			return fmt.Errorf("dataset %q entry %d has no expected fields", d.Name, i)
		}
	}
	return nil
}

// ManifestSource lists and fetches remote dataset manifests. The GitHub
// connector implements it; nil means no remote source is configured.
type ManifestSource interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Service holds the loaded datasets, keyed by name. The local directory
// loads at startup; RefreshRemote overlays manifests from the configured
// GitHub repository, overriding same-named local datasets.
type Service struct {
	cfg    *common.DatasetsConfig
	papers interfaces.PaperStorage
	source ManifestSource
	logger arbor.ILogger

	mu       sync.RWMutex
	datasets map[string]*Dataset
}

var _ interfaces.GroundTruthProvider = (*Service)(nil)

// New loads datasets from the configured directory. A missing directory is
// not an error; the service starts empty and remote refresh can fill it.
func New(cfg *common.DatasetsConfig, papers interfaces.PaperStorage, source ManifestSource, logger arbor.ILogger) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		papers:   papers,
		source:   source,
		logger:   logger,
		datasets: make(map[string]*Dataset),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the local dataset directory.
func (s *Service) Reload() error {
	loaded := make(map[string]*Dataset)

	if s.cfg.Dir != "" {
		entries, err := os.ReadDir(s.cfg.Dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read datasets directory %s: %w", s.cfg.Dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.cfg.Dir, name))
			if err != nil {
				return fmt.Errorf("failed to read dataset file %s: %w", name, err)
			}
			ds, err := parseDataset(data)
			if err != nil {
				return fmt.Errorf("dataset file %s: %w", name, err)
			}
			loaded[ds.Name] = ds
		}
	}

	s.mu.Lock()
	s.datasets = loaded
	s.mu.Unlock()

	s.logger.Info().
		Int("dataset_count", len(loaded)).
		Str("dir", s.cfg.Dir).
		Msg("Ground-truth datasets loaded")
	return nil
}

// RefreshRemote pulls manifests from the remote source and overlays them on
// the loaded datasets. A no-op when no source is configured.
func (s *Service) RefreshRemote(ctx context.Context) error {
	if s.source == nil {
		return nil
	}

	paths, err := s.source.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote datasets: %w", err)
	}

	fetched := make(map[string]*Dataset, len(paths))
	for _, path := range paths {
		data, err := s.source.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to fetch remote dataset %s: %w", path, err)
		}
		ds, err := parseDataset(data)
		if err != nil {
			return fmt.Errorf("remote dataset %s: %w", path, err)
		}
		fetched[ds.Name] = ds
	}

	s.mu.Lock()
	for name, ds := range fetched {
		s.datasets[name] = ds
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("dataset_count", len(fetched)).
		Msg("Remote datasets refreshed")
	return nil
}

func parseDataset(data []byte) (*Dataset, error) {
	var d Dataset
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if err := d.validateDefinition(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns a dataset by name.
func (s *Service) Get(name string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", name, interfaces.ErrNotFound)
	}
	return d, nil
}

// Names lists the loaded dataset names, sorted.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var arxivVersionRegex = regexp.MustCompile(`v\d+$`)

// findEntry locates the ground truth for a paper. Identifier precedence is
// DOI, arXiv id, then normalized title; the first entry that matches wins.
func (d *Dataset) findEntry(paper *models.Paper) *Entry {
	if doi := normalizeDOI(paper.DOI); doi != "" {
		for i := range d.Papers {
			if normalizeDOI(d.Papers[i].DOI) == doi {
				return &d.Papers[i]
			}
		}
	}
	if id := normalizeArxivID(paper.ArxivID); id != "" {
		for i := range d.Papers {
			if normalizeArxivID(d.Papers[i].ArxivID) == id {
				return &d.Papers[i]
			}
		}
	}
	if title := normalizeText(paper.Title); title != "" {
		for i := range d.Papers {
			if normalizeText(d.Papers[i].Title) == title {
				return &d.Papers[i]
			}
		}
	}
	return nil
}

func normalizeDOI(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://doi.org/")
	s = strings.TrimPrefix(s, "http://doi.org/")
	s = strings.TrimPrefix(s, "doi:")
	return s
}

func normalizeArxivID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "arxiv:")
	return arxivVersionRegex.ReplaceAllString(s, "")
}

// normalizeText lowercases and collapses whitespace so formatting noise
// does not defeat a match.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
