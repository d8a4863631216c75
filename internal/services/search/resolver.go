// Package search resolves papers to fetchable full-text URLs by consulting
// the literature adapters in priority order: explicit URLs on the paper win,
// then arXiv, then Crossref, then the publisher gateway.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// adapter is one literature source. Returning (nil, nil) means the adapter
// has no answer for this paper; an error means the lookup itself failed and
// should be treated as transient.
type adapter interface {
	Name() string
	Resolve(ctx context.Context, paper *models.Paper) (*interfaces.ResolvedSource, error)
}

// Resolver implements interfaces.SourceResolver over the configured adapters.
type Resolver struct {
	adapters []adapter
	logger   arbor.ILogger
}

// NewResolver builds the adapter chain from configuration. Disabled adapters
// are simply left out of the chain.
func NewResolver(cfg *common.Config, logger arbor.ILogger) *Resolver {
	var adapters []adapter
	if cfg.Search.Arxiv.Enabled {
		adapters = append(adapters, newArxivAdapter(&cfg.Search.Arxiv, cfg.Pipeline.UserAgent, logger))
	}
	if cfg.Search.Crossref.Enabled {
		adapters = append(adapters, newCrossrefAdapter(&cfg.Search.Crossref, cfg.Pipeline.UserAgent, logger))
	}
	if cfg.Search.Publisher.Enabled {
		adapters = append(adapters, newPublisherAdapter(&cfg.Search.Publisher, logger))
	}
	logger.Info().Int("adapter_count", len(adapters)).Msg("Source resolver initialized")
	return &Resolver{adapters: adapters, logger: logger}
}

// Resolve finds a fetchable location for the paper. No source and no error
// means nothing resolved anywhere; an error means at least one adapter lookup
// failed while no other adapter produced an answer.
func (r *Resolver) Resolve(ctx context.Context, paper *models.Paper) (*interfaces.ResolvedSource, error) {
	// Explicit URLs on the paper short-circuit the adapter chain
	if paper.PDFURL != "" {
		return &interfaces.ResolvedSource{
			URL:     paper.PDFURL,
			Kind:    interfaces.SourceKindPDF,
			Adapter: "paper",
			Title:   paper.Title,
		}, nil
	}
	if paper.SourceURL != "" {
		return &interfaces.ResolvedSource{
			URL:     paper.SourceURL,
			Kind:    KindFromURL(paper.SourceURL),
			Adapter: "paper",
			Title:   paper.Title,
		}, nil
	}

	var firstErr error
	for _, a := range r.adapters {
		source, err := a.Resolve(ctx, paper)
		if err != nil {
			r.logger.Warn().
				Str("adapter", a.Name()).
				Str("paper_id", paper.ID).
				Err(err).
				Msg("Source adapter lookup failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s lookup failed: %w", a.Name(), err)
			}
			continue
		}
		if source != nil {
			r.logger.Debug().
				Str("adapter", a.Name()).
				Str("paper_id", paper.ID).
				Str("url", source.URL).
				Str("kind", string(source.Kind)).
				Msg("Source resolved")
			return source, nil
		}
	}
	return nil, firstErr
}

// KindFromURL guesses whether a URL serves a PDF or an HTML page.
func KindFromURL(rawURL string) interfaces.SourceKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return interfaces.SourceKindHTML
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".pdf") || strings.Contains(path, "/pdf/") {
		return interfaces.SourceKindPDF
	}
	return interfaces.SourceKindHTML
}

// normalizeTitle lowercases and collapses whitespace so feed titles with
// line breaks compare equal to user-entered ones.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// APIError represents a non-success response from a literature API.
type APIError struct {
	StatusCode int
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("literature API error: status %d from %s", e.StatusCode, e.Endpoint)
}
