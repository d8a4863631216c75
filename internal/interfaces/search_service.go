package interfaces

import (
	"context"

	"github.com/ternarybob/excerpo/internal/models"
)

// SourceKind distinguishes how a resolved source should be processed.
type SourceKind string

const (
	SourceKindPDF  SourceKind = "pdf"
	SourceKindHTML SourceKind = "html"
)

// ResolvedSource is a fetchable location for a paper's full text.
type ResolvedSource struct {
	URL     string
	Kind    SourceKind
	Adapter string
	Title   string
}

// SourceResolver finds a fetchable URL for a paper by consulting the
// literature adapters (arXiv, Crossref, publisher gateway) in order.
// Returning no source and no error means nothing resolved; callers classify
// that as no-source-resolved.
type SourceResolver interface {
	Resolve(ctx context.Context, paper *models.Paper) (*ResolvedSource, error)
}
