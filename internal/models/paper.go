package models

import (
	"time"

	"github.com/google/uuid"
)

// PaperSource identifies where a paper record came from.
type PaperSource string

const (
	PaperSourceAPI   PaperSource = "api"
	PaperSourceEmail PaperSource = "email"
	PaperSourceBatch PaperSource = "batch"
)

// Paper is the subject of an extraction job. Identifiers are optional but at
// least one of DOI, ArxivID, or SourceURL must be present for the pipeline
// to resolve a fetchable source.
type Paper struct {
	ID        string      `json:"id" badgerhold:"key"`
	Title     string      `json:"title,omitempty"`
	DOI       string      `json:"doi,omitempty" badgerhold:"index"`
	ArxivID   string      `json:"arxiv_id,omitempty" badgerhold:"index"`
	SourceURL string      `json:"source_url,omitempty"`
	PDFURL    string      `json:"pdf_url,omitempty"`
	Source    PaperSource `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewPaper creates a paper record with a fresh id.
func NewPaper(title, doi, arxivID, sourceURL string, source PaperSource) *Paper {
	now := time.Now().UTC()
	return &Paper{
		ID:        "paper_" + uuid.New().String(),
		Title:     title,
		DOI:       doi,
		ArxivID:   arxivID,
		SourceURL: sourceURL,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasResolvableSource reports whether any identifier can lead to a fetchable URL.
func (p *Paper) HasResolvableSource() bool {
	return p.DOI != "" || p.ArxivID != "" || p.SourceURL != "" || p.PDFURL != ""
}
