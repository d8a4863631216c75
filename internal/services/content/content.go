// Package content turns fetched source bodies into text an extraction model
// can read. HTML pages are reduced to their main region and converted to
// markdown; PDF bodies go through pdfcpu content extraction.
package content

import (
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
)

// Extracted is the readable text recovered from a source body.
type Extracted struct {
	// Title is the document's own title when the page declares one.
	// Empty for PDFs.
	Title string

	// Text is the extraction input handed to the model.
	Text string

	// Pages is the page count for PDF sources, zero otherwise.
	Pages int
}

// Extractor converts fetched bodies to model-ready text.
type Extractor struct {
	logger  arbor.ILogger
	tempDir string
}

// NewExtractor creates a content extractor. PDF processing stages files
// under a dedicated temp directory.
func NewExtractor(logger arbor.ILogger) *Extractor {
	tempDir := filepath.Join(os.TempDir(), "excerpo-pdf")
	os.MkdirAll(tempDir, 0755)

	return &Extractor{
		logger:  logger,
		tempDir: tempDir,
	}
}
