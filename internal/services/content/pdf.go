package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pageFileRegex matches the per-page content files pdfcpu writes; the file
// base name has varied across pdfcpu releases, the page suffix has not.
var pageFileRegex = regexp.MustCompile(`page_(\d+)`)

// FromPDF extracts readable text from a PDF body. pdfcpu has no direct text
// extraction, so the raw page content streams are pulled out first and the
// text-showing operators recovered from them.
func (e *Extractor) FromPDF(ctx context.Context, data []byte) (*Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(e.tempDir, "extract_*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp PDF file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp PDF file: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp(e.tempDir, "pages_")
	if err != nil {
		return nil, fmt.Errorf("failed to create page output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tempFile.Name(), outDir, nil, conf); err != nil {
		return nil, fmt.Errorf("failed to extract PDF content: %w", err)
	}

	text := e.assemblePages(outDir, pageCount)
	if text == "" {
		return nil, fmt.Errorf("no extractable text in PDF (scanned or image-only document)")
	}

	e.logger.Debug().
		Int("pages", pageCount).
		Int("pdf_bytes", len(data)).
		Int("text_bytes", len(text)).
		Msg("Extracted PDF content")

	return &Extracted{Text: text, Pages: pageCount}, nil
}

// assemblePages reads the extracted content files and joins the recovered
// page text in page order.
func (e *Extractor) assemblePages(outDir string, pageCount int) string {
	files, err := os.ReadDir(outDir)
	if err != nil {
		return ""
	}

	pageTexts := make(map[int]string)
	var unnumbered []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		text := cleanWhitespace(contentToText(raw))
		if text == "" {
			continue
		}
		if m := pageFileRegex.FindStringSubmatch(file.Name()); m != nil {
			if page, err := strconv.Atoi(m[1]); err == nil {
				pageTexts[page] = text
				continue
			}
		}
		unnumbered = append(unnumbered, text)
	}

	var sb strings.Builder
	for page := 1; page <= pageCount; page++ {
		text, ok := pageTexts[page]
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			fmt.Fprintf(&sb, "\n\n--- Page %d ---\n\n", page)
		}
		sb.WriteString(text)
	}

	// Content files whose names carried no page number still hold text;
	// append them in directory order rather than lose pages.
	for _, text := range unnumbered {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}

	return sb.String()
}
