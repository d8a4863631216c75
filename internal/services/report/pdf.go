// -----------------------------------------------------------------------
// Markdown to PDF rendering for batch report export
// -----------------------------------------------------------------------

package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// ConvertMarkdownToPDF renders a markdown document as an A4 PDF. The title
// goes into the PDF metadata only; the document heading comes from the
// markdown itself.
func (s *Service) ConvertMarkdownToPDF(markdown, title string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 9)

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	w := &pdfWriter{pdf: pdf, source: source, font: "Arial", size: 9}
	if err := ast.Walk(doc, w.walk); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	s.logger.Debug().Str("title", title).Int("pdf_bytes", buf.Len()).Msg("Report PDF rendered")
	return buf.Bytes(), nil
}

// pdfWriter walks the markdown AST and draws it into an fpdf page. It
// covers the node kinds batch reports emit: headings, paragraphs, inline
// emphasis and code, lists, thematic breaks, and tables.
type pdfWriter struct {
	pdf       *fpdf.Fpdf
	source    []byte
	font      string
	size      float64
	bold      bool
	italic    bool
	listDepth int
}

func (w *pdfWriter) restoreFont() {
	style := ""
	if w.bold {
		style += "B"
	}
	if w.italic {
		style += "I"
	}
	w.pdf.SetFont(w.font, style, w.size)
}

func (w *pdfWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n.Kind() {
	case ast.KindHeading:
		w.heading(n.(*ast.Heading), entering)
	case ast.KindParagraph:
		if !entering {
			w.pdf.Ln(7)
		}
	case ast.KindText:
		if entering {
			t := n.(*ast.Text)
			w.pdf.Write(5, string(t.Text(w.source)))
			if t.SoftLineBreak() || t.HardLineBreak() {
				w.pdf.Ln(5)
			}
		}
	case ast.KindEmphasis:
		if n.(*ast.Emphasis).Level == 2 {
			w.bold = entering
		} else {
			w.italic = entering
		}
		w.restoreFont()
	case ast.KindCodeSpan:
		if entering {
			w.pdf.SetFont("Courier", "", w.size)
		} else {
			w.restoreFont()
		}
	case ast.KindList:
		if entering {
			w.listDepth++
		} else {
			w.listDepth--
			if w.listDepth == 0 {
				w.pdf.Ln(2)
			}
		}
	case ast.KindListItem:
		if entering {
			w.pdf.Ln(5)
			w.pdf.SetX(15 + float64(w.listDepth-1)*5)
			w.pdf.Write(5, "- ")
		}
	case ast.KindThematicBreak:
		if entering {
			w.pdf.Ln(2)
			w.pdf.Line(15, w.pdf.GetY(), 195, w.pdf.GetY())
			w.pdf.Ln(2)
		}
	case extast.KindTable:
		if entering {
			w.drawTable(w.tableRows(n))
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

func (w *pdfWriter) heading(n *ast.Heading, entering bool) {
	if !entering {
		w.pdf.Ln(6)
		w.restoreFont()
		return
	}
	w.pdf.Ln(6)
	size := 10.0
	switch n.Level {
	case 1:
		size = 14
	case 2:
		size = 12
	case 3:
		size = 11
	}
	w.pdf.SetFont(w.font, "B", size)
}

// tableRows flattens a table node into rows of cell text. The header row
// may carry its cells directly or wrap them in a row node depending on the
// parser version, so both shapes are accepted.
func (w *pdfWriter) tableRows(n ast.Node) [][]string {
	var rows [][]string
	var collect func(ast.Node)
	collect = func(node ast.Node) {
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.(type) {
			case *extast.TableRow:
				rows = append(rows, w.rowCells(child))
			case *extast.TableHeader:
				if cells := w.rowCells(child); len(cells) > 0 {
					rows = append(rows, cells)
				} else {
					collect(child)
				}
			}
		}
	}
	collect(n)
	return rows
}

func (w *pdfWriter) rowCells(n ast.Node) []string {
	var cells []string
	for cell := n.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if _, ok := cell.(*extast.TableCell); ok {
			cells = append(cells, string(cell.Text(w.source)))
		}
	}
	return cells
}

func (w *pdfWriter) drawTable(rows [][]string) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}

	const (
		pageWidth    = 180.0
		fontSize     = 8.0
		lineHeight   = 4.0
		maxCellLines = 6
	)
	widths := w.columnWidths(rows, fontSize, pageWidth)
	w.pdf.Ln(2)

	for i, row := range rows {
		style := ""
		if i == 0 {
			style = "B"
		}
		w.pdf.SetFont(w.font, style, fontSize)

		// Wrap every cell first so the row height covers the tallest one.
		lines := make([][]string, len(widths))
		tallest := 1
		for j := range widths {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			lines[j] = w.wrapCell(cell, widths[j]-2, maxCellLines)
			if len(lines[j]) > tallest {
				tallest = len(lines[j])
			}
		}
		rowHeight := float64(tallest)*lineHeight + 2

		startX := w.pdf.GetX()
		startY := w.pdf.GetY()
		if startY+rowHeight > 287 {
			w.pdf.AddPage()
			startY = w.pdf.GetY()
		}

		x := startX
		for j, width := range widths {
			if i == 0 {
				w.pdf.SetFillColor(230, 230, 230)
				w.pdf.Rect(x, startY, width, rowHeight, "FD")
			} else {
				w.pdf.Rect(x, startY, width, rowHeight, "D")
			}
			w.pdf.SetXY(x+1, startY+1)
			for _, line := range lines[j] {
				w.pdf.CellFormat(width-2, lineHeight, line, "", 2, "L", false, 0, "")
			}
			x += width
		}
		w.pdf.SetXY(startX, startY+rowHeight)
	}

	w.pdf.Ln(3)
	w.restoreFont()
}

// columnWidths sizes columns by measured content width, bounded so no
// column exceeds a third of the table and the total fits the page.
func (w *pdfWriter) columnWidths(rows [][]string, fontSize, pageWidth float64) []float64 {
	cols := len(rows[0])
	widths := make([]float64, cols)
	for i, row := range rows {
		style := ""
		if i == 0 {
			style = "B"
		}
		w.pdf.SetFont(w.font, style, fontSize)
		for j, cell := range row {
			if j >= cols {
				break
			}
			if cw := w.pdf.GetStringWidth(cell) + 4; cw > widths[j] {
				widths[j] = cw
			}
		}
	}

	const minWidth = 12.0
	maxWidth := pageWidth / 3
	total := 0.0
	for j := range widths {
		if widths[j] < minWidth {
			widths[j] = minWidth
		}
		if widths[j] > maxWidth {
			widths[j] = maxWidth
		}
		total += widths[j]
	}
	if total > pageWidth {
		scale := pageWidth / total
		for j := range widths {
			widths[j] *= scale
		}
	}
	return widths
}

// wrapCell word-wraps cell text to the column width, truncating with an
// ellipsis when the wrapped text exceeds maxLines.
func (w *pdfWriter) wrapCell(cell string, width float64, maxLines int) []string {
	words := strings.Fields(cell)
	if len(words) == 0 {
		return nil
	}

	space := w.pdf.GetStringWidth(" ")
	var lines []string
	line := words[0]
	lineWidth := w.pdf.GetStringWidth(words[0])
	for _, word := range words[1:] {
		wordWidth := w.pdf.GetStringWidth(word)
		if lineWidth+space+wordWidth <= width {
			line += " " + word
			lineWidth += space + wordWidth
			continue
		}
		lines = append(lines, line)
		line = word
		lineWidth = wordWidth
	}
	lines = append(lines, line)

	if len(lines) > maxLines {
		last := lines[maxLines-1]
		for w.pdf.GetStringWidth(last+"...") > width && len(last) > 3 {
			last = last[:len(last)-1]
		}
		lines = lines[:maxLines]
		lines[maxLines-1] = last + "..."
	}
	return lines
}
