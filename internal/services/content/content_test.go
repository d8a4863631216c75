package content

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"
)

const publisherPage = `<!DOCTYPE html>
<html><head>
<title>Paper | Some Publisher</title>
<meta name="citation_title" content="Attention Is All You Need">
<meta property="og:title" content="Attention Is All You Need - Publisher">
</head><body>
<nav>Site navigation home browse about contact</nav>
<main>
<h1>Attention Is All You Need</h1>
<p>The dominant sequence transduction models are based on complex recurrent
or convolutional neural networks that include an encoder and a decoder.</p>
</main>
<footer>Copyright and cookie notices</footer>
</body></html>`

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	return NewExtractor(arbor.NewLogger())
}

func TestFromHTMLExtractsMainContent(t *testing.T) {
	e := newTestExtractor(t)

	doc, err := e.FromHTML(publisherPage, "https://publisher.example.org/paper/1")
	if err != nil {
		t.Fatalf("FromHTML failed: %v", err)
	}

	if doc.Title != "Attention Is All You Need" {
		t.Errorf("expected citation_title to win, got %q", doc.Title)
	}
	if !strings.Contains(doc.Text, "Attention Is All You Need") {
		t.Error("expected heading in extracted text")
	}
	if !strings.Contains(doc.Text, "sequence transduction models") {
		t.Error("expected paragraph text in extracted text")
	}
	if strings.Contains(doc.Text, "Site navigation") {
		t.Error("nav chrome should have been stripped")
	}
	if strings.Contains(doc.Text, "cookie notices") {
		t.Error("footer chrome should have been stripped")
	}
}

func TestFromHTMLFallsBackToBody(t *testing.T) {
	e := newTestExtractor(t)

	page := `<html><head><title>Plain Page</title></head>
<body><p>A page without a semantic main region still has a body worth reading.</p></body></html>`

	doc, err := e.FromHTML(page, "https://example.org")
	if err != nil {
		t.Fatalf("FromHTML failed: %v", err)
	}
	if !strings.Contains(doc.Text, "body worth reading") {
		t.Errorf("expected body fallback content, got %q", doc.Text)
	}
	if doc.Title != "Plain Page" {
		t.Errorf("expected title tag fallback, got %q", doc.Title)
	}
}

func TestFromHTMLRejectsEmptyDocument(t *testing.T) {
	e := newTestExtractor(t)

	_, err := e.FromHTML(`<html><body><script>var x = 1;</script></body></html>`, "https://example.org")
	if err == nil {
		t.Fatal("expected error for a document with no readable content")
	}
	if !strings.Contains(err.Error(), "no readable content") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExtractTitlePreference(t *testing.T) {
	tests := []struct {
		name string
		head string
		want string
	}{
		{
			"citation title wins",
			`<title>Page</title><meta property="og:title" content="OG"><meta name="citation_title" content="Citation">`,
			"Citation",
		},
		{
			"og title next",
			`<title>Page</title><meta property="og:title" content="OG">`,
			"OG",
		},
		{
			"title tag last",
			`<title>  Page  </title>`,
			"Page",
		},
		{
			"no title",
			`<meta name="description" content="x">`,
			"",
		},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := "<html><head>" + tt.head + "</head><body><p>content</p></body></html>"
			doc, err := e.FromHTML(page, "https://example.org")
			if err != nil {
				t.Fatalf("FromHTML failed: %v", err)
			}
			if doc.Title != tt.want {
				t.Errorf("expected title %q, got %q", tt.want, doc.Title)
			}
		})
	}
}

func TestCleanWhitespace(t *testing.T) {
	in := "line  one\t\tstill one\n\n\n\n\nline two  \n"
	want := "line one still one\n\nline two"
	if got := cleanWhitespace(in); got != want {
		t.Errorf("cleanWhitespace = %q, want %q", got, want)
	}
}

func TestContentToText(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{
			"simple Tj",
			"BT /F1 12 Tf 72 720 Td (Hello, PDF!) Tj ET",
			"Hello, PDF!",
		},
		{
			"TJ array with word gap",
			"BT [(Deep) -250 (Residual) -250 (Learning)] TJ ET",
			"Deep Residual Learning",
		},
		{
			"TJ kerning only",
			"BT [(ker) 12 (ned)] TJ ET",
			"kerned",
		},
		{
			"quote operator",
			"BT (line one) Tj (line two) ' ET",
			"line one line two",
		},
		{
			"escaped parens and octal",
			`BT (\(2024\)) Tj (\101\102) Tj ET`,
			"(2024) AB",
		},
		{
			"hex strings dropped",
			"BT <48656C6C6F> Tj (kept) Tj ET",
			"kept",
		},
		{
			"strings consumed by other operators",
			"BT (not text) Tw (shown) Tj ET",
			"shown",
		},
		{
			"empty stream",
			"q 1 0 0 1 0 0 cm Q",
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.TrimSpace(contentToText([]byte(tt.stream)))
			if got != tt.want {
				t.Errorf("contentToText = %q, want %q", got, tt.want)
			}
		})
	}
}

// buildMinimalPDF assembles a one-page PDF with an uncompressed content
// stream and a correct xref table.
func buildMinimalPDF(t *testing.T, stream string) []byte {
	t.Helper()

	var buf bytes.Buffer
	offsets := make([]int, 6)
	buf.WriteString("%PDF-1.4\n")

	writeObj := func(n int, body string) {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}

	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
		"/Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>")
	writeObj(4, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	writeObj(5, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	xrefOffset := buf.Len()
	buf.WriteString("xref\n0 6\n")
	buf.WriteString("0000000000 65535 f \n")
	for n := 1; n <= 5; n++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	return buf.Bytes()
}

func TestFromPDF(t *testing.T) {
	e := newTestExtractor(t)
	pdf := buildMinimalPDF(t, "BT /F1 24 Tf 72 720 Td (Hello from a PDF page) Tj ET")

	doc, err := e.FromPDF(context.Background(), pdf)
	if err != nil {
		t.Fatalf("FromPDF failed: %v", err)
	}
	if doc.Pages != 1 {
		t.Errorf("expected 1 page, got %d", doc.Pages)
	}
	if !strings.Contains(doc.Text, "Hello from a PDF page") {
		t.Errorf("expected page text recovered, got %q", doc.Text)
	}
}

func TestFromPDFRejectsGarbage(t *testing.T) {
	e := newTestExtractor(t)
	if _, err := e.FromPDF(context.Background(), []byte("not a pdf at all")); err == nil {
		t.Fatal("expected error for non-PDF bytes")
	}
}

func TestFromPDFHonorsCancelledContext(t *testing.T) {
	e := newTestExtractor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.FromPDF(ctx, buildMinimalPDF(t, "BT (x) Tj ET")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
