package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

const articleHTML = `<html><head><title>Residual Learning</title></head><body>
<main><h1>Deep Residual Learning for Image Recognition</h1>
<p>Deeper neural networks are more difficult to train. We present a residual
learning framework to ease the training of networks that are substantially
deeper than those used previously. We explicitly reformulate the layers as
learning residual functions with reference to the layer inputs, instead of
learning unreferenced functions.</p></main>
</body></html>`

const shellHTML = `<!DOCTYPE html><html><head>
<script src="/static/js/main.8f91aa.js"></script>
<style>#root{height:100%}</style>
</head><body><div id="root"></div>
<noscript>You need to enable JavaScript to run this app.</noscript>
</body></html>`

type stubRenderer struct {
	html string
	err  error
	urls []string
}

func (r *stubRenderer) Render(_ context.Context, url string) (string, error) {
	r.urls = append(r.urls, url)
	if r.err != nil {
		return "", r.err
	}
	return r.html, nil
}

func newFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	cfg := common.NewDefaultConfig().Pipeline
	cfg.RatePerSecond = 0 // no throttling in tests
	return New(&cfg, arbor.NewLogger(), opts...)
}

func htmlSource(url string) *interfaces.ResolvedSource {
	return &interfaces.ResolvedSource{URL: url, Kind: interfaces.SourceKindHTML, Adapter: "test"}
}

func TestFetchHTMLDocument(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articleHTML))
	}))
	defer server.Close()

	f := newFetcher(t, WithUserAgent("test-agent"))
	doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if gotAgent != "test-agent" {
		t.Errorf("expected User-Agent test-agent, got %q", gotAgent)
	}
	if doc.Kind != interfaces.SourceKindHTML {
		t.Errorf("expected kind html, got %s", doc.Kind)
	}
	if doc.ContentType != "text/html" {
		t.Errorf("expected content type text/html, got %q", doc.ContentType)
	}
	if string(doc.Body) != articleHTML {
		t.Errorf("body does not match served HTML")
	}
	if doc.Rendered {
		t.Error("expected raw fetch, got rendered document")
	}
}

func TestFetchDetectsPDF(t *testing.T) {
	pdfBody := "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj"

	t.Run("by content type", func(t *testing.T) {
		var gotAccept string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAccept = r.Header.Get("Accept")
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte(pdfBody))
		}))
		defer server.Close()

		f := newFetcher(t)
		doc, err := f.Fetch(context.Background(), &interfaces.ResolvedSource{
			URL:  server.URL,
			Kind: interfaces.SourceKindPDF,
		})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if gotAccept != "application/pdf" {
			t.Errorf("expected Accept application/pdf for pdf sources, got %q", gotAccept)
		}
		if doc.Kind != interfaces.SourceKindPDF {
			t.Errorf("expected kind pdf, got %s", doc.Kind)
		}
	})

	t.Run("by magic bytes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte(pdfBody))
		}))
		defer server.Close()

		f := newFetcher(t)
		doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if doc.Kind != interfaces.SourceKindPDF {
			t.Errorf("expected magic bytes to win over resolver hint, got %s", doc.Kind)
		}
	})
}

func TestFetchHonorsBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer server.Close()

	f := newFetcher(t, WithMaxBodyBytes(1024))
	_, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got: %v", err)
	}
}

func TestFetchReturnsTypedHTTPError(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusServiceUnavailable} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		f := newFetcher(t)
		_, err := f.Fetch(context.Background(), htmlSource(server.URL))
		server.Close()

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("expected *HTTPError for status %d, got %v", status, err)
		}
		if httpErr.StatusCode != status {
			t.Errorf("expected status %d, got %d", status, httpErr.StatusCode)
		}
	}
}

func TestRenderFallbackRewritesScriptShell(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(shellHTML))
	}))
	defer server.Close()

	renderer := &stubRenderer{html: articleHTML}
	f := newFetcher(t, WithRenderer(renderer))

	doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !doc.Rendered {
		t.Fatal("expected script shell to be rendered")
	}
	if string(doc.Body) != articleHTML {
		t.Error("expected body replaced with rendered DOM")
	}
	if len(renderer.urls) != 1 || renderer.urls[0] != server.URL {
		t.Errorf("expected one render of %s, got %v", server.URL, renderer.urls)
	}
}

func TestRenderFallbackSkipsRealContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleHTML))
	}))
	defer server.Close()

	renderer := &stubRenderer{html: "<html>should not be used</html>"}
	f := newFetcher(t, WithRenderer(renderer))

	doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if doc.Rendered {
		t.Error("content-rich page should not trigger the render fallback")
	}
	if len(renderer.urls) != 0 {
		t.Errorf("renderer should not have been called, got %v", renderer.urls)
	}
}

func TestRenderFailureKeepsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(shellHTML))
	}))
	defer server.Close()

	renderer := &stubRenderer{err: errors.New("browser crashed")}
	f := newFetcher(t, WithRenderer(renderer))

	doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if err != nil {
		t.Fatalf("render failure should not fail the fetch: %v", err)
	}
	if doc.Rendered {
		t.Error("failed render must not mark the document rendered")
	}
	if string(doc.Body) != shellHTML {
		t.Error("expected raw body kept after render failure")
	}
}

func TestFetchWithoutRendererKeepsShell(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(shellHTML))
	}))
	defer server.Close()

	f := newFetcher(t)
	doc, err := f.Fetch(context.Background(), htmlSource(server.URL))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if doc.Rendered {
		t.Error("no renderer configured, document cannot be rendered")
	}
}

func TestLooksLikeScriptShell(t *testing.T) {
	longScript := `<html><body><script>var data = "` +
		strings.Repeat("padding ", 100) + `";</script></body></html>`

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty body", "", true},
		{"spa shell", shellHTML, true},
		{"article", articleHTML, false},
		{"text only inside scripts", longScript, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeScriptShell([]byte(tt.body)); got != tt.want {
				t.Errorf("LooksLikeScriptShell = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		hint        interfaces.SourceKind
		want        interfaces.SourceKind
	}{
		{"pdf content type", "application/pdf", "%PDF-1.4", "", interfaces.SourceKindPDF},
		{"html content type", "text/html", "<html></html>", interfaces.SourceKindPDF, interfaces.SourceKindHTML},
		{"magic bytes", "application/octet-stream", "%PDF-1.4", interfaces.SourceKindHTML, interfaces.SourceKindPDF},
		{"resolver hint", "application/octet-stream", "no magic here", interfaces.SourceKindPDF, interfaces.SourceKindPDF},
		{"default html", "text/plain", "plain text", "", interfaces.SourceKindHTML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kindOf(tt.contentType, []byte(tt.body), tt.hint)
			if got != tt.want {
				t.Errorf("kindOf(%q) = %s, want %s", tt.contentType, got, tt.want)
			}
		})
	}
}
