// Package fetch downloads resolved paper sources. Requests share a
// token-bucket rate limit so a large batch does not hammer publisher servers,
// and HTML responses that ship scripts instead of content can be re-fetched
// through a headless browser when the render fallback is enabled.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// ErrBodyTooLarge reports a response larger than the configured cap. Retrying
// cannot help; the source simply exceeds what the pipeline will process.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

const (
	// DefaultTimeout is the per-request deadline when none is configured.
	DefaultTimeout = 45 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 32 << 20

	// minVisibleChars is the least visible text an HTML body must carry
	// before it counts as real content rather than a script shell.
	minVisibleChars = 200
)

// Document is a fetched source body plus what the response told us about it.
type Document struct {
	URL         string
	ContentType string
	Kind        interfaces.SourceKind
	Body        []byte

	// Rendered is true when the body came from the headless browser
	// instead of the raw HTTP response.
	Rendered bool
}

// HTTPError reports a non-2xx response from a source server. The pipeline
// classifies these by status: 429 and 5xx are transient, the rest permanent.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Fetcher downloads resolved sources over HTTP with a shared rate limit.
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	maxBody    int64
	renderer   Renderer
	logger     arbor.ILogger
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) Option {
	return func(f *Fetcher) {
		f.userAgent = userAgent
	}
}

// WithRateLimit sets a custom request rate. A non-positive rate disables
// throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fetcher) {
		f.limiter = newLimiter(perSecond, burst)
	}
}

// WithMaxBodyBytes caps how many bytes of a response body are read.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBody = n
	}
}

// WithRenderer sets the browser used for the render fallback. Passing nil
// disables the fallback even when the config enables it.
func WithRenderer(r Renderer) Option {
	return func(f *Fetcher) {
		f.renderer = r
	}
}

// New creates a Fetcher from the pipeline configuration. When the render
// fallback is enabled a shared headless browser is started lazily on the
// first page that needs it.
func New(cfg *common.PipelineConfig, logger arbor.ILogger, opts ...Option) *Fetcher {
	timeout := cfg.FetchTimeoutDuration()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := int64(cfg.MaxBodyMB) << 20
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	f := &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RatePerSecond, cfg.RateBurst),
		userAgent:  cfg.UserAgent,
		maxBody:    maxBody,
		logger:     logger,
	}
	if cfg.RenderFallback {
		f.renderer = NewChromeRenderer(cfg.UserAgent, cfg.RenderTimeoutDuration(), logger)
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Fetch downloads the resolved source and decides how its body should be
// processed. An HTML body that carries scripts instead of content is
// re-fetched through the render fallback when one is configured; a render
// failure keeps the raw body rather than failing the job.
func (f *Fetcher) Fetch(ctx context.Context, source *interfaces.ResolvedSource) (*Document, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if source.Kind == interfaces.SourceKindPDF {
		req.Header.Set("Accept", "application/pdf")
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: source.URL}
	}

	body, err := readBody(resp.Body, f.maxBody)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source.URL, err)
	}

	doc := &Document{
		URL:         source.URL,
		ContentType: mediaType(resp.Header.Get("Content-Type"), body),
		Body:        body,
	}
	doc.Kind = kindOf(doc.ContentType, body, source.Kind)

	f.logger.Debug().
		Str("url", source.URL).
		Str("content_type", doc.ContentType).
		Str("kind", string(doc.Kind)).
		Int("bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Fetched source")

	if doc.Kind == interfaces.SourceKindHTML && f.renderer != nil && LooksLikeScriptShell(body) {
		f.render(ctx, doc)
	}

	return doc, nil
}

// render replaces the document body with the browser-rendered DOM. Failures
// are logged and the raw body kept; downstream extraction decides whether
// what remains is usable.
func (f *Fetcher) render(ctx context.Context, doc *Document) {
	f.logger.Info().
		Str("url", doc.URL).
		Msg("Page looks script-only, rendering in headless browser")

	html, err := f.renderer.Render(ctx, doc.URL)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str("url", doc.URL).
			Msg("Render fallback failed, keeping raw body")
		return
	}
	if html == "" {
		return
	}

	doc.Body = []byte(html)
	doc.Rendered = true
}

// Close releases the render fallback browser, if one was started.
func (f *Fetcher) Close() error {
	if closer, ok := f.renderer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (%d bytes allowed)", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// mediaType normalizes the Content-Type header, sniffing the body when the
// server sent none.
func mediaType(header string, body []byte) string {
	if header == "" {
		header = http.DetectContentType(body)
	}
	if parsed, _, err := mime.ParseMediaType(header); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(header))
}

// kindOf decides how the body should be processed. The response wins over the
// resolver's guess because adapters only see URLs, never bodies; an unhelpful
// content type falls back to the PDF magic bytes and then the resolver hint.
func kindOf(contentType string, body []byte, hint interfaces.SourceKind) interfaces.SourceKind {
	switch {
	case contentType == "application/pdf":
		return interfaces.SourceKindPDF
	case strings.HasPrefix(contentType, "text/html"), contentType == "application/xhtml+xml":
		return interfaces.SourceKindHTML
	case bytes.HasPrefix(body, []byte("%PDF-")):
		return interfaces.SourceKindPDF
	}
	if hint != "" {
		return hint
	}
	return interfaces.SourceKindHTML
}

var (
	scriptBlockRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleBlockRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlTagRegex     = regexp.MustCompile(`(?s)<[^>]+>`)
)

// LooksLikeScriptShell reports whether an HTML body carries scripts instead
// of readable content. Pages behind client-side rendering ship a near-empty
// document and build the article in the browser; those need the render
// fallback before text extraction is worth attempting.
func LooksLikeScriptShell(body []byte) bool {
	if len(body) == 0 {
		return true
	}

	text := scriptBlockRegex.ReplaceAllString(string(body), " ")
	text = styleBlockRegex.ReplaceAllString(text, " ")
	text = htmlTagRegex.ReplaceAllString(text, " ")

	visible := 0
	for _, word := range strings.Fields(text) {
		visible += len(word)
		if visible >= minVisibleChars {
			return false
		}
	}
	return true
}
