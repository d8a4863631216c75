package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// arXiv asks for no more than one request every three seconds.
const arxivRequestInterval = 3 * time.Second

// arxivAdapter resolves papers through the arXiv Atom API. An arXiv id is
// looked up directly; otherwise the title is searched and an exact
// (normalized) title match is required.
type arxivAdapter struct {
	cfg        *common.ArxivConfig
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

func newArxivAdapter(cfg *common.ArxivConfig, userAgent string, logger arbor.ILogger) *arxivAdapter {
	return &arxivAdapter{
		cfg:        cfg,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(arxivRequestInterval), 1),
		logger:     logger,
	}
}

func (a *arxivAdapter) Name() string { return "arxiv" }

// Atom feed shapes for the arXiv query API.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID    string     `xml:"id"`
	Title string     `xml:"title"`
	Links []atomLink `xml:"link"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

func (a *arxivAdapter) Resolve(ctx context.Context, paper *models.Paper) (*interfaces.ResolvedSource, error) {
	params := url.Values{}
	switch {
	case paper.ArxivID != "":
		params.Set("id_list", paper.ArxivID)
		params.Set("max_results", "1")
	case paper.Title != "":
		params.Set("search_query", fmt.Sprintf("ti:%q", paper.Title))
		params.Set("max_results", "5")
	default:
		return nil, nil
	}

	feed, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}

	for _, entry := range feed.Entries {
		// Title searches return fuzzy matches; only trust an exact one.
		// Direct id lookups already identify the paper.
		if paper.ArxivID == "" && normalizeTitle(entry.Title) != normalizeTitle(paper.Title) {
			continue
		}
		if pdfURL := entry.pdfLink(); pdfURL != "" {
			return &interfaces.ResolvedSource{
				URL:     pdfURL,
				Kind:    interfaces.SourceKindPDF,
				Adapter: a.Name(),
				Title:   strings.TrimSpace(entry.Title),
			}, nil
		}
	}
	return nil, nil
}

func (e *atomEntry) pdfLink() string {
	for _, link := range e.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			return link.Href
		}
	}
	return ""
}

func (a *arxivAdapter) query(ctx context.Context, params url.Values) (*atomFeed, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s?%s", a.cfg.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)

	a.logger.Debug().Str("url", a.cfg.BaseURL).Msg("arXiv API request")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: "arxiv"}
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to decode arXiv feed: %w", err)
	}
	return &feed, nil
}
