package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// crossrefAdapter resolves DOIs through the Crossref REST API. It prefers a
// full-text link with a known content type and falls back to the primary
// resource URL.
type crossrefAdapter struct {
	cfg        *common.CrossrefConfig
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

func newCrossrefAdapter(cfg *common.CrossrefConfig, userAgent string, logger arbor.ILogger) *crossrefAdapter {
	return &crossrefAdapter{
		cfg:        cfg,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 2),
		logger:     logger,
	}
}

func (c *crossrefAdapter) Name() string { return "crossref" }

type crossrefResponse struct {
	Message crossrefWork `json:"message"`
}

type crossrefWork struct {
	Title    []string       `json:"title"`
	Links    []crossrefLink `json:"link"`
	Resource struct {
		Primary struct {
			URL string `json:"URL"`
		} `json:"primary"`
	} `json:"resource"`
}

type crossrefLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

func (c *crossrefAdapter) Resolve(ctx context.Context, paper *models.Paper) (*interfaces.ResolvedSource, error) {
	if paper.DOI == "" {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if c.cfg.MailTo != "" {
		// Crossref's polite pool asks callers to identify themselves
		params.Set("mailto", c.cfg.MailTo)
	}
	reqURL := fmt.Sprintf("%s/works/%s", c.cfg.BaseURL, url.PathEscape(paper.DOI))
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug().Str("doi", paper.DOI).Msg("Crossref API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: "crossref"}
	}

	var payload crossrefResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode Crossref response: %w", err)
	}

	title := ""
	if len(payload.Message.Title) > 0 {
		title = payload.Message.Title[0]
	}

	for _, link := range payload.Message.Links {
		switch link.ContentType {
		case "application/pdf":
			return &interfaces.ResolvedSource{URL: link.URL, Kind: interfaces.SourceKindPDF, Adapter: c.Name(), Title: title}, nil
		case "text/html":
			return &interfaces.ResolvedSource{URL: link.URL, Kind: interfaces.SourceKindHTML, Adapter: c.Name(), Title: title}, nil
		}
	}

	if primary := payload.Message.Resource.Primary.URL; primary != "" {
		return &interfaces.ResolvedSource{URL: primary, Kind: KindFromURL(primary), Adapter: c.Name(), Title: title}, nil
	}
	return nil, nil
}
