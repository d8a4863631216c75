package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// publisherAdapter resolves DOIs through a publisher full-text gateway that
// authenticates with OAuth2 client credentials. Token refresh is handled by
// the oauth2 transport.
type publisherAdapter struct {
	cfg        *common.PublisherConfig
	httpClient *http.Client
	logger     arbor.ILogger
}

func newPublisherAdapter(cfg *common.PublisherConfig, logger arbor.ILogger) *publisherAdapter {
	oauthCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	client := oauthCfg.Client(context.Background())
	client.Timeout = 30 * time.Second
	return &publisherAdapter{
		cfg:        cfg,
		httpClient: client,
		logger:     logger,
	}
}

func (p *publisherAdapter) Name() string { return "publisher" }

type publisherResolution struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
}

func (p *publisherAdapter) Resolve(ctx context.Context, paper *models.Paper) (*interfaces.ResolvedSource, error) {
	if paper.DOI == "" {
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/resolve?doi=%s", p.cfg.BaseURL, url.QueryEscape(paper.DOI))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	p.logger.Debug().Str("doi", paper.DOI).Msg("Publisher gateway request")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: "publisher"}
	}

	var resolution publisherResolution
	if err := json.NewDecoder(resp.Body).Decode(&resolution); err != nil {
		return nil, fmt.Errorf("failed to decode publisher response: %w", err)
	}
	if resolution.URL == "" {
		return nil, nil
	}

	kind := KindFromURL(resolution.URL)
	if resolution.ContentType == "application/pdf" {
		kind = interfaces.SourceKindPDF
	}
	return &interfaces.ResolvedSource{
		URL:     resolution.URL,
		Kind:    kind,
		Adapter: p.Name(),
		Title:   resolution.Title,
	}, nil
}
