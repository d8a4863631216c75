// Package github fetches ground-truth dataset manifests from a GitHub
// repository. The dataset service overlays these on top of the local dataset
// directory during scheduled refreshes.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/excerpo/internal/common"
)

// Connector reads dataset manifest files from one repository path.
type Connector struct {
	client *github.Client
	owner  string
	repo   string
	branch string
	path   string
	logger arbor.ILogger
}

// NewConnector builds a connector for the configured dataset repository.
// A token is only needed for private repositories; without one the client
// runs unauthenticated against the public API.
func NewConnector(cfg *common.DatasetGitHubConfig, logger arbor.ILogger) (*Connector, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("dataset repo must be owner/name, got %q", cfg.Repo)
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	var client *github.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		client = github.NewClient(nil)
	}

	return &Connector{
		client: client,
		owner:  owner,
		repo:   repo,
		branch: branch,
		path:   strings.Trim(cfg.Path, "/"),
		logger: logger,
	}, nil
}

// TestConnection verifies the repository is reachable with the current
// credentials.
func (c *Connector) TestConnection(ctx context.Context) error {
	_, _, err := c.client.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return fmt.Errorf("github connection test failed: %w", err)
	}
	return nil
}

// List returns the repository paths of all manifest files (.yaml/.yml) under
// the configured directory.
func (c *Connector) List(ctx context.Context) ([]string, error) {
	tree, _, err := c.client.Git.GetTree(ctx, c.owner, c.repo, c.branch, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset tree: %w", err)
	}

	var manifests []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		p := entry.GetPath()
		if c.path != "" && !strings.HasPrefix(p, c.path+"/") {
			continue
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		manifests = append(manifests, p)
	}

	c.logger.Debug().
		Str("repo", c.owner+"/"+c.repo).
		Str("path", c.path).
		Int("manifests", len(manifests)).
		Msg("Dataset manifests listed")
	return manifests, nil
}

// Fetch returns the decoded content of one manifest file.
func (c *Connector) Fetch(ctx context.Context, filePath string) ([]byte, error) {
	content, _, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, filePath, &github.RepositoryContentGetOptions{
		Ref: c.branch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest %s: %w", filePath, err)
	}
	if content == nil {
		return nil, fmt.Errorf("manifest not found: %s", filePath)
	}

	if content.Content == nil {
		return nil, fmt.Errorf("manifest %s has no content", filePath)
	}
	decoded, err := base64.StdEncoding.DecodeString(*content.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", filePath, err)
	}
	return decoded, nil
}
