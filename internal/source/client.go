// Package source wraps the GitHub REST API for commit-detail retrieval. All
// requests ride the shared retry transport, so this integration has no
// backoff logic of its own.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"code-review-service/internal/httpx"
	"code-review-service/internal/model"
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance. The token is used
// for bearer auth; the retry policy is installed underneath the oauth2
// transport so authenticated requests are retried like everything else.
func NewClient(token string, policy httpx.Policy, timeout time.Duration, logger *slog.Logger) *Client {
	retrying := &http.Client{
		Transport: &httpx.Transport{Policy: policy, Logger: logger},
		Timeout:   timeout,
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, retrying)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

// WithBaseURL points the client at a different API root. Tests use it to
// target an httptest server.
func (c *Client) WithBaseURL(baseURL string) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{gh: gh, logger: c.logger}, nil
}

// GetCommitDetail fetches one commit including per-file patches and
// translates it into the stored record shape. The returned record is the
// raw-stage state: analysis and push fields are untouched.
func (c *Client) GetCommitDetail(ctx context.Context, owner, name, sha string) (model.CommitRecord, error) {
	c.logger.Debug("Fetching commit detail", "owner", owner, "repo", name, "sha", sha)

	commit, _, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return model.CommitRecord{}, fmt.Errorf("fetching commit %s: %w", sha, err)
	}

	return model.CommitRecord{
		SHA:             commit.GetSHA(),
		AuthorName:      commit.GetCommit().GetAuthor().GetName(),
		AuthorEmail:     commit.GetCommit().GetAuthor().GetEmail(),
		CommitMessage:   commit.GetCommit().GetMessage(),
		CommitTimestamp: commit.GetCommit().GetAuthor().GetDate().Time,
		HTMLURL:         commit.GetHTMLURL(),
		CodeDiff:        buildDiff(commit),
	}, nil
}

// buildDiff renders the commit's file changes as one unified text blob, the
// form the inference prompt and the stored code_diff column expect.
func buildDiff(commit *github.RepositoryCommit) string {
	var b strings.Builder

	if stats := commit.GetStats(); stats != nil {
		fmt.Fprintf(&b, "Stats: +%d -%d across %d file(s)\n\n", stats.GetAdditions(), stats.GetDeletions(), len(commit.Files))
	}

	for _, f := range commit.Files {
		fmt.Fprintf(&b, "File: %s\n", f.GetFilename())
		fmt.Fprintf(&b, "Status: %s (+%d -%d)\n", f.GetStatus(), f.GetAdditions(), f.GetDeletions())
		if f.GetStatus() == "renamed" {
			fmt.Fprintf(&b, "Renamed from: %s\n", f.GetPreviousFilename())
		}
		if patch := f.GetPatch(); patch != "" {
			b.WriteString(patch)
			b.WriteString("\n")
		}
		b.WriteString("---\n")
	}

	return b.String()
}
