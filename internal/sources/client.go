// Package sources implements the HTTP client for the external source
// provider (the character/affiliation lookup service owned by another
// subsystem).
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/evetools/tagd/internal/reconcile"
	"github.com/sirupsen/logrus"
)

// Client resolves subjects' linked sources over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

// NewClient creates a source provider client for baseURL
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source provider URL '%s': %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid source provider URL scheme '%s': must be http or https", u.Scheme)
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logrus.WithField("component", "sources"),
	}, nil
}

// Sources fetches the subject's linked sources with their affiliation
// attributes. A 404 is a definitive "no sources" verdict and returns an
// empty list; any other failure is an error the reconciler treats as
// "unknown state".
func (c *Client) Sources(ctx context.Context, subjectID string) ([]reconcile.Source, error) {
	endpoint := fmt.Sprintf("%s/subjects/%s/sources", c.baseURL, url.PathEscape(subjectID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build source lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source lookup request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WithError(closeErr).Warn("Failed to close source lookup response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return []reconcile.Source{}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("source lookup returned status %d", resp.StatusCode)
	}

	var sources []reconcile.Source
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return nil, fmt.Errorf("failed to decode source lookup response: %w", err)
	}
	return sources, nil
}
