// Package upstream answers feature-existence queries against the
// authoritative feature store. The ledger uses it to decide whether a
// modification is really an addition.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "collaborative-map-editor/internal/errors"
	"collaborative-map-editor/internal/geo"
)

// Store looks up a feature by layer and id. A missing feature is (nil, nil).
type Store interface {
	GetFeature(ctx context.Context, layerID string, featureID int64) (*geo.Feature, error)
}

// Client queries a remote feature service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetFeature fetches a single feature. A 404 means the feature does not
// exist upstream; any other failure is an upstream error.
func (c *Client) GetFeature(ctx context.Context, layerID string, featureID int64) (*geo.Feature, error) {
	endpoint := fmt.Sprintf(
		"%s/layers/%s/features/%d",
		c.baseURL,
		url.PathEscape(layerID),
		featureID,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Upstream("feature existence check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, apperrors.Upstream(
			fmt.Sprintf("feature service error: status=%d body=%s", resp.StatusCode, string(b)),
			apperrors.ErrUpstreamUnavailable,
		)
	}

	var feature geo.Feature
	if err := json.NewDecoder(resp.Body).Decode(&feature); err != nil {
		return nil, apperrors.Upstream("failed to decode feature", err)
	}

	return &feature, nil
}
