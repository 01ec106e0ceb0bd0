package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL           = "https://api.deezer.com"
	defaultTimeout           = 15 * time.Second
	maxHTTPErrorBodyReadSize = 64 * 1024
)

// Artist is one catalog artist identity.
type Artist struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Track carries only the title; the fetcher discards everything else.
type Track struct {
	Title string `json:"title"`
}

// apiError is the error object the catalog returns inside a 200 body.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type listEnvelope[T any] struct {
	Data  []T       `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Client talks to the Deezer-style REST catalog: artist search, top tracks
// and related artists. All endpoints are unauthenticated JSON.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: baseURL,
		client:  client,
	}
}

// SearchArtists performs a free-text artist search. The caller takes the
// first match; no fuzzy scoring happens here.
func (c *Client) SearchArtists(ctx context.Context, query string) ([]Artist, error) {
	endpoint := fmt.Sprintf("%s/search/artist?q=%s", c.baseURL, url.QueryEscape(query))
	return getList[Artist](ctx, c, endpoint)
}

// TopTracks returns up to limit top tracks for the artist, titles only.
func (c *Client) TopTracks(ctx context.Context, artistID int64, limit int) ([]Track, error) {
	endpoint := fmt.Sprintf("%s/artist/%d/top?limit=%d", c.baseURL, artistID, limit)
	return getList[Track](ctx, c, endpoint)
}

// RelatedArtists returns up to limit artists the catalog considers related.
func (c *Client) RelatedArtists(ctx context.Context, artistID int64, limit int) ([]Artist, error) {
	endpoint := fmt.Sprintf("%s/artist/%d/related?limit=%d", c.baseURL, artistID, limit)
	return getList[Artist](ctx, c, endpoint)
}

func getList[T any](ctx context.Context, c *Client, endpoint string) ([]T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return nil, fmt.Errorf("catalog status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("catalog status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope listEnvelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("catalog error code=%d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Data, nil
}
