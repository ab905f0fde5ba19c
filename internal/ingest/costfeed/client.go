package costfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/costsentry/costsentry/internal/ingest"
	"github.com/costsentry/costsentry/pkg/models"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 500
	maxPages        = 20
)

// Client implements the ingest.Source interface against a provider billing
// feed exposing the common /v1/costs endpoint. AWS, GCP and Azure feeds
// differ only in base URL and credentials.
type Client struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pageSize   int
}

// ClientOption configures the billing feed client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithPageSize sets the page size for feed requests
func WithPageSize(size int) ClientOption {
	return func(c *Client) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// NewClient creates a new billing feed client for a provider
func NewClient(provider, baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		provider:   provider,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		pageSize:   defaultPageSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return c.provider
}

// FetchSamples returns cost samples recorded at or after since, following
// pagination until the feed is drained.
func (c *Client) FetchSamples(ctx context.Context, since time.Time) ([]models.CostSample, error) {
	var samples []models.CostSample
	pageToken := ""

	for page := 0; page < maxPages; page++ {
		result, err := c.fetchPage(ctx, since, pageToken)
		if err != nil {
			return nil, err
		}

		for _, record := range result.Records {
			samples = append(samples, models.CostSample{
				Provider:  c.provider,
				Service:   record.Service,
				Timestamp: record.Timestamp,
				Cost:      record.Amount,
				Metadata:  record.Metadata,
			})
		}

		if result.NextPageToken == "" {
			return samples, nil
		}
		pageToken = result.NextPageToken
	}

	return nil, ingest.NewSourceError(c.provider, "FetchSamples", 0,
		fmt.Sprintf("pagination did not terminate after %d pages", maxPages), ingest.ErrInvalidResponse)
}

func (c *Client) fetchPage(ctx context.Context, since time.Time, pageToken string) (*CostsResponse, error) {
	reqURL, err := c.buildURL(since, pageToken)
	if err != nil {
		return nil, fmt.Errorf("failed to build request URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ingest.NewSourceError(c.provider, "FetchSamples", 0, err.Error(), ingest.ErrSourceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleError(resp, "FetchSamples")
	}

	var result CostsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ingest.NewSourceError(c.provider, "FetchSamples", 0,
			fmt.Sprintf("failed to decode response: %v", err), ingest.ErrInvalidResponse)
	}

	return &result, nil
}

func (c *Client) buildURL(since time.Time, pageToken string) (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/costs")
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("page_size", fmt.Sprintf("%d", c.pageSize))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// handleError converts HTTP errors to source errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	message := string(body)

	var baseErr error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		baseErr = ingest.ErrSourceRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		baseErr = ingest.ErrSourceAuth
	default:
		baseErr = ingest.ErrSourceUnavailable
	}

	return ingest.NewSourceError(c.provider, operation, resp.StatusCode, message, baseErr)
}
