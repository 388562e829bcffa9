package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/flowtrack/internal/retry"
)

// maxDocumentBytes caps a single chain response.
const maxDocumentBytes = 64 << 20

// ClientConfig tunes the HTTP client.
type ClientConfig struct {
	Token               string
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client fetches chain documents from the brokerage market-data API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a new chain client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 5
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
		policy: retry.Policy{MaxAttempts: cfg.MaxRetries, BaseDelay: cfg.RetryDelayBase},
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.code)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// FetchChain retrieves the chain for symbol with strikeCount strikes around the money.
func (c *Client) FetchChain(ctx context.Context, symbol string, strikeCount int) (Document, error) {
	u, err := url.Parse(c.baseURL + "/chains")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("strikeCount", strconv.Itoa(strikeCount))
	q.Set("includeUnderlyingQuote", "true")
	q.Set("contractType", "ALL")
	u.RawQuery = q.Encode()

	var body []byte
	err = retry.Do(ctx, c.policy, retryable, func() error {
		b, err := c.doRequest(ctx, u.String())
		if err != nil {
			return err
		}
		body = b
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain for %s: %w", symbol, err)
	}

	if len(body) == 0 {
		return nil, ErrNoData
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid chain document for %s", symbol)
	}
	doc := Document(body)
	if Failed(doc) {
		return nil, ErrNoData
	}
	return doc, nil
}

func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
}
