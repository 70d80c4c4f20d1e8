package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xtrntr/stocksim/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.twelvedata.com"
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=quote_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client looks up quotes from the Twelve Data REST API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// apiKey is sent as the apikey query parameter.
	apiKey string
	// httpClient performs the requests.
	httpClient HTTPClient
	// timeout bounds every lookup.
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient creates a Twelve Data client. The key is injected configuration.
func NewClient(apiKey string, options ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("quote api key is required")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		timeout: defaultTimeout,
	}
	for _, option := range options {
		option(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(c.timeout)
	}
	return c, nil
}

// NewHTTPClient returns an http.Client with bounded dial, TLS and header
// timeouts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

type quoteResponse struct {
	Symbol  string              `json:"symbol"`
	Name    string              `json:"name"`
	Price   decimal.NullDecimal `json:"price"`
	Code    int                 `json:"code"`
	Status  string              `json:"status"`
	Message string              `json:"message"`
}

// Lookup fetches the current quote for symbol.
func (c *Client) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	sym := Normalize(symbol)
	if sym == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("symbol", sym)
	query.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		zap.L().Warn("Quote request failed", zap.String("symbol", sym), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, sym)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		zap.L().Warn("Quote provider unavailable", zap.String("symbol", sym), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: %s: status %d", ErrQuoteUnavailable, sym, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrUnknownSymbol, sym, resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		zap.L().Warn("Failed to decode quote", zap.String("symbol", sym), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: malformed response", ErrUnknownSymbol, sym)
	}
	// The API reports throttling inside a 200 body
	if body.Code == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s: %s", ErrQuoteUnavailable, sym, body.Message)
	}
	if body.Status == "error" || !body.Price.Valid || !body.Price.Decimal.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}

	q := &models.Quote{
		Symbol: strings.ToUpper(body.Symbol),
		Name:   body.Name,
		Price:  body.Price.Decimal,
	}
	if q.Symbol == "" {
		q.Symbol = sym
	}
	if q.Name == "" {
		q.Name = q.Symbol
	}
	return q, nil
}
