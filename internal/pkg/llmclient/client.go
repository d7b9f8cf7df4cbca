// Package llmclient is the single-attempt JSON/HTTP client shared by provider adapters.
//
// It maps provider failures onto core.GatewayError and guards each upstream
// with a circuit breaker. It never retries; callers wrap calls with internal/retry.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"embedstream/internal/core"
	"embedstream/internal/pkg/httpclient"
)

// Config holds configuration for the client
type Config struct {
	// ProviderName identifies the provider in errors and logs
	ProviderName string

	// BaseURL is the API base URL
	BaseURL string

	// Breaker is optional; nil disables circuit breaking
	Breaker *BreakerConfig
}

// DefaultConfig returns a config with the default breaker settings
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName: providerName,
		BaseURL:      baseURL,
		Breaker: &BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter sets provider-wide headers such as credentials
type HeaderSetter func(req *http.Request)

// Client performs requests against one provider
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
	breaker      *breaker
}

// New creates a client using the shared outbound transport
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.New(httpclient.Options{}), config, headerSetter)
}

// NewWithHTTPClient creates a client on top of httpClient
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
	if config.Breaker != nil {
		c.breaker = newBreaker(*config.Breaker)
	}
	return c
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// BreakerState reports the circuit state, or "disabled"
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State()
}

// Request describes one outbound call
type Request struct {
	Method   string
	Endpoint string
	Body     any // JSON marshaled when non-nil
	Headers  map[string]string
}

// Response is a fully read response
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes req once and unmarshals a 200 response into result
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}
	return nil
}

// DoRaw executes req once and returns the raw body of a 200 response
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, core.NewCancelledError(ctxErr)
		}
		c.recordFailure()
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to read response: "+err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		c.recordStatus(resp.StatusCode)
		return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, body, nil)
	}

	c.recordSuccess()
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// DoStream executes req and hands the open body of a 200 response to the caller
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			body = []byte("failed to read error response")
		}
		_ = resp.Body.Close()
		c.recordStatus(resp.StatusCode)
		return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, body, nil)
	}

	c.recordSuccess()
	return resp.Body, nil
}

// send checks the breaker, builds and sends the request
func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewCancelledError(err)
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
			"circuit breaker is open - provider temporarily unavailable", nil)
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, core.NewCancelledError(ctxErr)
		}
		c.recordFailure()
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
	}
	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.config.BaseURL+req.Endpoint, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}

// recordStatus counts rate limits and server errors against the breaker
func (c *Client) recordStatus(status int) {
	if status >= 500 || status == http.StatusTooManyRequests {
		c.recordFailure()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}
