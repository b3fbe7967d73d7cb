// Package erp is the HTTP client for the ERP exchange API.
package erp

import (
	"bytes"
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/logger"
)

// ERP API endpoints, relative to the base URL.
const (
	PathPing        = "/ping"
	PathCatalogSync = "/catalog/sync"
	PathOrders      = "/orders"
	PathReturns     = "/returns"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-ID"
	maxErrorSnippet      = 256
)

// HTTPError is a non-2xx answer from the ERP.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("erp %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap makes every HTTPError match integration.ErrERPRequestFailed.
func (e *HTTPError) Unwrap() error {
	return integration.ErrERPRequestFailed
}

// Client calls the ERP with basic authentication. Credentials are sent on
// every request and never logged.
type Client struct {
	baseURL     *url.URL
	username    string
	password    string
	httpClient  *http.Client
	maxResponse int64
	logger      *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client built from the timeouts.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient builds a client from cfg. The connect timeout bounds dialing
// and the TLS handshake; the read timeout bounds the wait for response
// headers. Their sum caps the whole call.
func NewClient(cfg *config.ERPConfig, log *zap.Logger, opts ...ClientOption) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, integration.ErrERPNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %s", integration.ErrERPNotConfigured, config.RedactURL(cfg.BaseURL))
	}
	if log == nil {
		log = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		maxResponse: cfg.MaxResponseBytes,
		logger:      log.Named("erp"),
	}
	if c.maxResponse <= 0 {
		c.maxResponse = 1 << 20
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the ERP answers and accepts the credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, PathPing, nil, "")
	return err
}

// SyncCatalog posts one catalog batch.
func (c *Client) SyncCatalog(ctx context.Context, env integration.Envelope) error {
	return c.post(ctx, PathCatalogSync, env)
}

// PostOrder posts an order envelope. The ERP upserts by external id.
func (c *Client) PostOrder(ctx context.Context, env integration.Envelope) error {
	return c.post(ctx, PathOrders, env)
}

// PostReturn posts a return envelope. The ERP upserts by external id.
func (c *Client) PostReturn(ctx context.Context, env integration.Envelope) error {
	return c.post(ctx, PathReturns, env)
}

func (c *Client) post(ctx context.Context, path string, env integration.Envelope) error {
	if err := integration.ValidateEnvelope(env); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	_, err = c.do(ctx, http.MethodPost, path, body, string(env.Kind)+":"+env.ExternalID)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	endpoint := c.baseURL.JoinPath(path).String()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("erp: failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	if id := logger.GetCorrelationID(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("erp call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s %s: %w", integration.ErrERPUnavailable, method, path, stripURL(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", integration.ErrERPUnavailable, path, err)
	}

	c.logger.Debug("erp call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(respBody))
		if len(snippet) > maxErrorSnippet {
			snippet = snippet[:maxErrorSnippet]
		}
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}
	return respBody, nil
}

// stripURL drops the request URL from transport errors so a base URL with
// userinfo never reaches logs.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

var _ integration.ERPClient = (*Client)(nil)
