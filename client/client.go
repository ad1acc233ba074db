package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/pkg/errors"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 10

	apiKeyHeader = "x-api-key"
	walletHeader = "x-wallet-id"
)

var (
	ErrApiKeyInvalid = errors.New("api key invalid")
	ErrForbidden     = errors.New("forbidden")
	ErrWaitTimeout   = errors.New("timed out waiting for event")
	// ErrStopStream may be returned from a Stream callback to end the stream
	// without error.
	ErrStopStream = errors.New("stop stream")
)

type ErrRateLimited struct {
	RetryAfter time.Duration
	Message    string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Message)
}

// ErrServer is any other non-2xx answer from the gateway.
type ErrServer struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *ErrServer) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error (status %d): %s - %s", e.StatusCode, e.ErrorType, e.Message)
}

type Config struct {
	// BaseURL of the gateway, e.g. https://gateway.example:3010
	BaseURL string
	// ApiKey is sent as x-api-key on every authenticated route, in the
	// "<role>.<token>" form.
	ApiKey string
	// WebhookApiKey is only needed by Publish when the gateway guards its
	// webhook routes with a shared key.
	WebhookApiKey string
	SkipVerify    bool
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Client is the API client for an agentgate gateway.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	webhookApiKey string
	// httpClient carries the request timeout; streamClient has none and is
	// bounded by the caller's context instead.
	httpClient   *http.Client
	streamClient *http.Client
	tlsConfig    *tls.Config
	logger       *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("baseURL cannot be empty")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base URL '%s'", cfg.BaseURL)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, errors.Errorf("base URL '%s' must be http or https", cfg.BaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	clientLogger := cfg.Logger.WithGroup("agentgate_client")

	tlsClientCfg := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.SkipVerify {
		clientLogger.Info("TLS verification is skipped.")
	}
	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.ApiKey,
		webhookApiKey: cfg.WebhookApiKey,
		httpClient: &http.Client{
			Transport:     &http.Transport{TLSClientConfig: tlsClientCfg},
			Timeout:       cfg.Timeout,
			CheckRedirect: noRedirect,
		},
		streamClient: &http.Client{
			Transport:     &http.Transport{TLSClientConfig: tlsClientCfg},
			CheckRedirect: noRedirect,
		},
		tlsConfig: tlsClientCfg,
		logger:    clientLogger,
	}, nil
}

type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   any
	stream bool
	noAuth bool
	apiKey string
}

// send issues req, following redirects itself so the method and body
// survive them. The caller owns the returned body, which is only returned
// for 2xx answers.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	target := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(req.path, "/")})
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}

	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, errors.Wrapf(err, "failed to marshal request body for %s %s", req.method, req.path)
		}
	}

	httpClient := c.httpClient
	if req.stream {
		httpClient = c.streamClient
	}

	for redirects := 0; redirects < maxRedirects; redirects++ {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create request %s %s", req.method, target)
		}
		for k, vs := range req.header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		switch {
		case req.apiKey != "":
			httpReq.Header.Set(apiKeyHeader, req.apiKey)
		case !req.noAuth:
			httpReq.Header.Set(apiKeyHeader, c.apiKey)
		}

		c.logger.Debug("Sending request", "method", req.method, "url", target.String(), "attempt", redirects+1)
		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, errors.Wrapf(err, "http request %s %s failed", req.method, target)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, errors.Errorf("redirect (status %d) missing Location header from %s", resp.StatusCode, target)
			}
			next, err := target.Parse(loc)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse redirect Location '%s'", loc)
			}
			c.logger.Info("Request redirected", "from_url", target.String(), "to_url", next.String(), "status_code", resp.StatusCode)
			target = next
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, c.decodeFailure(resp)
		}
		return resp, nil
	}
	return nil, errors.Errorf("stopped after %d redirects, last URL: %s", maxRedirects, target)
}

func (c *Client) decodeFailure(resp *http.Response) error {
	var body models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(raw, &body)

	c.logger.Warn("Received non-2xx status code", "url", resp.Request.URL.String(), "status_code", resp.StatusCode, "error_type", body.ErrorType)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return withMessage(ErrApiKeyInvalid, body.Message)
	case http.StatusForbidden:
		return withMessage(ErrForbidden, body.Message)
	case http.StatusTooManyRequests:
		retryAfter := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &ErrRateLimited{RetryAfter: retryAfter, Message: body.Message}
	case http.StatusGatewayTimeout:
		if body.ErrorType == "EVENT_TIMEOUT" {
			return withMessage(ErrWaitTimeout, body.Message)
		}
	}
	return &ErrServer{StatusCode: resp.StatusCode, ErrorType: body.ErrorType, Message: body.Message}
}

func withMessage(err error, message string) error {
	if message == "" {
		return err
	}
	return errors.WithMessage(err, message)
}

func (c *Client) doJSON(ctx context.Context, req request, target any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "failed to decode response body for %s %s", req.method, req.path)
	}
	return nil
}

// Ping reports who the gateway takes the configured key for.
func (c *Client) Ping(ctx context.Context) (models.PingResponse, error) {
	var pong models.PingResponse
	err := withRetriesVoid(ctx, c.logger, func() error {
		return c.doJSON(ctx, request{method: http.MethodGet, path: "/v1/ping"}, &pong)
	})
	return pong, err
}

// Publish posts payload to the gateway's webhook ingestion route as if the
// agent named by origin had sent it.
func (c *Client) Publish(ctx context.Context, origin, agentTopic, walletID string, payload any) error {
	if origin == "" || agentTopic == "" {
		return errors.New("origin and agent topic cannot be empty")
	}
	req := request{
		method: http.MethodPost,
		path:   "/" + url.PathEscape(origin) + "/topic/" + url.PathEscape(agentTopic),
		header: http.Header{},
		body:   payload,
		noAuth: c.webhookApiKey == "",
		apiKey: c.webhookApiKey,
	}
	if walletID != "" {
		req.header.Set(walletHeader, walletID)
	}
	return withRetriesVoid(ctx, c.logger, func() error {
		return c.doJSON(ctx, req, nil)
	})
}

// Wait blocks until an event on topic matches every filter pair, and returns
// its payload. A zero timeout uses the gateway default.
func (c *Client) Wait(ctx context.Context, topic string, filter map[string]string, timeout time.Duration) (map[string]any, error) {
	return c.WaitFor(ctx, "", topic, filter, timeout)
}

// WaitFor is Wait on another wallet's events. Only admin keys may use it.
func (c *Client) WaitFor(ctx context.Context, walletID, topic string, filter map[string]string, timeout time.Duration) (map[string]any, error) {
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	q.Set("topic", topic)
	if walletID != "" {
		q.Set("wallet_id", walletID)
	}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}

	var payload map[string]any
	err := withRetriesVoid(ctx, c.logger, func() error {
		return c.doJSON(ctx, request{method: http.MethodGet, path: "/v1/events/wait", query: q, stream: true}, &payload)
	})
	return payload, err
}

// Onboard grants walletID the requested roles. Needs an admin key.
func (c *Client) Onboard(ctx context.Context, walletID string, req models.OnboardRequest) (models.OnboardResult, error) {
	var result models.OnboardResult
	if walletID == "" {
		return result, errors.New("wallet id cannot be empty")
	}
	err := c.doJSON(ctx, request{
		method: http.MethodPost,
		path:   "/v1/tenants/" + url.PathEscape(walletID) + "/onboard",
		body:   req,
		stream: true,
	}, &result)
	return result, err
}
