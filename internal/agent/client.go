package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	apiKeyHeader  = "x-api-key"
	maxRedirects  = 10
	maxErrorBytes = 4096
)

// StatusError is returned when the agent answered with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent returned status %d for %s %s", e.StatusCode, e.Method, e.Path)
	}
	return fmt.Sprintf("agent returned status %d for %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == code
	}
	return false
}

type Config struct {
	BaseURL string
	ApiKey  string
	// Bearer is the tenant wallet token. Empty for the admin agent.
	Bearer  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to one agent admin API, either as the admin wallet or on
// behalf of a single tenant wallet.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	bearer     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("agent base url cannot be empty")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid agent base url %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: u,
		apiKey:  cfg.ApiKey,
		bearer:  cfg.Bearer,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.WithGroup("agent_client"),
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, target any) error {
	reqURL := *c.baseURL
	reqURL.Path = c.baseURL.Path + path
	if len(query) > 0 {
		reqURL.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
	}

	current := &reqURL
	for redirects := 0; redirects <= maxRedirects; redirects++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, current.String(), reader)
		if err != nil {
			return errors.Wrapf(err, "failed to create request %s %s", method, path)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}
		if c.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+c.bearer)
		}

		c.logger.Debug("Sending request", "method", method, "url", current.String(), "attempt", redirects+1)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("HTTP request failed", "method", method, "url", current.String(), "error", err)
			return errors.Wrapf(err, "agent request %s %s failed", method, path)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return errors.Errorf("redirect (status %d) missing Location header from %s", resp.StatusCode, current.String())
			}
			next, err := current.Parse(loc)
			if err != nil {
				return errors.Wrapf(err, "failed to parse redirect Location %q", loc)
			}
			c.logger.Info("Request redirected", "from_url", current.String(), "to_url", next.String(), "status_code", resp.StatusCode)
			current = next
			continue
		}

		return c.finish(resp, method, path, target)
	}

	return errors.Errorf("stopped after %d redirects, last URL: %s", maxRedirects, current.String())
}

func (c *Client) finish(resp *http.Response, method, path string, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "method", method, "path", path, "status_code", resp.StatusCode)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "failed to decode response body for %s %s", method, path)
	}
	return nil
}
