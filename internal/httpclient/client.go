// Package httpclient builds the proxy-aware HTTP client the API client and
// image downloader share, with retry-with-backoff on transient failures and
// friendly-error translation for the network failures this domain surfaces.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/model"
)

// ErrLinkExpired indicates the download URL has expired (HTTP 403).
var ErrLinkExpired = errors.New("link expired or access denied (403)")

// Client wraps *http.Client with retry and proxy configuration for this
// domain's two call shapes: signed JSON API calls and raw image GETs. The
// inner client can be swapped at runtime via Reconfigure when the proxy
// configuration changes; in-flight requests complete against the instance
// they started on.
type Client struct {
	mu         sync.RWMutex
	http       *http.Client
	logger     *slog.Logger
	maxRetries int
}

// Options configures a new Client.
type Options struct {
	ProxyMode  model.ProxyMode
	ProxyHost  string
	ProxyPort  int
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
	// Bus, if set, receives a ProxyErrorEvent when a custom proxy URL is
	// invalid and the client falls back to system proxy settings.
	Bus *events.Bus
}

// New builds a Client from Options, constructing the underlying transport's
// proxy function from ProxyMode. An invalid custom proxy host never fails
// the whole client: it falls back to the system proxy and, if Bus is set,
// publishes a ProxyErrorEvent so the caller can surface the problem.
func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		http:       buildHTTPClient(opts),
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
	}, nil
}

// Reconfigure atomically replaces the inner *http.Client with one built from
// opts, for runtime proxy changes. Requests already in flight complete
// against the instance they started on; requests issued afterward use the
// new one.
func (c *Client) Reconfigure(opts Options) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	next := buildHTTPClient(opts)
	c.mu.Lock()
	c.http = next
	if opts.MaxRetries > 0 {
		c.maxRetries = opts.MaxRetries
	}
	c.mu.Unlock()
}

// buildHTTPClient constructs the transport's proxy function from ProxyMode.
func buildHTTPClient(opts Options) *http.Client {
	transport := &http.Transport{}
	switch opts.ProxyMode {
	case model.ProxyModeNone:
		transport.Proxy = nil
	case model.ProxyModeCustom:
		if opts.ProxyHost == "" {
			opts.Logger.Warn("custom proxy mode requires a host, falling back to system proxy")
			if opts.Bus != nil {
				opts.Bus.Publish(events.ProxyErrorEvent{ErrMsg: "custom proxy mode requires a host"})
			}
			transport.Proxy = http.ProxyFromEnvironment
		} else {
			proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", opts.ProxyHost, opts.ProxyPort)}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	default: // model.ProxyModeSystem
		transport.Proxy = http.ProxyFromEnvironment
	}
	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}

// DoJSON issues method/url with the given headers and body, retrying on
// transient failures (network errors, 5xx, 429) with exponential backoff
// plus jitter, and returns the response body bytes. Every endpoint this
// client talks to is a read — the manga API's POSTs fetch manifests and
// tokens, they don't mutate state — so POSTs retry the same as GETs; the
// request body is buffered up front so it can be replayed per attempt.
// Non-2xx responses are translated into friendly errors; network errors are
// likewise translated.
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) ([]byte, int, error) {
	// Snapshot the inner client once: even if Reconfigure swaps it
	// mid-request, this whole call (retries included) runs against the
	// instance it started on.
	c.mu.RLock()
	httpClient := c.http
	maxRetries := c.maxRetries
	c.mu.RUnlock()

	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, 0, fmt.Errorf("reading request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, 0, err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return nil, 0, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = friendlyError(err)
			if !isRetryableNetErr(err) {
				return nil, 0, lastErr
			}
			c.logger.Warn("request failed, retrying", "url", rawURL, "attempt", attempt, "error", err)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			return data, resp.StatusCode, ErrLinkExpired
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = friendlyHTTPError(resp.StatusCode)
			c.logger.Warn("transient server error, retrying", "url", rawURL, "attempt", attempt, "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return data, resp.StatusCode, friendlyHTTPError(resp.StatusCode)
		}

		return data, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := 100 * time.Millisecond
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > 2*time.Second {
		backoff = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF")
}

// friendlyError converts technical network errors to user-friendly messages.
func friendlyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return fmt.Errorf("server not found, check your network: %w", err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("server is offline or unreachable: %w", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("connection timed out: %w", err)
	case strings.Contains(msg, "certificate"):
		return fmt.Errorf("TLS certificate error: %w", err)
	default:
		return fmt.Errorf("request failed: %w", err)
	}
}

// friendlyHTTPError converts HTTP status codes to user-friendly messages.
func friendlyHTTPError(status int) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("resource not found (404)")
	case http.StatusForbidden:
		return ErrLinkExpired
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication required (401)")
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited, try again later (429)")
	default:
		return fmt.Errorf("server returned error %d", status)
	}
}
