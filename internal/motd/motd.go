// Package motd fetches an optional message-of-the-day string once at
// startup. A fetch failure is never fatal: Fetch returns the fallback
// message its caller passed in.
package motd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/go-logr/logr"
)

const maxBodyBytes = 4096

// Fetch retries transient failures (matching retryablehttp's default
// backoff) before giving up and returning fallback unchanged.
func Fetch(ctx context.Context, url string, fallback string, logger logr.Logger) string {
	if strings.TrimSpace(url) == "" {
		return fallback
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // retries are not logged; only the final outcome is, below via logr

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Error(err, "motd: building request failed", "url", url)
		return fallback
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error(err, "motd: fetch failed, using fallback", "url", url)
		return fallback
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logger.Info("motd: non-200 response, using fallback", "url", url, "status", resp.StatusCode)
		return fallback
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Error(err, "motd: reading response body failed", "url", url)
		return fallback
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	return text
}

// FetchWithTimeout wraps Fetch with a bounded startup timeout so a slow or
// hanging MOTD host never delays the server from accepting connections.
func FetchWithTimeout(url, fallback string, timeout time.Duration, logger logr.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Fetch(ctx, url, fallback, logger)
}
