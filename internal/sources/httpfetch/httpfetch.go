// Package httpfetch provides the SSRF-checked, backoff-retried HTTP
// client shared by all three source adapters.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mandrake-bioworks/bioetl/horosafe"
)

// Config configures a Client.
type Config struct {
	Timeout    time.Duration // per-request timeout. Default 30s.
	MaxBytes   int64         // response body cap. Default horosafe.MaxResponseBody.
	MaxRetries int           // retry attempts on transient failure. Default 3.
	UserAgent  string
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = "bioetl-ingest/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client performs SSRF-validated HTTP GETs with exponential-backoff retry.
type Client struct {
	http *http.Client
	cfg  Config
}

// New builds a Client from cfg, applying defaults for zero fields.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return horosafe.ValidateURL(req.URL.String())
			},
		},
		cfg: cfg,
	}
}

// GetBytes fetches url and returns the bounded response body. Retries
// every failed attempt (network error, any non-2xx status, or a body over
// MaxBytes) up to MaxRetries times with
// a 2-second backoff between attempts, matching the ENA adapter's
// download-retry contract.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	return c.GetBytesWithBackoff(ctx, url, 2*time.Second)
}

// GetBytesWithBackoff is GetBytes with a caller-specified inter-attempt
// backoff, for adapters that need a different cadence than the 2-second
// ENA default.
func (c *Client) GetBytesWithBackoff(ctx context.Context, url string, backoff time.Duration) ([]byte, error) {
	if err := horosafe.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("httpfetch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		body, err := c.doGet(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < c.cfg.MaxRetries {
			c.cfg.Logger.WarnContext(ctx, "httpfetch retrying",
				"url", url, "attempt", attempt+1, "max_retries", c.cfg.MaxRetries, "error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("httpfetch: %s: exhausted %d retries: %w", url, c.cfg.MaxRetries, lastErr)
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d for %s", resp.StatusCode, url)
	}

	return horosafe.LimitedReadAll(resp.Body, c.cfg.MaxBytes)
}

// HeadContentLength issues a HEAD request and returns the Content-Length
// header, used for MGnify's pre-download size check.
func (c *Client) HeadContentLength(ctx context.Context, url string) (int64, error) {
	if err := horosafe.ValidateURL(url); err != nil {
		return 0, fmt.Errorf("httpfetch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("http %d for HEAD %s", resp.StatusCode, url)
	}
	return resp.ContentLength, nil
}

// DownloadToFile streams url directly to writer, used for large genome
// and metagenome payloads that should not be buffered in memory. Returns
// the byte count written and the first two bytes (for FASTA/gzip magic
// checks) without a second read.
func (c *Client) DownloadToFile(ctx context.Context, url string, writer io.Writer) (int64, [2]byte, error) {
	if err := horosafe.ValidateURL(url); err != nil {
		return 0, [2]byte{}, fmt.Errorf("httpfetch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, [2]byte{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, [2]byte{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, [2]byte{}, fmt.Errorf("http %d for %s", resp.StatusCode, url)
	}

	var magic [2]byte
	limited := io.LimitReader(resp.Body, c.cfg.MaxBytes+1)
	tee := io.TeeReader(limited, writer)
	n, err := io.ReadFull(tee, magic[:])
	total := int64(n)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return total, magic, fmt.Errorf("read magic: %w", err)
	}
	rest, err := io.Copy(writer, limited)
	total += rest
	if err != nil {
		return total, magic, fmt.Errorf("copy body: %w", err)
	}
	if total > c.cfg.MaxBytes {
		return total, magic, fmt.Errorf("response exceeds %d bytes", c.cfg.MaxBytes)
	}
	return total, magic, nil
}
