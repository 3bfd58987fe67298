// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/hephaestus-dev/hephaestus/internal/cache"
	"github.com/hephaestus-dev/hephaestus/internal/httpx"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
	"github.com/hephaestus-dev/hephaestus/internal/urlx"
)

var defaultHost = urlx.MustParse("https://api.github.com")

// Client fetches release metadata and assets from the release host.
type Client struct {
	Host   *url.URL
	Client httpx.BasicClient
	// Meta, when set, serves metadata requests; asset downloads always go
	// through Client so large bodies never enter the response cache.
	Meta httpx.BasicClient
	Sink *telemetry.Sink
	// Base delay for exponential backoff; attempt n sleeps base * 2^(n-1)
	// with jitter.
	BackoffBase time.Duration
	// sleep is indirect for tests.
	sleep func(time.Duration)
}

// NewClient returns a Client for the default release host using the given
// bearer token (may be empty).
func NewClient(sink *telemetry.Sink, token string) *Client {
	base := &httpx.WithBearerToken{
		BasicClient: &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "hephaestus"},
		Token:       token,
	}
	return &Client{
		Host:        defaultHost,
		Client:      base,
		Meta:        httpx.NewCachedClient(base, &cache.CoalescingMemoryCache{}),
		Sink:        sink,
		BackoffBase: time.Second,
	}
}

func (c *Client) metaClient() httpx.BasicClient {
	if c.Meta != nil {
		return c.Meta
	}
	return c.Client
}

// Release fetches metadata for the given tag; "latest" is a canonical alias.
func (c *Client) Release(ctx context.Context, repository, tag string, timeout time.Duration, maxRetries int) (*Release, error) {
	endpoint := path.Join("/repos", repository, "releases", "tags", tag)
	if tag == DefaultTag {
		endpoint = path.Join("/repos", repository, "releases", "latest")
	}
	pathURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "building release URL")
	}
	var release Release
	err = c.withRetry(ctx, timeout, maxRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Host.ResolveReference(pathURL).String(), nil)
		if err != nil {
			return errors.Wrap(err, "building request")
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		resp, err := c.metaClient().Do(req)
		if err != nil {
			return retryable(errors.Wrap(err, "fetching release metadata"))
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
			return errors.Wrap(err, "decoding release metadata")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &release, nil
}

// FetchAsset streams the asset body into w with retry and per-attempt
// timeout. Each failed attempt restarts the download from scratch.
func (c *Client) FetchAsset(ctx context.Context, asset Asset, timeout time.Duration, maxRetries int, open func() (io.Writer, error)) error {
	return c.withRetry(ctx, timeout, maxRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
		if err != nil {
			return errors.Wrap(err, "building request")
		}
		req.Header.Set("Accept", "application/octet-stream")
		resp, err := c.Client.Do(req)
		if err != nil {
			return retryable(errors.Wrapf(err, "downloading %s", asset.Name))
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		w, err := open()
		if err != nil {
			return errors.Wrap(err, "opening download target")
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return retryable(errors.Wrapf(err, "streaming %s", asset.Name))
		}
		return nil
	})
}

// FetchAssetBytes downloads a small asset (manifest, bundle) into memory.
func (c *Client) FetchAssetBytes(ctx context.Context, asset Asset, timeout time.Duration, maxRetries int) ([]byte, error) {
	var buf []byte
	err := c.FetchAsset(ctx, asset, timeout, maxRetries, func() (io.Writer, error) {
		buf = buf[:0]
		return writerFunc(func(p []byte) (int, error) {
			buf = append(buf, p...)
			return len(p), nil
		}), nil
	})
	return buf, err
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// retryableError marks transient failures eligible for backoff. status is
// nonzero when the failure was an HTTP response rather than a transport
// error.
type retryableError struct {
	err    error
	status int
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func retryable(err error) error { return retryableError{err: err} }

func retryableStatus(status int) error {
	return retryableError{err: errors.Errorf("status %d", status), status: status}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized:
		return ErrTokenExpired
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return retryableStatus(status)
	case status >= 400:
		return errors.Errorf("status %d", status)
	default:
		return errors.Errorf("unexpected status %d", status)
	}
}

// withRetry runs attempt with a per-attempt timeout and exponential backoff
// with jitter. maxRetries bounds the total attempt count; maxRetries == 1
// means exactly one attempt.
func (c *Client) withRetry(ctx context.Context, timeout time.Duration, maxRetries int, attempt func(context.Context) error) error {
	base := c.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for n := 1; n <= maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := attempt(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		var re retryableError
		if !errors.As(err, &re) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		if n == maxRetries {
			break
		}
		backoff := time.Duration(float64(base) * float64(int64(1)<<uint(n-1)) * (0.5 + rand.Float64()))
		c.emitRetry(ctx, n, maxRetries, backoff, err)
		sleep(backoff)
	}
	return errors.Wrap(ErrNetworkFailed, lastErr.Error())
}

func (c *Client) emitRetry(ctx context.Context, attempt, maxRetries int, backoff time.Duration, cause error) {
	if c.Sink == nil {
		return
	}
	var re retryableError
	if errors.As(cause, &re) && re.status != 0 {
		c.Sink.Emit(ctx, telemetry.EventReleaseHTTPRetry, telemetry.SeverityWarn, map[string]any{
			"attempt":     attempt,
			"max_retries": maxRetries,
			"backoff_s":   backoff.Seconds(),
			"status":      re.status,
		})
		return
	}
	c.Sink.Emit(ctx, telemetry.EventReleaseNetworkRetry, telemetry.SeverityWarn, map[string]any{
		"attempt":     attempt,
		"max_retries": maxRetries,
		"backoff_s":   backoff.Seconds(),
		"error":       cause.Error(),
	})
}
