package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Download defaults.
const (
	DefaultMaxBytes = 100 * 1024 * 1024
	DefaultTimeout  = 5 * time.Minute
	DefaultRetries  = 3
)

// DownloaderOptions tunes a Downloader. Zero values take the defaults.
type DownloaderOptions struct {
	MaxBytes  int64
	Timeout   time.Duration
	Retries   int
	VerifyTLS bool
	// InitialBackoff overrides the first retry delay.
	InitialBackoff time.Duration
}

// Downloader fetches plugin artifacts over HTTP(S) with bounded size,
// timeout and retries.
type Downloader struct {
	client  *http.Client
	opts    DownloaderOptions
	logger  *logrus.Logger
	userAgt string
}

// NewDownloader creates a downloader.
func NewDownloader(opts DownloaderOptions, logger *logrus.Logger) *Downloader {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in via config
	}

	return &Downloader{
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:    opts,
		logger:  logger,
		userAgt: "plughost",
	}
}

// MaxBytes is the configured size ceiling.
func (d *Downloader) MaxBytes() int64 {
	return d.opts.MaxBytes
}

// Fetch downloads url into dest, retrying transient failures. It returns the
// number of bytes written.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.Retries)), ctx)

	var size int64
	attempt := 0
	op := func() error {
		attempt++
		n, err := d.fetchOnce(ctx, url, dest)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
			}).WithError(err).Debug("Download attempt failed")
			return err
		}
		size = n
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		os.Remove(dest)
		if ctx.Err() != nil && !errors.Is(err, plugins.ErrSourceNotFound) && !errors.Is(err, plugins.ErrSizeExceeded) {
			return 0, plugins.WrapError(plugins.ErrNetwork, "", ctx.Err(), "download of %s timed out", url)
		}
		return 0, err
	}

	d.logger.WithFields(logrus.Fields{
		"url":  url,
		"size": size,
	}).Info("Downloaded plugin artifact")
	return size, nil
}

// FetchOptional is Fetch that reports (false, nil) when the server answers 404.
func (d *Downloader) FetchOptional(ctx context.Context, url, dest string) (bool, error) {
	_, err := d.Fetch(ctx, url, dest)
	if errors.Is(err, plugins.ErrSourceNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(plugins.WrapError(plugins.ErrInvalidSource, "", err, "invalid download url"))
	}
	req.Header.Set("User-Agent", d.userAgt)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, plugins.WrapError(plugins.ErrNetwork, "", err, "failed to download %s", url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, backoff.Permanent(plugins.NewError(plugins.ErrSourceNotFound, "", "%s returned HTTP 404", url))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return 0, plugins.NewError(plugins.ErrNetwork, "", "download failed: HTTP %d for %s", resp.StatusCode, url)
	case resp.StatusCode != http.StatusOK:
		return 0, backoff.Permanent(plugins.NewError(plugins.ErrNetwork, "", "download failed: HTTP %d for %s", resp.StatusCode, url))
	}

	if resp.ContentLength > d.opts.MaxBytes {
		return 0, backoff.Permanent(plugins.NewError(plugins.ErrSizeExceeded, "",
			"artifact is %d bytes, limit is %d", resp.ContentLength, d.opts.MaxBytes))
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to create download file: %w", err))
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(resp.Body, d.opts.MaxBytes+1))
	if err != nil {
		return 0, plugins.WrapError(plugins.ErrNetwork, "", err, "failed to read %s", url)
	}
	if n > d.opts.MaxBytes {
		return 0, backoff.Permanent(plugins.NewError(plugins.ErrSizeExceeded, "",
			"artifact exceeds %d bytes", d.opts.MaxBytes))
	}
	return n, nil
}
