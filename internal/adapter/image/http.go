// Package image downloads the base disk image the worker overlays are built on.
package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/port"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

type httpFetcher struct {
	client *http.Client
	log    *zap.Logger
}

// NewHTTPFetcher returns an ImageFetcher bounded by timeout for the whole transfer
func NewHTTPFetcher(timeout time.Duration, log *zap.Logger) port.ImageFetcher {
	return &httpFetcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Fetch streams sourceURL into destPath+".part" and renames it on success, so an
// interrupted transfer never leaves a file at destPath.
func (f *httpFetcher) Fetch(ctx context.Context, sourceURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image server returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	part := destPath + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	defer os.Remove(part)

	start := time.Now()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", sourceURL, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		out.Close()
		return fmt.Errorf("download %s: short body %d of %d bytes", sourceURL, n, resp.ContentLength)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(part, destPath); err != nil {
		return err
	}

	f.log.Info("Base image downloaded",
		zap.String("path", destPath),
		zap.String("size", units.HumanSize(float64(n))),
		zap.Duration("took", time.Since(start)))
	return nil
}
