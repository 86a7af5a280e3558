package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// DefaultDownloadTimeout bounds a single archive download.
const DefaultDownloadTimeout = 10 * time.Minute

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest, token string) error
}

// NewHTTPDownloader creates a downloader backed by client. A nil client
// uses a default client with DefaultDownloadTimeout.
func NewHTTPDownloader(log logrus.FieldLogger, client *http.Client) Downloader {
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}

	return &httpDownloader{
		log:    log.WithField("component", "downloader"),
		client: client,
	}
}

type httpDownloader struct {
	log    logrus.FieldLogger
	client *http.Client
}

// Ensure interface compliance.
var _ Downloader = (*httpDownloader)(nil)

// Download streams url into dest. token, when set, is sent as a GitHub
// token.
func (d *httpDownloader) Download(ctx context.Context, url, dest, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/octet-stream")

	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}

	start := time.Now()

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(dest)

		return fmt.Errorf("writing %s: %w", dest, err)
	}

	d.log.WithFields(logrus.Fields{
		"url":      url,
		"size":     units.HumanSize(float64(n)),
		"duration": time.Since(start),
	}).Info("Downloaded archive")

	return nil
}

// Extract unpacks a gzipped tarball into dir. Entries escaping dir are
// rejected.
func Extract(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip: %w", err)
	}
	defer gz.Close()

	root := filepath.Clean(dir) + string(os.PathSeparator)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		target := filepath.Join(dir, hdr.Name)
		if !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("archive entry %q links outside destination", hdr.Name)
			}

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
			}

			_ = os.Remove(target)

			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("linking %s: %w", target, err)
			}
		}
	}
}

func writeEntry(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}

	if perm == 0 {
		perm = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()

		return fmt.Errorf("writing %s: %w", target, err)
	}

	return out.Close()
}
