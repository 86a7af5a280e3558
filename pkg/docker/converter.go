package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlOS-foundation/system-test/pkg/artifact"
	"github.com/sirupsen/logrus"
)

// ConverterConfig describes the conversion image.
type ConverterConfig struct {
	Image string
	// ArchiveURL points at a "docker save" tarball. When empty the image is
	// pulled from its registry.
	ArchiveURL string
	PullPolicy string
	WorkDir    string
}

// EnsureConverter makes the conversion image available locally.
func EnsureConverter(
	ctx context.Context,
	log logrus.FieldLogger,
	mgr Manager,
	dl artifact.Downloader,
	cfg *ConverterConfig,
) error {
	log = log.WithField("image", cfg.Image)

	exists, err := mgr.ImageExists(ctx, cfg.Image)
	if err != nil {
		return err
	}

	if exists {
		log.Debug("Converter image already present")

		return nil
	}

	if cfg.ArchiveURL == "" {
		policy := cfg.PullPolicy
		if policy == "" {
			policy = PullIfNotPresent
		}

		return mgr.PullImage(ctx, cfg.Image, policy)
	}

	dir := cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}

	archivePath := filepath.Join(dir, "converter-image.tar")
	defer func() { _ = os.Remove(archivePath) }()

	if err := dl.Download(ctx, cfg.ArchiveURL, archivePath, ""); err != nil {
		return fmt.Errorf("downloading converter image: %w", err)
	}

	if err := mgr.LoadImage(ctx, archivePath); err != nil {
		return err
	}

	log.Info("Converter image loaded")

	return nil
}

// Converter makes the conversion image available before workloads are
// installed.
type Converter struct {
	log logrus.FieldLogger
	mgr Manager
	dl  artifact.Downloader
	cfg *ConverterConfig
}

// NewConverter creates a converter preparer.
func NewConverter(log logrus.FieldLogger, mgr Manager, dl artifact.Downloader, cfg *ConverterConfig) *Converter {
	return &Converter{
		log: log.WithField("component", "converter"),
		mgr: mgr,
		dl:  dl,
		cfg: cfg,
	}
}

// Prepare connects to the daemon and ensures the image is present.
func (c *Converter) Prepare(ctx context.Context) error {
	if err := c.mgr.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := c.mgr.Stop(); err != nil {
			c.log.WithError(err).Debug("Failed to close docker client")
		}
	}()

	return EnsureConverter(ctx, c.log, c.mgr, c.dl, c.cfg)
}
