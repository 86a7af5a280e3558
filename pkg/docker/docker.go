// Package docker prepares the container image the packaging tool uses to
// convert model artifacts.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Pull policies.
const (
	PullAlways       = "always"
	PullIfNotPresent = "if-not-present"
	PullNever        = "never"
)

// Manager handles Docker image operations.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// ImageExists reports whether ref is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// LoadImage loads a saved image archive (docker save format).
	LoadImage(ctx context.Context, archivePath string) error

	// PullImage pulls ref according to policy.
	PullImage(ctx context.Context, ref, policy string) error

	// GetImageDigest returns the sha256 digest of ref.
	GetImageDigest(ctx context.Context, ref string) (string, error)
}

// NewManager creates a manager using the environment's Docker settings.
func NewManager(log logrus.FieldLogger) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return NewManagerWithClient(log, cli), nil
}

// NewManagerWithClient creates a manager around an existing client.
func NewManagerWithClient(log logrus.FieldLogger, cli *client.Client) Manager {
	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start checks that the daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// ImageExists inspects ref.
func (m *manager) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := m.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}

	if client.IsErrNotFound(err) {
		return false, nil
	}

	return false, fmt.Errorf("inspecting image %s: %w", ref, err)
}

// LoadImage streams archivePath into the daemon.
func (m *manager) LoadImage(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening image archive: %w", err)
	}
	defer f.Close()

	resp, err := m.client.ImageLoad(ctx, f, client.ImageLoadWithQuiet(true))
	if err != nil {
		return fmt.Errorf("loading image archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := drainMessages(resp.Body); err != nil {
		return fmt.Errorf("loading image archive: %w", err)
	}

	m.log.WithField("archive", archivePath).Info("Image archive loaded")

	return nil
}

// PullImage pulls a Docker image.
func (m *manager) PullImage(ctx context.Context, ref, policy string) error {
	log := m.log.WithField("image", ref)

	if policy == PullNever {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == PullIfNotPresent {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	if err := drainMessages(reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// GetImageDigest returns the SHA256 digest of an image (just the "sha256:..." portion).
func (m *manager) GetImageDigest(ctx context.Context, ref string) (string, error) {
	inspect, _, err := m.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspecting image: %w", err)
	}

	if len(inspect.RepoDigests) > 0 {
		digest := inspect.RepoDigests[0]
		if idx := strings.Index(digest, "sha256:"); idx != -1 {
			return digest[idx:], nil
		}

		return digest, nil
	}

	return inspect.ID, nil
}

// drainMessages consumes a daemon JSON message stream and surfaces the
// first error message in it.
func drainMessages(r io.Reader) error {
	dec := json.NewDecoder(r)

	for {
		var msg struct {
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}

		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading daemon response: %w", err)
		}

		if msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}

		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}
