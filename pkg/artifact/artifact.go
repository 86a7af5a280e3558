// Package artifact acquires the runtime server and packaging tool binaries,
// either from release archives or from local build overrides.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRuntimeArchivePrefix names runtime release archives.
	DefaultRuntimeArchivePrefix = "mlos-core"

	// DefaultToolArchivePrefix names packaging tool release archives.
	DefaultToolArchivePrefix = "axon"

	lockFileName = ".install.lock"
)

var (
	runtimeBinaryNames = []string{"mlos-server", "mlos_core"}
	toolBinaryNames    = []string{"axon"}
)

// Artifacts are the resolved binaries of one run.
type Artifacts struct {
	RuntimeBinary string
	ToolBinary    string
	RuntimeDir    string
	// LibraryEnv points the dynamic loader at shared libraries shipped in
	// the runtime archive.
	LibraryEnv      map[string]string
	RuntimeDownload time.Duration
	ToolDownload    time.Duration
}

// Acquirer resolves the binaries under test.
type Acquirer interface {
	Acquire(ctx context.Context) (*Artifacts, error)
}

// Config for the acquirer.
type Config struct {
	RuntimeVersion     string
	ToolVersion        string
	ReleaseBaseURL     string
	ToolReleaseBaseURL string
	GitHubToken        string
	// Local build overrides skip the corresponding download.
	BinaryPath string
	ToolPath   string
	InstallDir string
	Owner      *fsutil.OwnerConfig
	OS         string
	Arch       string
}

// NewAcquirer creates an acquirer.
func NewAcquirer(log logrus.FieldLogger, cfg *Config, dl Downloader) Acquirer {
	if cfg.OS == "" {
		cfg.OS = runtime.GOOS
	}

	if cfg.Arch == "" {
		cfg.Arch = runtime.GOARCH
	}

	return &acquirer{
		log: log.WithField("component", "artifact"),
		cfg: cfg,
		dl:  dl,
	}
}

type acquirer struct {
	log logrus.FieldLogger
	cfg *Config
	dl  Downloader
}

// Ensure interface compliance.
var _ Acquirer = (*acquirer)(nil)

// RuntimeArchiveName returns the release asset name of the runtime.
func RuntimeArchiveName(version, goos, arch string) string {
	return fmt.Sprintf("%s_%s_%s-%s.tar.gz", DefaultRuntimeArchivePrefix, version, goos, arch)
}

// ToolArchiveName returns the release asset name of the packaging tool.
func ToolArchiveName(version, goos, arch string) string {
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz", DefaultToolArchivePrefix, strings.TrimPrefix(version, "v"), goos, arch)
}

// Acquire resolves both binaries. Any failure is fatal to the run.
func (a *acquirer) Acquire(ctx context.Context) (*Artifacts, error) {
	if err := fsutil.MkdirAll(a.cfg.InstallDir, 0755, a.cfg.Owner); err != nil {
		return nil, result.Errorf(result.KindDownloadFailed, err, "creating install dir")
	}

	unlock, err := fsutil.Lock(ctx, filepath.Join(a.cfg.InstallDir, lockFileName))
	if err != nil {
		return nil, result.Errorf(result.KindDownloadFailed, err, "locking install dir")
	}

	defer func() {
		if err := unlock(); err != nil {
			a.log.WithError(err).Warn("Failed to release install dir lock")
		}
	}()

	out := &Artifacts{}

	start := time.Now()

	runtimeBin, runtimeDir, err := a.acquireRuntime(ctx)
	if err != nil {
		return nil, err
	}

	out.RuntimeBinary = runtimeBin
	out.RuntimeDir = runtimeDir
	out.RuntimeDownload = time.Since(start)
	out.LibraryEnv = libraryEnv(a.cfg.OS, runtimeDir)

	start = time.Now()

	toolBin, err := a.acquireTool(ctx)
	if err != nil {
		return nil, err
	}

	out.ToolBinary = toolBin
	out.ToolDownload = time.Since(start)

	a.log.WithFields(logrus.Fields{
		"runtime":          out.RuntimeBinary,
		"tool":             out.ToolBinary,
		"runtime_download": out.RuntimeDownload,
		"tool_download":    out.ToolDownload,
	}).Info("Artifacts acquired")

	return out, nil
}

func (a *acquirer) acquireRuntime(ctx context.Context) (string, string, error) {
	if a.cfg.BinaryPath != "" {
		if err := checkExecutable(a.cfg.BinaryPath); err != nil {
			return "", "", result.Errorf(result.KindArtifactNotFound, err, "runtime binary override")
		}

		a.log.WithField("path", a.cfg.BinaryPath).Info("Using local runtime build")

		return a.cfg.BinaryPath, filepath.Dir(a.cfg.BinaryPath), nil
	}

	if a.cfg.RuntimeVersion == "" {
		return "", "", result.Errorf(result.KindDownloadFailed, nil, "no runtime version or binary path configured")
	}

	dir := filepath.Join(a.cfg.InstallDir, DefaultRuntimeArchivePrefix, a.cfg.RuntimeVersion)
	name := RuntimeArchiveName(a.cfg.RuntimeVersion, a.cfg.OS, a.cfg.Arch)
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.ReleaseBaseURL, "/"), a.cfg.RuntimeVersion, name)

	bin, err := a.fetch(ctx, url, name, dir, runtimeBinaryNames)
	if err != nil {
		return "", "", err
	}

	return bin, dir, nil
}

func (a *acquirer) acquireTool(ctx context.Context) (string, error) {
	if a.cfg.ToolPath != "" {
		if err := checkExecutable(a.cfg.ToolPath); err != nil {
			return "", result.Errorf(result.KindArtifactNotFound, err, "tool binary override")
		}

		a.log.WithField("path", a.cfg.ToolPath).Info("Using local packaging tool build")

		return a.cfg.ToolPath, nil
	}

	if a.cfg.ToolVersion == "" {
		return "", result.Errorf(result.KindDownloadFailed, nil, "no tool version or tool path configured")
	}

	dir := filepath.Join(a.cfg.InstallDir, DefaultToolArchivePrefix, a.cfg.ToolVersion)
	name := ToolArchiveName(a.cfg.ToolVersion, a.cfg.OS, a.cfg.Arch)
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.ToolReleaseBaseURL, "/"), a.cfg.ToolVersion, name)

	return a.fetch(ctx, url, name, dir, toolBinaryNames)
}

// fetch downloads and extracts an archive into dir unless a binary is
// already present there.
func (a *acquirer) fetch(ctx context.Context, url, name, dir string, binaries []string) (string, error) {
	log := a.log.WithField("archive", name)

	if bin, ok := findBinary(dir, binaries); ok {
		log.WithField("path", bin).Info("Using cached release")

		return bin, nil
	}

	if err := fsutil.MkdirAll(dir, 0755, a.cfg.Owner); err != nil {
		return "", result.Errorf(result.KindDownloadFailed, err, "creating %s", dir)
	}

	archivePath := filepath.Join(dir, name)

	if err := a.dl.Download(ctx, url, archivePath, a.cfg.GitHubToken); err != nil {
		return "", result.Errorf(result.KindDownloadFailed, err, "downloading %s", name)
	}

	if err := Extract(archivePath, dir); err != nil {
		return "", result.Errorf(result.KindDownloadFailed, err, "extracting %s", name)
	}

	_ = os.Remove(archivePath)

	bin, ok := findBinary(dir, binaries)
	if !ok {
		return "", result.Errorf(result.KindArtifactNotFound, nil,
			"none of %v found in %s", binaries, name)
	}

	if err := os.Chmod(bin, 0755); err != nil {
		return "", result.Errorf(result.KindArtifactNotFound, err, "making %s executable", bin)
	}

	return bin, nil
}

// findBinary searches the common locations first, then the whole tree.
func findBinary(dir string, names []string) (string, bool) {
	for _, sub := range []string{"", "bin", "build"} {
		for _, name := range names {
			p := filepath.Join(dir, sub, name)
			if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
				return p, true
			}
		}
	}

	var found string

	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return filepath.SkipDir
		}

		if d.Type().IsRegular() {
			for _, name := range names {
				if d.Name() == name {
					found = path

					return filepath.SkipAll
				}
			}
		}

		return nil
	})

	return found, found != ""
}

// libraryEnv points the loader at directories shipping shared libraries.
func libraryEnv(goos, root string) map[string]string {
	ext, envVar := ".so", "LD_LIBRARY_PATH"
	if goos == "darwin" {
		ext, envVar = ".dylib", "DYLD_LIBRARY_PATH"
	}

	seen := make(map[string]struct{})
	dirs := make([]string, 0, 2)

	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !d.IsDir() && strings.Contains(d.Name(), ext) {
			dir := filepath.Dir(path)
			if _, ok := seen[dir]; !ok {
				seen[dir] = struct{}{}
				dirs = append(dirs, dir)
			}
		}

		return nil
	})

	if len(dirs) == 0 {
		return nil
	}

	if existing := os.Getenv(envVar); existing != "" {
		dirs = append(dirs, existing)
	}

	return map[string]string{envVar: strings.Join(dirs, string(os.PathListSeparator))}
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	if st.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}

	return nil
}
