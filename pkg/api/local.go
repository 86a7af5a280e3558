package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// localFileServer serves files of run directories from the local results
// directory. Request paths are resolved relative to one run directory.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

// newLocalFileServer creates a file server rooted at resultsDir.
func newLocalFileServer(
	log logrus.FieldLogger,
	resultsDir string,
) *localFileServer {
	return &localFileServer{
		log:  log.WithField("component", "local-file-server"),
		root: filepath.Clean(resultsDir),
	}
}

// ServeFile serves filePath from the run directory runDir. Returns an error
// when either path is disallowed or the file does not exist.
func (l *localFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	runDir, filePath string,
) error {
	if !isAllowedPath(runDir) || strings.Contains(runDir, "/") {
		return fmt.Errorf("run directory %q is not allowed", runDir)
	}

	if !isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	base := filepath.Join(l.root, runDir)
	full := filepath.Join(base, filepath.FromSlash(filePath))

	// Ensure the resolved path stays under the run directory.
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("file %q not found in run %s", filePath, runDir)
	}

	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request paths.
func isAllowedPath(p string) bool {
	if p == "" {
		return false
	}

	if strings.Contains(p, "..") {
		return false
	}

	// Reject paths that start with a slash (absolute paths).
	if filepath.IsAbs(p) {
		return false
	}

	// Ensure the path is clean (no double slashes, trailing slashes, etc.).
	return path.Clean(p) == p
}
