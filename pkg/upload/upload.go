// Package upload ships finished run directories to S3-compatible storage
// and reads them back.
package upload

import (
	"context"

	"github.com/mlOS-foundation/system-test/pkg/result"
)

// Uploader uploads a local run directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in localDir. The directory basename is
	// used as a sub-prefix under prefix + "/runs".
	Upload(ctx context.Context, localDir string) error

	// Name identifies the uploader in logs.
	Name() string

	// Publish uploads a finished run and moves the latest pointer to it.
	Publish(ctx context.Context, runDir string, run *result.RunResult) error
}
