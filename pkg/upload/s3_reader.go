package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mlOS-foundation/system-test/pkg/config"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

// RemoteRun is an uploaded run directory and its metrics, when present.
type RemoteRun struct {
	Dir     string
	Metrics *result.Metrics
}

// S3Reader reads uploaded runs from S3-compatible storage.
type S3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// NewS3Reader creates a new S3Reader from the given configuration.
func NewS3Reader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) *S3Reader {
	return &S3Reader{
		log:    log.WithField("component", "s3-reader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

// ListRuns returns the uploaded runs, newest first. Runs whose metrics.json
// is missing or unreadable are listed without metrics.
func (r *S3Reader) ListRuns(ctx context.Context) ([]RemoteRun, error) {
	runsPrefix := RunsPrefix(r.cfg)

	prefixes, err := r.ListPrefixes(ctx, runsPrefix)
	if err != nil {
		return nil, err
	}

	runs := make([]RemoteRun, 0, len(prefixes))

	for _, p := range prefixes {
		dir := strings.TrimSuffix(strings.TrimPrefix(p, runsPrefix), "/")
		run := RemoteRun{Dir: dir}

		data, err := r.GetObject(ctx, p+result.MetricsFileName)
		if err != nil {
			r.log.WithError(err).WithField("dir", dir).Warn("Failed to read run metrics")
		} else if data != nil {
			var m result.Metrics
			if err := json.Unmarshal(data, &m); err != nil {
				r.log.WithError(err).WithField("dir", dir).Warn("Invalid run metrics")
			} else {
				run.Metrics = &m
			}
		}

		runs = append(runs, run)
	}

	// Directory names start with the unix timestamp of the run.
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Dir > runs[j].Dir
	})

	return runs, nil
}

// GetLatest returns the latest pointer, or nil if nothing was published.
func (r *S3Reader) GetLatest(ctx context.Context) (*Latest, error) {
	data, err := r.GetObject(ctx, path.Join(basePrefix(r.cfg), LatestKey))
	if err != nil || data == nil {
		return nil, err
	}

	var latest Latest
	if err := json.Unmarshal(data, &latest); err != nil {
		return nil, fmt.Errorf("parsing latest pointer: %w", err)
	}

	return &latest, nil
}

// ListPrefixes lists immediate "subdirectory" prefixes under the given prefix.
// The prefix should end with "/" (e.g. "results/runs/").
func (r *S3Reader) ListPrefixes(
	ctx context.Context, prefix string,
) ([]string, error) {
	var prefixes []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				prefixes = append(prefixes, *cp.Prefix)
			}
		}
	}

	return prefixes, nil
}

// GetObject returns the contents of the given key.
// If the key does not exist, it returns (nil, nil).
func (r *S3Reader) GetObject(
	ctx context.Context, key string,
) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
