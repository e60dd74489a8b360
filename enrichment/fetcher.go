package enrichment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// notFoundTTL is how long a failed download is negatively cached before
	// another fetch is attempted.
	notFoundTTL = 12 * time.Hour

	notFoundSuffix = ".not_found"
)

// S3Downloader is the subset of the S3 API the fetcher needs.
type S3Downloader interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher lazily materializes reference databases from the GeoIP/IOC bucket
// into local ephemeral storage with freshness and negative caching.
type Fetcher struct {
	client S3Downloader
	bucket string
	dir    string
}

// NewFetcher returns a fetcher staging downloads under dir (usually /tmp).
// A nil client or empty bucket disables fetching; Materialize then only
// serves already-present local copies.
func NewFetcher(client S3Downloader, bucket, dir string) *Fetcher {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Fetcher{client: client, bucket: bucket, dir: dir}
}

// Materialize ensures a local copy of key exists and is fresher than
// freshness, downloading from the bucket when needed. It returns the local
// path, or an error when the database is unavailable; the caller is expected
// to degrade (disable enrichment) rather than fail on error.
func (f *Fetcher) Materialize(ctx context.Context, key string, freshness time.Duration) (string, error) {
	local := filepath.Join(f.dir, filepath.Base(key))
	sentinel := local + notFoundSuffix

	if st, err := os.Stat(sentinel); err == nil {
		if time.Since(st.ModTime()) < notFoundTTL {
			return "", fmt.Errorf("%s negatively cached since %s", key, st.ModTime().Format(time.RFC3339))
		}
		os.Remove(sentinel)
	}

	if st, err := os.Stat(local); err == nil {
		if time.Since(st.ModTime()) < freshness {
			return local, nil
		}
		slog.Info("local reference database is stale, refreshing", "key", key, "age", time.Since(st.ModTime()).String())
		os.Remove(local)
	}

	if f.client == nil || f.bucket == "" {
		return "", fmt.Errorf("no reference-data bucket configured for %s", key)
	}

	if err := f.download(ctx, key, local); err != nil {
		f.writeSentinel(sentinel)
		return "", fmt.Errorf("downloading %s from %s: %w", key, f.bucket, err)
	}
	return local, nil
}

func (f *Fetcher) download(ctx context.Context, key, dest string) error {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &f.bucket,
		Key:    &key,
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	tmp := dest + ".download"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func (f *Fetcher) writeSentinel(sentinel string) {
	if file, err := os.Create(sentinel); err == nil {
		file.Close()
	}
}
