package cachestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vk/gridci/internal/ctxlog"
)

const objectSuffix = ".tar.gz"

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// S3Store is a Store backed by an S3-compatible object store. Each entry is
// one immutable "<key>.tar.gz" object; prefix restores list objects and pick
// the most recently modified match. The client is stateless, so a single
// S3Store is safe for concurrent use across jobs.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to an S3-compatible endpoint.
func NewS3Store(opts S3Options) (*S3Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting cache store %s: %w", opts.Endpoint, err)
	}
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// Restore implements Store.
func (s *S3Store) Restore(ctx context.Context, exact string, prefixes []string, dest string) RestoreResult {
	logger := ctxlog.FromContext(ctx)

	if exact != "" {
		if ok, err := s.exists(ctx, exact); err != nil {
			logger.Warn("Cache store unreachable, treating as miss.", "error", err)
			return RestoreResult{Hit: Miss}
		} else if ok {
			if err := s.download(ctx, exact, dest); err != nil {
				logger.Warn("Cache restore failed, treating as miss.", "key", exact, "error", err)
				return RestoreResult{Hit: Miss}
			}
			return RestoreResult{Hit: ExactHit, Key: exact}
		}
	}

	for _, prefix := range prefixes {
		key, ok := s.newestWithPrefix(ctx, prefix)
		if !ok {
			continue
		}
		if err := s.download(ctx, key, dest); err != nil {
			logger.Warn("Cache restore failed, treating as miss.", "key", key, "error", err)
			return RestoreResult{Hit: Miss}
		}
		return RestoreResult{Hit: PrefixHit, Key: key}
	}
	return RestoreResult{Hit: Miss}
}

// Save implements Store.
//
// The existence check and the upload are not atomic, so two savers racing on
// the same key may both upload and both report Stored. Unlike DirStore this
// store is not strictly first-writer-wins: the loser overwrites the winner.
// The key binds platform and content identity, so both uploads carry
// equivalent data and the overwrite is harmless.
func (s *S3Store) Save(ctx context.Context, key string, dir string) (SaveOutcome, error) {
	if ok, err := s.exists(ctx, key); err != nil {
		return Skipped, fmt.Errorf("cache store unavailable: %w", err)
	} else if ok {
		return Skipped, nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarGz(pw, dir))
	}()

	_, err := s.client.PutObject(ctx, s.bucket, key+objectSuffix, pr, -1, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return Skipped, fmt.Errorf("uploading cache entry %q: %w", key, err)
	}
	return Stored, nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key+objectSuffix, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if resp := minio.ToErrorResponse(err); resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (s *S3Store) download(ctx context.Context, key, dest string) error {
	obj, err := s.client.GetObject(ctx, s.bucket, key+objectSuffix, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return extractTarGz(obj, dest)
}

func (s *S3Store) newestWithPrefix(ctx context.Context, prefix string) (string, bool) {
	var newestKey string
	var newest int64 = -1

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return "", false
		}
		if !strings.HasSuffix(obj.Key, objectSuffix) {
			continue
		}
		if ts := obj.LastModified.UnixNano(); ts > newest {
			newest = ts
			newestKey = strings.TrimSuffix(obj.Key, objectSuffix)
		}
	}
	return newestKey, newestKey != ""
}
