// Package blob stores upload and conversion artifacts by key. Keys use forward slashes and never
// start with one; backends map them onto a directory tree or an S3 bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// ErrObjectNotFound is returned when a key has no object
var ErrObjectNotFound = errors.New("object not found")

// Backends
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Store is the artifact storage used by the API and the workers
type Store interface {
	// Put stores r under key and returns the number of bytes written
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open streams an object. It returns ErrObjectNotFound for a missing key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Fetch copies an object into the local file dst
	Fetch(ctx context.Context, key, dst string) error
	// Upload stores the local file src under key
	Upload(ctx context.Context, src, key string) error
	// Remove deletes an object. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Copy duplicates an object under a new key
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// Config selects and configures a backend
type Config struct {
	Backend   string
	LocalRoot string
	S3        S3Config
}

// New builds the configured backend
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewLocal(cfg.LocalRoot, logger)
	case BackendS3:
		return NewS3(ctx, cfg.S3, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// InputKey is where an upload is stored
func InputKey(jobID, filename string) string {
	return path.Join("uploads", jobID, filename)
}

// OutputKey is where the converted artifact of a job is stored
func OutputKey(jobID, filename, ext string) string {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	if base == "" {
		base = "file"
	}
	return path.Join("converted", jobID, base+"_converted."+ext)
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return k, nil
}
