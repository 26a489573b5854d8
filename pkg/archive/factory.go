package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names an archive implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend
	DataDir  string
	S3Bucket string
	S3Region string
	S3Prefix string
	// S3Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	S3Endpoint string
	GCSBucket  string
	GCSPrefix  string
}

// Open builds the configured Store. An empty backend means filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "bundles"))
	case BackendS3:
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}
