package archive

import (
	"context"
	"fmt"
)

// Backend names a BlobStore implementation.
type Backend string

const (
	BackendDir Backend = "dir"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// StoreConfig selects and configures a blob backend. Dir is used by
// BackendDir, the matching sub-config by the cloud backends.
type StoreConfig struct {
	Backend Backend
	Dir     string
	S3      S3Config
	GCS     GCSConfig
}

// OpenBlobStore builds the configured backend. An empty backend means dir.
func OpenBlobStore(ctx context.Context, cfg StoreConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", BackendDir:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: dir backend needs a directory")
		}
		return NewDirBlobStore(cfg.Dir)
	case BackendS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3BlobStore(ctx, cfg.S3)
	case BackendGCS:
		return openGCS(ctx, cfg.GCS)
	}
	return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
}
