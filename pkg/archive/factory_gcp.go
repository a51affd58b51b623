//go:build gcp

package archive

import "context"

func openGCS(ctx context.Context, cfg GCSConfig) (BlobStore, error) {
	return NewGCSBlobStore(ctx, cfg)
}
