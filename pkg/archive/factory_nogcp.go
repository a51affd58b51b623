//go:build !gcp

package archive

import (
	"context"
	"errors"
)

// GCSConfig is accepted in every build so configuration parses; the
// backend itself needs -tags gcp.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func openGCS(context.Context, GCSConfig) (BlobStore, error) {
	return nil, errors.New("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
