package artifacts

import (
	"context"
	"fmt"
	"os"
)

// Backend names an artifact storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv selects and builds the backend from the environment:
//
//   - IDIS_ARTIFACT_STORE: "fs" (default), "s3", or "gcs"
//   - IDIS_ARTIFACT_DIR: filesystem base directory (default "data/artifacts")
//   - IDIS_ARTIFACT_S3_BUCKET (required for s3), IDIS_ARTIFACT_S3_REGION
//     (falls back to AWS_REGION, then us-east-1), IDIS_ARTIFACT_S3_ENDPOINT,
//     IDIS_ARTIFACT_S3_PREFIX
//   - IDIS_ARTIFACT_GCS_BUCKET (required for gcs), IDIS_ARTIFACT_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, BackendFromEnv())
}

// NewStore builds the named backend, reading that backend's settings from
// the environment. Callers that pick the backend elsewhere (the deployment
// profile) use this instead of NewStoreFromEnv.
func NewStore(ctx context.Context, backend Backend) (Store, error) {
	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", backend)
	}
}

// BackendFromEnv reports what NewStoreFromEnv would build, for the audit
// trail's backend label.
func BackendFromEnv() Backend {
	if b := Backend(os.Getenv("IDIS_ARTIFACT_STORE")); b != "" {
		return b
	}
	return BackendFS
}

func newFileStoreFromEnv() (Store, error) {
	dir := os.Getenv("IDIS_ARTIFACT_DIR")
	if dir == "" {
		dir = "data/artifacts"
	}
	return NewFileStore(dir)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("IDIS_ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: IDIS_ARTIFACT_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("IDIS_ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("IDIS_ARTIFACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("IDIS_ARTIFACT_S3_PREFIX"),
	})
}
