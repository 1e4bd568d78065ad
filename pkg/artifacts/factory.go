package artifacts

import (
	"context"
	"fmt"

	"github.com/triops-labs/triops/pkg/config"
)

// NewFromConfig builds the artifact store named by configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "file":
		return NewFileStore(cfg.ArtifactDir)
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: cfg.ArtifactBucket, Region: cfg.AWSRegion})
	case "gcs":
		return newGCS(ctx, cfg.ArtifactBucket)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", cfg.ArtifactBackend)
	}
}
