//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCS(ctx context.Context, bucket string) (Store, error) {
	return nil, fmt.Errorf("artifacts: gcs backend requires a build with -tags gcp")
}
