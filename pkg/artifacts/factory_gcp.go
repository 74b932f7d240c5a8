//go:build gcp

package artifacts

import "context"

func openGCS(ctx context.Context, opts Options) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: opts.Bucket, Prefix: opts.Prefix})
}
