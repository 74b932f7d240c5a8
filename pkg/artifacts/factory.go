package artifacts

import (
	"context"
	"fmt"
)

// StoreType names a blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Type     StoreType
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the store described by opts. The filesystem store is the default.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", StoreTypeFS:
		if opts.Dir == "" {
			return nil, fmt.Errorf("artifacts: directory is required for fs storage")
		}
		return NewFileStore(opts.Dir)
	case StoreTypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for s3 storage")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: opts.Bucket, Region: region, Endpoint: opts.Endpoint, Prefix: opts.Prefix})
	case StoreTypeGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for gcs storage")
		}
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type %q", opts.Type)
	}
}
