package storage

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/fruitsalade/sharedav/internal/config"
	"github.com/fruitsalade/sharedav/internal/storage/local"
	s3backend "github.com/fruitsalade/sharedav/internal/storage/s3"
)

// New creates the content backend selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		return local.New(afero.NewOsFs(), local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
