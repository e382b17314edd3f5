package objstore

import (
	"context"
	"fmt"

	"acquire/internal/config"
)

// NewFromConfig builds the backend named by the store config and binds it as
// the process-wide store.
func NewFromConfig(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case "memory":
		store = NewMemory()
	case "redis":
		store, err = NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "s3":
		store, err = NewS3(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
	case "postgres":
		store, err = NewGorm(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown object store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := Bind(cfg.Type, store); err != nil {
		return nil, err
	}
	return store, nil
}
