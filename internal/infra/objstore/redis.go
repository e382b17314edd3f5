package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
)

// Redis stores objects as plain keys "<bucket>/<key>". SETNX gives the
// compare-and-set-if-absent primitive natively.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: client}, nil
}

func redisKey(bucket, key string) string {
	return bucket + "/" + key
}

func (r *Redis) CreateBucket(_ context.Context, _ string) error {
	// buckets are a naming convention only
	return nil
}

func (r *Redis) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (r *Redis) SetObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := r.client.Set(ctx, redisKey(bucket, key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (r *Redis) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := r.client.Del(ctx, redisKey(bucket, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (r *Redis) ListObjectNames(ctx context.Context, bucket, prefix string) ([]string, error) {
	pattern := redisKey(bucket, prefix) + "*"
	var names []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), bucket+"/"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) SetObjectIfAbsent(ctx context.Context, bucket, key string, data []byte) ([]byte, bool, error) {
	installed, err := r.client.SetNX(ctx, redisKey(bucket, key), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s/%s: %w", bucket, key, err)
	}
	if installed {
		return data, true, nil
	}
	existing, err := r.GetObject(ctx, bucket, key)
	if errors.Is(err, domain.ErrObjectNotFound) {
		// lost the race against a delete; retry once with our value
		return r.SetObjectIfAbsent(ctx, bucket, key, data)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Redis) SizeAndChecksum(ctx context.Context, bucket, key string) (int64, string, error) {
	data, err := r.GetObject(ctx, bucket, key)
	if err != nil {
		return 0, "", err
	}
	return int64(len(data)), crypto.MD5Hex(data), nil
}

func (r *Redis) CreatePAR(_ context.Context, _ PARRequest) (*domain.PAR, error) {
	return nil, fmt.Errorf("%w: redis backend cannot mint pre-authenticated urls", domain.ErrPAR)
}

func (r *Redis) ClosePAR(_ context.Context, _ *domain.PAR) error {
	return fmt.Errorf("%w: redis backend cannot mint pre-authenticated urls", domain.ErrPAR)
}

var _ Store = (*Redis)(nil)
