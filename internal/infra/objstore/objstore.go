// Package objstore is the pluggable persistence layer. Every service owns a
// bucket in exactly one backend; all coordination primitives (compare-and-set
// -if-absent, the advisory mutex built on it, PAR capabilities) are expressed
// against this interface so the services stay backend-neutral.
package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"acquire/internal/domain"
)

// PARRequest describes the capability to mint. An empty Key scopes the PAR to
// the whole bucket; backends that cannot support the requested mode return
// domain.ErrPAR.
type PARRequest struct {
	Bucket    string
	Key       string
	Readable  bool
	Writeable bool
	Duration  time.Duration
}

type Store interface {
	CreateBucket(ctx context.Context, bucket string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	SetObject(ctx context.Context, bucket, key string, data []byte) error
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjectNames(ctx context.Context, bucket, prefix string) ([]string, error)

	// SetObjectIfAbsent installs data only when the key is free. It returns
	// the value now stored under the key and whether this call installed it.
	SetObjectIfAbsent(ctx context.Context, bucket, key string, data []byte) (stored []byte, installed bool, err error)

	SizeAndChecksum(ctx context.Context, bucket, key string) (int64, string, error)

	CreatePAR(ctx context.Context, req PARRequest) (*domain.PAR, error)
	ClosePAR(ctx context.Context, par *domain.PAR) error
}

var (
	bindMu    sync.Mutex
	boundName string
	bound     Store
)

// Bind registers the process-wide backend. Binding the same backend name
// again is a no-op; binding a different one is an error so a test backend can
// never leak into production wiring (or the reverse).
func Bind(name string, store Store) error {
	bindMu.Lock()
	defer bindMu.Unlock()
	if bound != nil {
		if boundName != name {
			return fmt.Errorf("%w: bound %q, requested %q", domain.ErrBackendBound, boundName, name)
		}
		return nil
	}
	boundName = name
	bound = store
	return nil
}

// Bound returns the process-wide backend, or nil when none is bound.
func Bound() Store {
	bindMu.Lock()
	defer bindMu.Unlock()
	return bound
}

// GetString and friends are the codec helpers every service uses; they keep
// the byte-level interface small.

func GetString(ctx context.Context, s Store, bucket, key string) (string, error) {
	data, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func SetString(ctx context.Context, s Store, bucket, key, value string) error {
	return s.SetObject(ctx, bucket, key, []byte(value))
}

// SetStringIfAbsent installs value if the key is free, returning the stored
// string and whether this call installed it.
func SetStringIfAbsent(ctx context.Context, s Store, bucket, key, value string) (string, bool, error) {
	stored, installed, err := s.SetObjectIfAbsent(ctx, bucket, key, []byte(value))
	if err != nil {
		return "", false, err
	}
	return string(stored), installed, nil
}

func GetJSON(ctx context.Context, s Store, bucket, key string, out any) error {
	data, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, s Store, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	return s.SetObject(ctx, bucket, key, data)
}

// SetJSONIfAbsent installs v if the key is free. The value now under the key
// is decoded into out (which may be v itself on a win).
func SetJSONIfAbsent(ctx context.Context, s Store, bucket, key string, v, out any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	stored, installed, err := s.SetObjectIfAbsent(ctx, bucket, key, data)
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(stored, out); err != nil {
			return installed, fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
		}
	}
	return installed, nil
}

// DeleteAllObjects removes every object under prefix.
func DeleteAllObjects(ctx context.Context, s Store, bucket, prefix string) error {
	names, err := s.ListObjectNames(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.DeleteObject(ctx, bucket, name); err != nil {
			return err
		}
	}
	return nil
}

// ClearAllExcept removes every object in the bucket whose key is not listed.
func ClearAllExcept(ctx context.Context, s Store, bucket string, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	names, err := s.ListObjectNames(ctx, bucket, "")
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if err := s.DeleteObject(ctx, bucket, name); err != nil {
			return err
		}
	}
	return nil
}
