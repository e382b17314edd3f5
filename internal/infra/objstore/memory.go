package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
)

// Memory is the in-process backend. It backs every test and mirrors the
// semantics real backends must provide, including PAR issuance: a memory PAR
// is a token URL resolvable only through the issuing store.
type Memory struct {
	mu      sync.RWMutex
	now     func() time.Time
	buckets map[string]map[string][]byte
	pars    map[string]memoryPAR
}

type memoryPAR struct {
	par domain.PAR
}

func NewMemory() *Memory {
	return NewMemoryWithClock(nil)
}

// NewMemoryWithClock lets tests advance time past PAR expiries.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:     now,
		buckets: make(map[string]map[string][]byte),
		pars:    make(map[string]memoryPAR),
	}
}

func (m *Memory) CreateBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *Memory) bucket(bucket string) map[string][]byte {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	return b
}

func (m *Memory) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) SetObject(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.bucket(bucket)[key] = stored
	return nil
}

func (m *Memory) DeleteObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) ListObjectNames(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) SetObjectIfAbsent(_ context.Context, bucket, key string, data []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	if existing, ok := b[key]; ok {
		out := make([]byte, len(existing))
		copy(out, existing)
		return out, false, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b[key] = stored
	return data, true, nil
}

func (m *Memory) SizeAndChecksum(_ context.Context, bucket, key string) (int64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][key]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	return int64(len(data)), crypto.MD5Hex(data), nil
}

func (m *Memory) CreatePAR(_ context.Context, req PARRequest) (*domain.PAR, error) {
	if !req.Readable && !req.Writeable {
		return nil, fmt.Errorf("%w: par must be readable or writeable", domain.ErrPAR)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Key != "" && req.Readable {
		if _, ok := m.buckets[req.Bucket][req.Key]; !ok && !req.Writeable {
			return nil, fmt.Errorf("%w: %s/%s does not exist", domain.ErrPAR, req.Bucket, req.Key)
		}
	}
	now := m.now().UTC()
	par := domain.PAR{
		UID:       encoding.CreateUUID(),
		Bucket:    req.Bucket,
		Key:       req.Key,
		Readable:  req.Readable,
		Writeable: req.Writeable,
		IssuedAt:  now,
		ExpiresAt: now.Add(req.Duration),
	}
	par.URL = "memory://" + par.UID
	m.pars[par.UID] = memoryPAR{par: par}
	return &par, nil
}

func (m *Memory) ClosePAR(_ context.Context, par *domain.PAR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pars[par.UID]; !ok {
		return fmt.Errorf("%w: unknown par", domain.ErrPAR)
	}
	delete(m.pars, par.UID)
	return nil
}

func (m *Memory) resolvePAR(url string, write bool) (domain.PAR, error) {
	uid := strings.TrimPrefix(url, "memory://")
	entry, ok := m.pars[uid]
	if !ok {
		return domain.PAR{}, fmt.Errorf("%w: closed or unknown par", domain.ErrPAR)
	}
	if entry.par.Expired(m.now().UTC()) {
		return domain.PAR{}, fmt.Errorf("%w: par expired", domain.ErrPAR)
	}
	if write && !entry.par.Writeable {
		return domain.PAR{}, fmt.Errorf("%w: par is not writeable", domain.ErrPAR)
	}
	if !write && !entry.par.Readable {
		return domain.PAR{}, fmt.Errorf("%w: par is not readable", domain.ErrPAR)
	}
	return entry.par, nil
}

// ReadPAR fetches an object through a PAR URL minted by this store. For a
// bucket-scoped PAR the key names the object within the bucket.
func (m *Memory) ReadPAR(url, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	par, err := m.resolvePAR(url, false)
	if err != nil {
		return nil, err
	}
	target := par.Key
	if target == "" {
		target = key
	}
	data, ok := m.buckets[par.Bucket][target]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, par.Bucket, target)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WritePAR stores an object through a PAR URL minted by this store.
func (m *Memory) WritePAR(url, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	par, err := m.resolvePAR(url, true)
	if err != nil {
		return err
	}
	target := par.Key
	if target == "" {
		target = key
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.bucket(par.Bucket)[target] = stored
	return nil
}

var _ Store = (*Memory)(nil)
