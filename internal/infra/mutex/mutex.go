// Package mutex is the advisory lock every service uses to serialise writes
// to a mutable entity. The lock lives in the object store itself: acquisition
// is a compare-and-set of a lease token at mutex/<key>, so it works across
// any number of concurrently running handlers.
package mutex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
)

const pollInterval = 50 * time.Millisecond

type lease struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

type Mutex struct {
	store  objstore.Store
	bucket string
	key    string
	owner  string
	ttl    time.Duration
	now    func() time.Time
	held   bool
}

// New prepares a mutex over the named entity key. The lease TTL bounds how
// long a crashed holder can block others.
func New(store objstore.Store, bucket, name string, ttl time.Duration) *Mutex {
	return &Mutex{
		store:  store,
		bucket: bucket,
		key:    "mutex/" + name,
		owner:  encoding.CreateUUID(),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the clock; tests use it to expire leases.
func (m *Mutex) WithClock(now func() time.Time) *Mutex {
	m.now = now
	return m
}

// Lock acquires the lease, waiting at most timeout. Expired leases held by
// other owners are broken.
func (m *Mutex) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := m.now().Add(timeout)
	for {
		installed, err := m.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if installed {
			m.held = true
			return nil
		}
		if m.now().After(deadline) {
			return fmt.Errorf("%w: %s", domain.ErrMutexTimeout, m.key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Mutex) tryAcquire(ctx context.Context) (bool, error) {
	token, err := m.leaseToken()
	if err != nil {
		return false, err
	}
	stored, installed, err := m.store.SetObjectIfAbsent(ctx, m.bucket, m.key, token)
	if err != nil {
		return false, err
	}
	if installed {
		return true, nil
	}
	var current lease
	if err := json.Unmarshal(stored, &current); err != nil {
		// unreadable token: treat as broken and clear it
		return false, m.breakLease(ctx, stored)
	}
	expires, err := encoding.StringToDatetime(current.Expires)
	if err != nil || m.now().UTC().After(expires) {
		return false, m.breakLease(ctx, stored)
	}
	return false, nil
}

// breakLease clears a dead lease, but only while it is still the exact token
// observed: a holder that renewed in the meantime keeps its lease.
func (m *Mutex) breakLease(ctx context.Context, observed []byte) error {
	latest, err := m.store.GetObject(ctx, m.bucket, m.key)
	if errors.Is(err, domain.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(latest, observed) {
		return nil
	}
	return m.store.DeleteObject(ctx, m.bucket, m.key)
}

func (m *Mutex) leaseToken() ([]byte, error) {
	return json.Marshal(lease{
		Owner:   m.owner,
		Expires: encoding.DatetimeToString(m.now().UTC().Add(m.ttl)),
	})
}

// Renew extends the lease. Only the holder may renew.
func (m *Mutex) Renew(ctx context.Context) error {
	if !m.held {
		return errors.New("renewing a mutex that is not held")
	}
	token, err := m.leaseToken()
	if err != nil {
		return err
	}
	return m.store.SetObject(ctx, m.bucket, m.key, token)
}

// Unlock releases the lease. Releasing an already-lost lease is harmless:
// the token is only deleted when it still names this owner.
func (m *Mutex) Unlock(ctx context.Context) error {
	if !m.held {
		return nil
	}
	m.held = false
	stored, err := m.store.GetObject(ctx, m.bucket, m.key)
	if errors.Is(err, domain.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var current lease
	if err := json.Unmarshal(stored, &current); err == nil && current.Owner != m.owner {
		return nil
	}
	return m.store.DeleteObject(ctx, m.bucket, m.key)
}
