// Package service owns a deployment's identity: its immutable UID, the
// skeleton key wrapping all at-rest secrets, the rotating encryption and
// signing pairs, and the registry of peers it trusts. Everything lives in the
// service's own bucket; the Context value is rebuilt per request.
package service

import (
	"context"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
)

const serviceInfoKey = "_service_info"

// Context is the unlocked identity of this service. Loading it requires the
// admin password; peers only ever see the locked Record.
type Context struct {
	Store  objstore.Store
	Bucket string

	UID          string
	Type         domain.ServiceType
	CanonicalURL string

	Skeleton    *crypto.PrivateKey
	PrivateKey  *crypto.PrivateKey
	PrivateCert *crypto.PrivateKey
	LastKey     *crypto.PrivateKey
	LastCert    *crypto.PrivateKey

	LastKeyUpdate     time.Time
	KeyUpdateInterval time.Duration

	now func() time.Time
}

// serviceInfo is the persisted, password-encrypted form of the identity.
type serviceInfo struct {
	UID               string `json:"uid"`
	ServiceType       string `json:"service_type"`
	CanonicalURL      string `json:"canonical_url"`
	LastKeyUpdate     string `json:"last_key_update"`
	KeyUpdateSeconds  int64  `json:"key_update_interval"`
	SkeletonKey       []byte `json:"skeleton_key"`
	PrivateKey        []byte `json:"private_key"`
	PrivateCert       []byte `json:"private_cert"`
	LastKey           []byte `json:"last_key,omitempty"`
	LastCert          []byte `json:"last_cert,omitempty"`
}

// Setup creates the service identity exactly once. A second setup against the
// same bucket fails rather than rotating the UID out from under peers.
func Setup(ctx context.Context, store objstore.Store, bucket, serviceURL string, serviceType domain.ServiceType, password string, keyUpdateInterval time.Duration) (*Context, error) {
	if !serviceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", domain.ErrService, serviceType)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: a service password is required", domain.ErrService)
	}

	skeleton, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	privateKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	privateCert, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	svc := &Context{
		Store:             store,
		Bucket:            bucket,
		UID:               encoding.CreateUUID(),
		Type:              serviceType,
		CanonicalURL:      serviceURL,
		Skeleton:          skeleton,
		PrivateKey:        privateKey,
		PrivateCert:       privateCert,
		LastKeyUpdate:     time.Now().UTC(),
		KeyUpdateInterval: keyUpdateInterval,
		now:               time.Now,
	}

	info, err := svc.toInfo(password)
	if err != nil {
		return nil, err
	}
	installed, err := objstore.SetJSONIfAbsent(ctx, store, bucket, serviceInfoKey, info, nil)
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, fmt.Errorf("%w: service already set up in this bucket", domain.ErrService)
	}
	return svc, nil
}

// Load unlocks the identity with the admin password.
func Load(ctx context.Context, store objstore.Store, bucket, password string) (*Context, error) {
	var info serviceInfo
	if err := objstore.GetJSON(ctx, store, bucket, serviceInfoKey, &info); err != nil {
		return nil, fmt.Errorf("%w: no service identity: %v", domain.ErrService, err)
	}
	return fromInfo(store, bucket, &info, password)
}

func (c *Context) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// WithClock overrides the clock for rotation tests.
func (c *Context) WithClock(now func() time.Time) *Context {
	c.now = now
	return c
}

func (c *Context) toInfo(password string) (*serviceInfo, error) {
	skeleton, err := c.Skeleton.EncryptedPEM(password)
	if err != nil {
		return nil, err
	}
	privateKey, err := c.PrivateKey.EncryptedPEM(password)
	if err != nil {
		return nil, err
	}
	privateCert, err := c.PrivateCert.EncryptedPEM(password)
	if err != nil {
		return nil, err
	}
	info := &serviceInfo{
		UID:              c.UID,
		ServiceType:      string(c.Type),
		CanonicalURL:     c.CanonicalURL,
		LastKeyUpdate:    encoding.DatetimeToString(c.LastKeyUpdate),
		KeyUpdateSeconds: int64(c.KeyUpdateInterval / time.Second),
		SkeletonKey:      skeleton,
		PrivateKey:       privateKey,
		PrivateCert:      privateCert,
	}
	if c.LastKey != nil {
		if info.LastKey, err = c.LastKey.EncryptedPEM(password); err != nil {
			return nil, err
		}
	}
	if c.LastCert != nil {
		if info.LastCert, err = c.LastCert.EncryptedPEM(password); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func fromInfo(store objstore.Store, bucket string, info *serviceInfo, password string) (*Context, error) {
	skeleton, err := crypto.PrivateKeyFromEncryptedPEM(info.SkeletonKey, password)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong service password", domain.ErrService)
	}
	privateKey, err := crypto.PrivateKeyFromEncryptedPEM(info.PrivateKey, password)
	if err != nil {
		return nil, err
	}
	privateCert, err := crypto.PrivateKeyFromEncryptedPEM(info.PrivateCert, password)
	if err != nil {
		return nil, err
	}
	lastUpdate, err := encoding.StringToDatetime(info.LastKeyUpdate)
	if err != nil {
		return nil, err
	}
	svc := &Context{
		Store:             store,
		Bucket:            bucket,
		UID:               info.UID,
		Type:              domain.ServiceType(info.ServiceType),
		CanonicalURL:      info.CanonicalURL,
		Skeleton:          skeleton,
		PrivateKey:        privateKey,
		PrivateCert:       privateCert,
		LastKeyUpdate:     lastUpdate,
		KeyUpdateInterval: time.Duration(info.KeyUpdateSeconds) * time.Second,
		now:               time.Now,
	}
	if len(info.LastKey) > 0 {
		if svc.LastKey, err = crypto.PrivateKeyFromEncryptedPEM(info.LastKey, password); err != nil {
			return nil, err
		}
	}
	if len(info.LastCert) > 0 {
		if svc.LastCert, err = crypto.PrivateKeyFromEncryptedPEM(info.LastCert, password); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// persist rewrites _service_info in place; the UID never changes.
func (c *Context) persist(ctx context.Context, password string) error {
	info, err := c.toInfo(password)
	if err != nil {
		return err
	}
	return objstore.SetJSON(ctx, c.Store, c.Bucket, serviceInfoKey, info)
}

// RefreshKeys rotates the key pairs when the rotation interval has elapsed.
// The outgoing pair is retained for exactly one interval so in-flight
// envelopes under the old fingerprint still decrypt and verify.
func (c *Context) RefreshKeys(ctx context.Context, password string) (bool, error) {
	if c.clock().UTC().Before(c.LastKeyUpdate.Add(c.KeyUpdateInterval)) {
		return false, nil
	}
	newKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return false, err
	}
	newCert, err := crypto.GeneratePrivateKey()
	if err != nil {
		return false, err
	}
	c.LastKey = c.PrivateKey
	c.LastCert = c.PrivateCert
	c.PrivateKey = newKey
	c.PrivateCert = newCert
	c.LastKeyUpdate = c.clock().UTC()
	if err := c.persist(ctx, password); err != nil {
		return false, err
	}
	return true, nil
}

// SelectKey finds the private encryption key matching a fingerprint, trying
// the current pair first and then the retained previous pair.
func (c *Context) SelectKey(fingerprint string) (*crypto.PrivateKey, error) {
	for _, key := range []*crypto.PrivateKey{c.PrivateKey, c.LastKey} {
		if key == nil {
			continue
		}
		fp, err := key.Fingerprint()
		if err != nil {
			return nil, err
		}
		if fp == fingerprint {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no key with fingerprint %s", domain.ErrService, fingerprint)
}

// SelectCert finds the private signing cert matching a fingerprint.
func (c *Context) SelectCert(fingerprint string) (*crypto.PrivateKey, error) {
	for _, cert := range []*crypto.PrivateKey{c.PrivateCert, c.LastCert} {
		if cert == nil {
			continue
		}
		fp, err := cert.Fingerprint()
		if err != nil {
			return nil, err
		}
		if fp == fingerprint {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("%w: no cert with fingerprint %s", domain.ErrService, fingerprint)
}
