package service

import (
	"context"
	"encoding/base64"
	"fmt"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/objstore"
)

const (
	trustedUIDPrefix = "_trusted/uid/"
	trustedURLPrefix = "_trusted/url/"
)

// AuthorisationVerifier gates administrative operations. The identity
// package provides the real implementation; the interface lives here because
// this is where it is consumed.
type AuthorisationVerifier interface {
	VerifyAuthorisation(ctx context.Context, auth *domain.Authorisation, resource string) error
}

func encodeURLKey(url string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(url))
}

// TrustService stores a peer's locked record under both its UID and its
// canonical URL. Trusting is an administrative act gated by an admin
// Authorisation over "trust_service <uid>".
func (c *Context) TrustService(ctx context.Context, rec *domain.ServiceRecord, auth *domain.Authorisation, verifier AuthorisationVerifier) error {
	if err := VerifyRecord(rec); err != nil {
		return err
	}
	if verifier != nil {
		resource := "trust_service " + rec.UID
		if err := verifier.VerifyAuthorisation(ctx, auth, resource); err != nil {
			return fmt.Errorf("%w: trust not authorised: %v", domain.ErrPermission, err)
		}
	}
	if err := objstore.SetJSON(ctx, c.Store, c.Bucket, trustedUIDPrefix+rec.UID, rec); err != nil {
		return err
	}
	return objstore.SetString(ctx, c.Store, c.Bucket, trustedURLPrefix+encodeURLKey(rec.CanonicalURL), rec.UID)
}

// UntrustService removes a peer from both indexes.
func (c *Context) UntrustService(ctx context.Context, uid string, auth *domain.Authorisation, verifier AuthorisationVerifier) error {
	rec, err := c.TrustedByUID(ctx, uid)
	if err != nil {
		return err
	}
	if verifier != nil {
		resource := "untrust_service " + uid
		if err := verifier.VerifyAuthorisation(ctx, auth, resource); err != nil {
			return fmt.Errorf("%w: untrust not authorised: %v", domain.ErrPermission, err)
		}
	}
	if err := c.Store.DeleteObject(ctx, c.Bucket, trustedURLPrefix+encodeURLKey(rec.CanonicalURL)); err != nil {
		return err
	}
	return c.Store.DeleteObject(ctx, c.Bucket, trustedUIDPrefix+uid)
}

// TrustedByUID loads a trusted peer's record.
func (c *Context) TrustedByUID(ctx context.Context, uid string) (*domain.ServiceRecord, error) {
	var rec domain.ServiceRecord
	err := objstore.GetJSON(ctx, c.Store, c.Bucket, trustedUIDPrefix+uid, &rec)
	if err != nil {
		return nil, fmt.Errorf("%w: service %s", domain.ErrUntrusted, uid)
	}
	return &rec, nil
}

// TrustedByURL resolves a canonical URL to a trusted peer's record. Peers
// not in the table cannot be called by URL alone.
func (c *Context) TrustedByURL(ctx context.Context, url string) (*domain.ServiceRecord, error) {
	uid, err := objstore.GetString(ctx, c.Store, c.Bucket, trustedURLPrefix+encodeURLKey(url))
	if err != nil {
		return nil, fmt.Errorf("%w: url %s", domain.ErrUntrusted, url)
	}
	return c.TrustedByUID(ctx, uid)
}

// ResolvePeerCert implements the envelope CertResolver over the trusted-peer
// table, matching the fingerprint against the peer's current and previous
// certs.
func (c *Context) ResolvePeerCert(ctx context.Context) func(serviceUID, fingerprint string) (*crypto.PublicKey, error) {
	return func(serviceUID, fingerprint string) (*crypto.PublicKey, error) {
		rec, err := c.TrustedByUID(ctx, serviceUID)
		if err != nil {
			return nil, err
		}
		certs, err := RecordCerts(rec)
		if err != nil {
			return nil, err
		}
		for _, cert := range certs {
			fp, err := cert.Fingerprint()
			if err != nil {
				return nil, err
			}
			if fp == fingerprint {
				return cert, nil
			}
		}
		return nil, fmt.Errorf("%w: fingerprint %s not recognised for %s", domain.ErrService, fingerprint, serviceUID)
	}
}

// UpdatePeerRecord replaces a stored peer record after re-fetching it on a
// rotation, refusing records whose UID or URL changed.
func (c *Context) UpdatePeerRecord(ctx context.Context, rec *domain.ServiceRecord) error {
	if err := VerifyRecord(rec); err != nil {
		return err
	}
	existing, err := c.TrustedByUID(ctx, rec.UID)
	if err != nil {
		return err
	}
	if existing.CanonicalURL != rec.CanonicalURL {
		return fmt.Errorf("%w: peer %s changed canonical url", domain.ErrService, rec.UID)
	}
	return objstore.SetJSON(ctx, c.Store, c.Bucket, trustedUIDPrefix+rec.UID, rec)
}
