package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"acquire/internal/domain"
	"acquire/internal/envelope"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/service"
)

// DefaultAuthFreshness bounds how old an Authorisation may be before
// verification refuses it.
const DefaultAuthFreshness = 15 * time.Minute

// SignAuthorisation issues an Authorisation with the session's ephemeral
// signing key. The signature covers the canonical form of the identifiers,
// the resource and the timestamp together, so none can be swapped later.
func SignAuthorisation(cert *crypto.PrivateKey, userUID, sessionUID, identityUID, resource string, at time.Time) (*domain.Authorisation, error) {
	auth := &domain.Authorisation{
		UserUID:     userUID,
		SessionUID:  sessionUID,
		IdentityUID: identityUID,
		Resource:    resource,
		Timestamp:   at.UTC(),
	}
	payload, err := authorisationPayload(auth)
	if err != nil {
		return nil, err
	}
	sig, err := cert.Sign(payload)
	if err != nil {
		return nil, err
	}
	auth.Signature = encoding.BytesToString(sig)
	return auth, nil
}

func authorisationPayload(auth *domain.Authorisation) ([]byte, error) {
	return encoding.CanonicalJSON(map[string]any{
		"user_uid":     auth.UserUID,
		"session_uid":  auth.SessionUID,
		"identity_uid": auth.IdentityUID,
		"resource":     auth.Resource,
		"timestamp":    encoding.DatetimeToString(auth.Timestamp),
	})
}

// CertFetcher retrieves a session's ephemeral public cert and its current
// status from the identity service that owns it.
type CertFetcher func(ctx context.Context, userUID, sessionUID string) ([]byte, domain.SessionStatus, error)

// LocalCertFetcher serves verifications inside the identity service itself.
func LocalCertFetcher(s *Service) CertFetcher {
	return s.SessionCert
}

// sessionCertReply is the wire shape of the get_session_cert call.
type sessionCertReply struct {
	PublicCert []byte `json:"public_cert"`
	Status     string `json:"status"`
}

// RemoteCertFetcher fetches session certs over the envelope protocol from a
// trusted identity service.
func RemoteCertFetcher(client *envelope.Client, svc *service.Context, identityUID string) CertFetcher {
	return func(ctx context.Context, userUID, sessionUID string) ([]byte, domain.SessionStatus, error) {
		rec, err := svc.TrustedByUID(ctx, identityUID)
		if err != nil {
			return nil, "", err
		}
		keys, err := service.RecordKeys(rec)
		if err != nil {
			return nil, "", err
		}
		certs, err := service.RecordCerts(rec)
		if err != nil {
			return nil, "", err
		}

		args := map[string]any{
			"function":    "get_session_cert",
			"user_uid":    userUID,
			"session_uid": sessionUID,
		}
		caller := &envelope.Caller{
			ServiceUID:   svc.UID,
			CanonicalURL: svc.CanonicalURL,
			PrivateCert:  svc.PrivateCert,
		}
		req, responseKey, err := envelope.Pack(args, keys[0], caller, true)
		if err != nil {
			return nil, "", err
		}
		resp, err := client.Post(ctx, rec.CanonicalURL, req)
		if err != nil {
			return nil, "", err
		}
		var reply sessionCertReply
		if err := envelope.OpenResponse(resp, responseKey, certs[0], &reply); err != nil {
			return nil, "", err
		}
		return reply.PublicCert, domain.SessionStatus(reply.Status), nil
	}
}

type cachedCert struct {
	cert      *crypto.PublicKey
	fetchedAt time.Time
}

// Verifier checks Authorisations issued against one identity service. Certs
// of approved sessions are cached for the freshness window, since a cert
// fetched within the window is necessarily fresh enough for any
// authorisation the window admits.
type Verifier struct {
	IdentityUID string
	Fetch       CertFetcher
	Freshness   time.Duration

	mu    sync.Mutex
	cache map[string]cachedCert
	now   func() time.Time
}

func NewVerifier(identityUID string, fetch CertFetcher) *Verifier {
	return &Verifier{
		IdentityUID: identityUID,
		Fetch:       fetch,
		Freshness:   DefaultAuthFreshness,
		cache:       make(map[string]cachedCert),
		now:         time.Now,
	}
}

// WithClock overrides time for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyAuthorisation satisfies the trust layer's verifier interface.
func (v *Verifier) VerifyAuthorisation(ctx context.Context, auth *domain.Authorisation, resource string) error {
	return v.verify(ctx, auth, resource, false)
}

// Verify checks the authorisation against the expected resource, enforcing
// the freshness window.
func (v *Verifier) Verify(ctx context.Context, auth *domain.Authorisation, resource string) error {
	return v.verify(ctx, auth, resource, false)
}

// VerifyStale is Verify without the freshness check, for callers that
// explicitly accept old authorisations (receipting long-running work).
func (v *Verifier) VerifyStale(ctx context.Context, auth *domain.Authorisation, resource string) error {
	return v.verify(ctx, auth, resource, true)
}

// VerifyIdentifiers verifies and returns the identifiers bound into the
// authorisation for downstream ACL decisions.
func (v *Verifier) VerifyIdentifiers(ctx context.Context, auth *domain.Authorisation, resource string) (userUID, sessionUID, identityUID string, err error) {
	if err := v.verify(ctx, auth, resource, false); err != nil {
		return "", "", "", err
	}
	return auth.UserUID, auth.SessionUID, auth.IdentityUID, nil
}

func (v *Verifier) verify(ctx context.Context, auth *domain.Authorisation, resource string, acceptStale bool) error {
	if auth == nil {
		return fmt.Errorf("%w: missing authorisation", domain.ErrPermission)
	}
	if auth.Resource != resource {
		return fmt.Errorf("%w: authorisation is for a different resource", domain.ErrPermission)
	}
	if auth.IdentityUID != v.IdentityUID {
		return fmt.Errorf("%w: authorisation issued by identity service %s", domain.ErrPermission, auth.IdentityUID)
	}
	if !acceptStale {
		age := v.now().Sub(auth.Timestamp)
		if age < 0 {
			age = -age
		}
		if age > v.Freshness {
			return fmt.Errorf("%w: authorisation is stale", domain.ErrPermission)
		}
	}

	cert, err := v.sessionCert(ctx, auth)
	if err != nil {
		return err
	}
	payload, err := authorisationPayload(auth)
	if err != nil {
		return err
	}
	sig, err := encoding.StringToBytes(auth.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed authorisation signature", domain.ErrPermission)
	}
	if err := cert.Verify(payload, sig); err != nil {
		return fmt.Errorf("%w: authorisation signature mismatch", domain.ErrPermission)
	}
	return nil
}

// sessionCert resolves the ephemeral cert for the named session, preferring
// the cache. A cert carried on the authorisation itself is only trusted when
// no fetcher is configured, which happens in tests.
func (v *Verifier) sessionCert(ctx context.Context, auth *domain.Authorisation) (*crypto.PublicKey, error) {
	if v.Fetch == nil {
		if len(auth.PublicCertPEM) == 0 {
			return nil, fmt.Errorf("%w: no way to resolve the session cert", domain.ErrPermission)
		}
		return crypto.PublicKeyFromPEM(auth.PublicCertPEM)
	}

	key := auth.UserUID + "/" + auth.SessionUID
	v.mu.Lock()
	entry, ok := v.cache[key]
	v.mu.Unlock()
	if ok && v.now().Sub(entry.fetchedAt) < v.Freshness {
		return entry.cert, nil
	}

	certPEM, status, err := v.Fetch(ctx, auth.UserUID, auth.SessionUID)
	if err != nil {
		return nil, err
	}
	if status != domain.SessionApproved {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrPermission, auth.SessionUID, status)
	}
	cert, err := crypto.PublicKeyFromPEM(certPEM)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache[key] = cachedCert{cert: cert, fetchedAt: v.now()}
	v.mu.Unlock()
	return cert, nil
}
