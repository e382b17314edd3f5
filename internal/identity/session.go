package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/mutex"
	"acquire/internal/infra/objstore"
)

const (
	shortUIDLen       = 8
	shortUIDAttempts  = 16
	shortLockTTL      = 30 * time.Second
	shortLockTimeout  = 10 * time.Second
	logoutMessageFmt  = "Log out request for %s"
	terminalRetention = 2
)

// LoginRequest opens a login handshake on behalf of the client process that
// generated the ephemeral keypairs.
type LoginRequest struct {
	Username     string `json:"username"`
	PublicKey    []byte `json:"public_key"`
	PublicCert   []byte `json:"public_cert"`
	IPAddr       string `json:"ipaddr,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	LoginMessage string `json:"login_message,omitempty"`
}

// LoginChallenge is what the client shows the human.
type LoginChallenge struct {
	LoginURL   string `json:"login_url"`
	SessionUID string `json:"session_uid"`
	ShortUID   string `json:"short_uid"`
	UserUID    string `json:"user_uid"`
}

// shortRef is one entry in the short-UID reverse index.
type shortRef struct {
	UserUID    string `json:"user_uid"`
	SessionUID string `json:"session_uid"`
}

// RequestLogin creates a pending session and claims a short UID for it. The
// claim happens under the short index's mutex so no two pending sessions can
// hold the same short UID at the same instant.
func (s *Service) RequestLogin(ctx context.Context, req LoginRequest) (*LoginChallenge, error) {
	userUID, err := s.UserUID(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.PublicKeyFromPEM(req.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: bad session public key: %v", domain.ErrLogin, err)
	}
	if _, err := crypto.PublicKeyFromPEM(req.PublicCert); err != nil {
		return nil, fmt.Errorf("%w: bad session public cert: %v", domain.ErrLogin, err)
	}

	s.pruneSessions(ctx, userUID)

	sessionUID := encoding.CreateUUID()
	shortUID, err := s.claimShortUID(ctx, userUID, sessionUID)
	if err != nil {
		return nil, err
	}

	session := domain.LoginSession{
		UID:          sessionUID,
		ShortUID:     shortUID,
		Username:     req.Username,
		UserUID:      userUID,
		PublicKey:    req.PublicKey,
		PublicCert:   req.PublicCert,
		Status:       domain.SessionPending,
		IPAddr:       req.IPAddr,
		Hostname:     req.Hostname,
		LoginMessage: req.LoginMessage,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.saveSession(ctx, &session); err != nil {
		return nil, err
	}

	return &LoginChallenge{
		LoginURL:   strings.TrimRight(s.Svc.CanonicalURL, "/") + "/login?id=" + shortUID,
		SessionUID: sessionUID,
		ShortUID:   shortUID,
		UserUID:    userUID,
	}, nil
}

// claimShortUID picks candidate short UIDs until one has no live pending
// session, then installs the reverse index entry under the index mutex.
func (s *Service) claimShortUID(ctx context.Context, userUID, sessionUID string) (string, error) {
	for attempt := 0; attempt < shortUIDAttempts; attempt++ {
		short := crypto.MultiMD5(sessionUID, encoding.CreateUUID())[:shortUIDLen]

		claimed, err := s.withShortLock(ctx, short, func() (bool, error) {
			refs, err := s.loadShortRefs(ctx, short)
			if err != nil {
				return false, err
			}
			for _, ref := range refs {
				sess, err := s.loadSession(ctx, ref.UserUID, ref.SessionUID)
				if err != nil {
					if isNotFound(err) {
						continue
					}
					return false, err
				}
				if s.effectiveStatus(sess) == domain.SessionPending {
					return false, nil
				}
			}
			return true, objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket,
				shortKeyPrefix+short, []shortRef{{UserUID: userUID, SessionUID: sessionUID}})
		})
		if err != nil {
			return "", err
		}
		if claimed {
			return short, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate a login short uid", domain.ErrService)
}

func (s *Service) withShortLock(ctx context.Context, short string, fn func() (bool, error)) (bool, error) {
	m := mutex.New(s.Svc.Store, s.Svc.Bucket, shortKeyPrefix+short, shortLockTTL).WithClock(s.now)
	if err := m.Lock(ctx, shortLockTimeout); err != nil {
		return false, err
	}
	defer m.Unlock(ctx)
	return fn()
}

// LoginResult is returned to the device that submitted credentials. When a
// new device was remembered it carries the device's own OTP material.
type LoginResult struct {
	UserUID         string `json:"user_uid"`
	SessionUID      string `json:"session_uid"`
	DeviceUID       string `json:"device_uid,omitempty"`
	ProvisioningURI string `json:"provisioning_uri,omitempty"`
}

// Login attempts to approve a pending session for the submitted credentials.
// It runs under the short index's mutex so approval is single-writer.
func (s *Service) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	if creds.ShortUID == "" || creds.Username == "" || creds.Password == "" || creds.OTPCode == "" {
		return nil, fmt.Errorf("%w: incomplete credentials", domain.ErrLogin)
	}

	var result *LoginResult
	_, err := s.withShortLock(ctx, creds.ShortUID, func() (bool, error) {
		refs, err := s.loadShortRefs(ctx, creds.ShortUID)
		if err != nil {
			return false, err
		}
		for _, ref := range refs {
			sess, err := s.loadSession(ctx, ref.UserUID, ref.SessionUID)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return false, err
			}
			if s.effectiveStatus(sess) != domain.SessionPending || sess.Username != creds.Username {
				continue
			}
			r, err := s.tryApprove(ctx, sess, creds)
			if errors.Is(err, domain.ErrLocked) {
				return false, err
			}
			if err != nil {
				continue
			}
			result = r
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: no pending session matched the credentials", domain.ErrLogin)
	}
	return result, nil
}

// tryApprove verifies one pending session against the credentials. Failures
// feed the per-user lockout counter; success clears it.
func (s *Service) tryApprove(ctx context.Context, sess *domain.LoginSession, creds Credentials) (*LoginResult, error) {
	if err := s.checkLockout(ctx, sess.UserUID); err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, sess.UserUID)
	if err != nil {
		return nil, err
	}

	if err := s.verifyCredentials(ctx, user, creds); err != nil {
		s.recordFailure(ctx, sess.UserUID)
		return nil, err
	}
	s.clearLockout(ctx, sess.UserUID)

	sess.Status = domain.SessionApproved
	sess.ApprovedAt = s.now().UTC()
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	result := &LoginResult{UserUID: user.UID, SessionUID: sess.UID}
	if creds.RememberDevice && creds.DeviceUID == "" {
		deviceUID, uri, err := s.rememberDevice(ctx, user, creds.Password)
		if err != nil {
			return nil, err
		}
		result.DeviceUID = deviceUID
		result.ProvisioningURI = uri
	}
	return result, nil
}

func (s *Service) verifyCredentials(ctx context.Context, user *domain.UserAccount, creds Credentials) error {
	verifier := user.PasswordVerifier
	sealedOTP := user.EncryptedOTP

	if creds.DeviceUID != "" {
		var device domain.Device
		key := deviceKeyPrefix + user.UID + "/" + creds.DeviceUID
		if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, key, &device); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: unknown device", domain.ErrLogin)
			}
			return err
		}
		verifier = device.PasswordVerifier
		sealedOTP = device.EncryptedOTP
	}

	if err := crypto.VerifyPassword(creds.Password, verifier); err != nil {
		return fmt.Errorf("%w: password mismatch", domain.ErrLogin)
	}
	secret, err := s.openSecret(sealedOTP)
	if err != nil {
		return err
	}
	if err := crypto.ValidateOTPCode(creds.OTPCode, secret, s.now()); err != nil {
		return fmt.Errorf("%w: otp mismatch", domain.ErrLogin)
	}
	return nil
}

// rememberDevice mints a device with its own OTP secret and a verifier over
// the device-bound password token, which is derivable from the wire password
// submitted during this login.
func (s *Service) rememberDevice(ctx context.Context, user *domain.UserAccount, wirePassword string) (string, string, error) {
	deviceUID := encoding.CreateUUID()

	verifier, err := crypto.HashPassword(encodeDeviceUID(wirePassword, deviceUID))
	if err != nil {
		return "", "", err
	}
	secret, uri, err := crypto.GenerateOTPSecret(s.Svc.CanonicalURL, user.Username+"@"+deviceUID[:8])
	if err != nil {
		return "", "", err
	}
	sealed, err := s.sealSecret(secret)
	if err != nil {
		return "", "", err
	}

	device := domain.Device{
		UID:              deviceUID,
		UserUID:          user.UID,
		PasswordVerifier: verifier,
		EncryptedOTP:     sealed,
		Remembered:       true,
		CreatedAt:        s.now().UTC(),
	}
	key := deviceKeyPrefix + user.UID + "/" + deviceUID
	if err := objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, key, device); err != nil {
		return "", "", err
	}
	return deviceUID, uri, nil
}

// GetStatus is the poll target for the client that opened the handshake.
func (s *Service) GetStatus(ctx context.Context, username, sessionUID string) (domain.SessionStatus, error) {
	userUID, err := s.UserUID(ctx, username)
	if err != nil {
		return "", err
	}
	sess, err := s.loadSession(ctx, userUID, sessionUID)
	if err != nil {
		return "", err
	}
	status := s.effectiveStatus(sess)
	if status != sess.Status {
		sess.Status = status
		if err := s.saveSession(ctx, sess); err != nil {
			return "", err
		}
	}
	return status, nil
}

// LogoutMessage is the exact byte string a client signs with the session
// cert to prove it may close the session.
func LogoutMessage(sessionUID string) string {
	return fmt.Sprintf(logoutMessageFmt, sessionUID)
}

// Logout verifies the request was signed by the session's own ephemeral cert
// and marks the session logged out.
func (s *Service) Logout(ctx context.Context, username, sessionUID string, signature []byte) error {
	userUID, err := s.UserUID(ctx, username)
	if err != nil {
		return err
	}
	sess, err := s.loadSession(ctx, userUID, sessionUID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	cert, err := crypto.PublicKeyFromPEM(sess.PublicCert)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf(logoutMessageFmt, sessionUID)
	if err := cert.Verify([]byte(msg), signature); err != nil {
		return fmt.Errorf("%w: logout signature mismatch", domain.ErrPermission)
	}
	sess.Status = domain.SessionLoggedOut
	return s.saveSession(ctx, sess)
}

// SessionCert returns the ephemeral public cert and current status of a
// session. Peer services call this to verify Authorisations.
func (s *Service) SessionCert(ctx context.Context, userUID, sessionUID string) ([]byte, domain.SessionStatus, error) {
	sess, err := s.loadSession(ctx, userUID, sessionUID)
	if err != nil {
		return nil, "", err
	}
	return sess.PublicCert, s.effectiveStatus(sess), nil
}

// effectiveStatus ages a session without persisting. Pending and approved
// sessions past the maximum age count as expired.
func (s *Service) effectiveStatus(sess *domain.LoginSession) domain.SessionStatus {
	if sess.Status.Terminal() {
		return sess.Status
	}
	if s.now().Sub(sess.CreatedAt) > s.MaxSessionAge {
		return domain.SessionExpired
	}
	return sess.Status
}

// pruneSessions expires overage sessions and deletes terminal ones that have
// lingered well past the maximum age. Best effort and idempotent; failures
// are ignored because every lookup retries the same work.
func (s *Service) pruneSessions(ctx context.Context, userUID string) {
	prefix := sessionKeyPrefix + userUID + "/"
	names, err := s.Svc.Store.ListObjectNames(ctx, s.Svc.Bucket, prefix)
	if err != nil {
		return
	}
	for _, name := range names {
		var sess domain.LoginSession
		if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, name, &sess); err != nil {
			continue
		}
		age := s.now().Sub(sess.CreatedAt)
		switch {
		case sess.Status.Terminal():
			if age > time.Duration(terminalRetention)*s.MaxSessionAge {
				_ = s.Svc.Store.DeleteObject(ctx, s.Svc.Bucket, name)
			}
		case age > s.MaxSessionAge:
			sess.Status = domain.SessionExpired
			_ = objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, name, sess)
		}
	}
}

func (s *Service) sessionKey(userUID, sessionUID string) string {
	return sessionKeyPrefix + userUID + "/" + sessionUID
}

func (s *Service) loadSession(ctx context.Context, userUID, sessionUID string) (*domain.LoginSession, error) {
	var sess domain.LoginSession
	key := s.sessionKey(userUID, sessionUID)
	if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, key, &sess); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown session %s", domain.ErrNotFound, sessionUID)
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Service) saveSession(ctx context.Context, sess *domain.LoginSession) error {
	return objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, s.sessionKey(sess.UserUID, sess.UID), sess)
}

func (s *Service) loadShortRefs(ctx context.Context, short string) ([]shortRef, error) {
	var refs []shortRef
	err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, shortKeyPrefix+short, &refs)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return refs, nil
}
