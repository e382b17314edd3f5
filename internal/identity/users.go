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
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

const (
	userKeyPrefix    = "users/"
	userNamePrefix   = "users/name/"
	sessionKeyPrefix = "sessions/"
	shortKeyPrefix   = "sessions/short/"
	deviceKeyPrefix  = "devices/"
	lockoutKeyPrefix = "lockout/"

	minPasswordLen = 8
)

// Service is the identity usecase layer. It owns user accounts, login
// sessions and the per-user lockout counters, all in the service's bucket.
type Service struct {
	Svc           *service.Context
	MaxSessionAge time.Duration

	now func() time.Time
}

func New(svc *service.Context, maxSessionAge time.Duration) *Service {
	if maxSessionAge <= 0 {
		maxSessionAge = 48 * time.Hour
	}
	return &Service{Svc: svc, MaxSessionAge: maxSessionAge, now: time.Now}
}

// WithClock overrides time for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterResult carries the one-time OTP material back to the new user. The
// secret is never returned again; losing it means re-registering.
type RegisterResult struct {
	UserUID         string `json:"user_uid"`
	OTPSecret       string `json:"otp_secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// Register creates a user account. The username is claimed atomically via
// the name index, so two concurrent registrations of the same name cannot
// both succeed.
func (s *Service) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: a username is required", domain.ErrLogin)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrLogin, minPasswordLen)
	}

	userUID := encoding.CreateUUID()

	// The verifier is over the encoded token, not the cleartext, because
	// that token is what login submits on the wire.
	verifier, err := crypto.HashPassword(EncodePassword(password, s.Svc.UID, ""))
	if err != nil {
		return nil, err
	}

	secret, uri, err := crypto.GenerateOTPSecret(s.Svc.CanonicalURL, username)
	if err != nil {
		return nil, fmt.Errorf("generating otp secret: %w", err)
	}
	encryptedOTP, err := s.sealSecret(secret)
	if err != nil {
		return nil, err
	}

	user := domain.UserAccount{
		UID:              userUID,
		Username:         username,
		PasswordVerifier: verifier,
		EncryptedOTP:     encryptedOTP,
		CreatedAt:        s.now().UTC(),
	}
	if err := objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, userKeyPrefix+userUID, user); err != nil {
		return nil, err
	}

	// The name index is the commit point. A crash before this leaves only an
	// unreachable record and the name stays free.
	_, installed, err := objstore.SetStringIfAbsent(ctx, s.Svc.Store, s.Svc.Bucket, userNamePrefix+username, userUID)
	if err != nil {
		return nil, err
	}
	if !installed {
		s.Svc.Store.DeleteObject(ctx, s.Svc.Bucket, userKeyPrefix+userUID)
		return nil, fmt.Errorf("%w: username %q is taken", domain.ErrAlreadyExists, username)
	}
	return &RegisterResult{UserUID: userUID, OTPSecret: secret, ProvisioningURI: uri}, nil
}

// UserUID resolves a username through the name index.
func (s *Service) UserUID(ctx context.Context, username string) (string, error) {
	uid, err := objstore.GetString(ctx, s.Svc.Store, s.Svc.Bucket, userNamePrefix+username)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: unknown username %q", domain.ErrLogin, username)
		}
		return "", err
	}
	return uid, nil
}

func (s *Service) loadUser(ctx context.Context, userUID string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, userKeyPrefix+userUID, &user); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown user %s", domain.ErrLogin, userUID)
		}
		return nil, err
	}
	return &user, nil
}

// sealSecret encrypts at-rest secrets to the skeleton key so they survive
// key rotation.
func (s *Service) sealSecret(secret string) ([]byte, error) {
	return s.Svc.Skeleton.PublicKey().Encrypt([]byte(secret))
}

func (s *Service) openSecret(sealed []byte) (string, error) {
	plain, err := s.Svc.Skeleton.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: unsealing otp secret: %v", domain.ErrService, err)
	}
	return string(plain), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrObjectNotFound) || errors.Is(err, domain.ErrNotFound)
}
