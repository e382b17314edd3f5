package domain

import "time"

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionApproved  SessionStatus = "approved"
	SessionDenied    SessionStatus = "denied"
	SessionLoggedOut SessionStatus = "logged_out"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether a session status can never change again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionDenied, SessionLoggedOut, SessionExpired:
		return true
	}
	return false
}

// LoginSession is one login handshake. The ephemeral key material belongs to
// the client process that requested the login; once the session is approved
// only those keys may sign Authorisations for the user.
type LoginSession struct {
	UID          string        `json:"uid"`
	ShortUID     string        `json:"short_uid"`
	Username     string        `json:"username"`
	UserUID      string        `json:"user_uid,omitempty"`
	PublicKey    []byte        `json:"public_key"`
	PublicCert   []byte        `json:"public_cert"`
	Status       SessionStatus `json:"status"`
	IPAddr       string        `json:"ipaddr,omitempty"`
	Hostname     string        `json:"hostname,omitempty"`
	LoginMessage string        `json:"login_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ApprovedAt   time.Time     `json:"approved_at,omitempty"`
}

// UserAccount is the identity service's record of one registered user.
// The OTP secret is encrypted at rest to the service's public key.
type UserAccount struct {
	UID              string    `json:"uid"`
	Username         string    `json:"username"`
	PasswordVerifier string    `json:"password_verifier"`
	EncryptedOTP     []byte    `json:"encrypted_otp_secret"`
	CreatedAt        time.Time `json:"created_at"`
}

// Device is a remembered login device holding its own OTP secret, so a user
// can log in from it without the account secret.
type Device struct {
	UID              string    `json:"device_uid"`
	UserUID          string    `json:"user_uid"`
	PasswordVerifier string    `json:"password_verifier"`
	EncryptedOTP     []byte    `json:"encrypted_otp_secret"`
	Remembered       bool      `json:"remembered"`
	CreatedAt        time.Time `json:"created_at"`
}

// Authorisation is a user-signed assertion that the named session approves
// the named resource at the named time. It is verifiable by any service that
// can fetch the session's public cert from the identity service.
type Authorisation struct {
	UserUID       string    `json:"user_uid"`
	SessionUID    string    `json:"session_uid"`
	IdentityUID   string    `json:"identity_uid"`
	Resource      string    `json:"resource"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     string    `json:"signature"`
	PublicCertPEM []byte    `json:"-"`
}
