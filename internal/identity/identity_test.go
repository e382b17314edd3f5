package identity

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

type testEnv struct {
	id      *Service
	store   *objstore.Memory
	now     *time.Time
	advance func(time.Duration)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store := objstore.NewMemoryWithClock(clock)

	svc, err := service.Setup(context.Background(), store, "identity-bucket",
		"https://hub.example.com/t/identity", domain.ServiceTypeIdentity,
		"admin-password", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("setup identity service: %v", err)
	}
	svc.WithClock(clock)

	id := New(svc, 48*time.Hour).WithClock(clock)
	return &testEnv{
		id:    id,
		store: store,
		now:   &current,
		advance: func(d time.Duration) {
			current = current.Add(d)
		},
	}
}

type ephemeralPair struct {
	key, cert *crypto.PrivateKey
}

func newEphemeralPair(t *testing.T) ephemeralPair {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	cert, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating ephemeral cert: %v", err)
	}
	return ephemeralPair{key: key, cert: cert}
}

func (p ephemeralPair) loginRequest(t *testing.T, username string) LoginRequest {
	t.Helper()
	keyPEM, err := p.key.PublicKey().PEM()
	if err != nil {
		t.Fatalf("encoding public key: %v", err)
	}
	certPEM, err := p.cert.PublicKey().PEM()
	if err != nil {
		t.Fatalf("encoding public cert: %v", err)
	}
	return LoginRequest{Username: username, PublicKey: keyPEM, PublicCert: certPEM}
}

func registerUser(t *testing.T, env *testEnv, username, password string) *RegisterResult {
	t.Helper()
	reg, err := env.id.Register(context.Background(), username, password)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return reg
}

func otpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := crypto.GenerateOTPCode(secret, at)
	if err != nil {
		t.Fatalf("generating otp code: %v", err)
	}
	return code
}

func TestRegisterClaimsUsernameOnce(t *testing.T) {
	env := newTestEnv(t)

	reg := registerUser(t, env, "alice", "ABCdef12345")
	if reg.UserUID == "" || reg.OTPSecret == "" {
		t.Fatalf("incomplete register result: %+v", reg)
	}
	if !strings.Contains(reg.ProvisioningURI, "otpauth://") {
		t.Fatalf("provisioning uri = %q", reg.ProvisioningURI)
	}

	if _, err := env.id.Register(context.Background(), "alice", "anotherPass1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate register err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegistrationCommitsOnNameIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A crash between the user record and the name index leaves an orphan
	// record and an unclaimed name; registering the name again must succeed.
	orphan := domain.UserAccount{UID: "orphan-uid", Username: "bob", CreatedAt: *env.now}
	if err := objstore.SetJSON(ctx, env.store, "identity-bucket", userKeyPrefix+"orphan-uid", orphan); err != nil {
		t.Fatalf("seed orphan record: %v", err)
	}
	reg := registerUser(t, env, "bob", "ABCdef12345")
	uid, err := env.id.UserUID(ctx, "bob")
	if err != nil {
		t.Fatalf("resolve bob: %v", err)
	}
	if uid != reg.UserUID {
		t.Fatalf("name index resolves to %s, want %s", uid, reg.UserUID)
	}

	// A losing registration must not leave its record behind.
	winner := registerUser(t, env, "carol", "ABCdef12345")
	if _, err := env.id.Register(ctx, "carol", "anotherPass1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate register err = %v, want ErrAlreadyExists", err)
	}
	names, err := env.store.ListObjectNames(ctx, "identity-bucket", userKeyPrefix)
	if err != nil {
		t.Fatalf("list user records: %v", err)
	}
	carols := 0
	for _, name := range names {
		if strings.HasPrefix(name, userNamePrefix) {
			continue
		}
		var user domain.UserAccount
		if err := objstore.GetJSON(ctx, env.store, "identity-bucket", name, &user); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if user.Username == "carol" {
			carols++
			if user.UID != winner.UserUID {
				t.Fatalf("surviving carol record %s, want %s", user.UID, winner.UserUID)
			}
		}
	}
	if carols != 1 {
		t.Fatalf("carol records = %d, want 1", carols)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.id.Register(context.Background(), "", "ABCdef12345"); !errors.Is(err, domain.ErrLogin) {
		t.Fatalf("empty username err = %v, want ErrLogin", err)
	}
	if _, err := env.id.Register(context.Background(), "bob", "short"); !errors.Is(err, domain.ErrLogin) {
		t.Fatalf("short password err = %v, want ErrLogin", err)
	}
}

func TestLoginApprovesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	if challenge.UserUID != reg.UserUID {
		t.Fatalf("challenge user uid = %s, want %s", challenge.UserUID, reg.UserUID)
	}
	if n := len(challenge.ShortUID); n < 6 || n > 8 {
		t.Fatalf("short uid %q has %d chars", challenge.ShortUID, n)
	}
	if !strings.Contains(challenge.LoginURL, "login?id="+challenge.ShortUID) {
		t.Fatalf("login url = %q", challenge.LoginURL)
	}

	status, err := env.id.GetStatus(ctx, "alice", challenge.SessionUID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != domain.SessionPending {
		t.Fatalf("status = %s, want pending", status)
	}

	creds := Package(env.id.Svc.UID, challenge.ShortUID, "alice", "ABCdef12345",
		otpCode(t, reg.OTPSecret, *env.now), "", false)
	result, err := env.id.Login(ctx, creds)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.SessionUID != challenge.SessionUID || result.UserUID != reg.UserUID {
		t.Fatalf("login result = %+v", result)
	}

	status, err = env.id.GetStatus(ctx, "alice", challenge.SessionUID)
	if err != nil {
		t.Fatalf("get status after login: %v", err)
	}
	if status != domain.SessionApproved {
		t.Fatalf("status = %s, want approved", status)
	}
}

func TestLoginRejectsWrongCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := registerUser(t, env, "alice", "ABCdef12345")
	bob := registerUser(t, env, "bob", "XYZghi67890")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}

	cases := []struct {
		name  string
		creds Credentials
	}{
		{"swapped username", Package(env.id.Svc.UID, challenge.ShortUID, "bob", "ABCdef12345",
			otpCode(t, alice.OTPSecret, *env.now), "", false)},
		{"swapped password", Package(env.id.Svc.UID, challenge.ShortUID, "alice", "XYZghi67890",
			otpCode(t, alice.OTPSecret, *env.now), "", false)},
		{"swapped otp", Package(env.id.Svc.UID, challenge.ShortUID, "alice", "ABCdef12345",
			otpCode(t, bob.OTPSecret, *env.now), "", false)},
		{"unknown short uid", Package(env.id.Svc.UID, "deadbeef", "alice", "ABCdef12345",
			otpCode(t, alice.OTPSecret, *env.now), "", false)},
	}
	for _, tc := range cases {
		if _, err := env.id.Login(ctx, tc.creds); !errors.Is(err, domain.ErrLogin) {
			t.Fatalf("%s: err = %v, want ErrLogin", tc.name, err)
		}
		status, err := env.id.GetStatus(ctx, "alice", challenge.SessionUID)
		if err != nil {
			t.Fatalf("%s: get status: %v", tc.name, err)
		}
		if status != domain.SessionPending {
			t.Fatalf("%s: status = %s, want pending", tc.name, status)
		}
	}
}

func TestShortUIDsAreUniqueAcrossPendingSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registerUser(t, env, "alice", "ABCdef12345")

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		pair := newEphemeralPair(t)
		challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
		if err != nil {
			t.Fatalf("request login %d: %v", i, err)
		}
		if seen[challenge.ShortUID] {
			t.Fatalf("short uid %s issued twice among pending sessions", challenge.ShortUID)
		}
		seen[challenge.ShortUID] = true
	}
}

func deviceSecretFromURI(t *testing.T, uri string) string {
	t.Helper()
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parsing provisioning uri: %v", err)
	}
	secret := parsed.Query().Get("secret")
	if secret == "" {
		t.Fatalf("no secret in provisioning uri %q", uri)
	}
	return secret
}

func TestDeviceLoginUsesDeviceScopedOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")

	// First login remembers the device.
	pair := newEphemeralPair(t)
	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	result, err := env.id.Login(ctx, Package(env.id.Svc.UID, challenge.ShortUID, "alice",
		"ABCdef12345", otpCode(t, reg.OTPSecret, *env.now), "", true))
	if err != nil {
		t.Fatalf("login with remember_device: %v", err)
	}
	if result.DeviceUID == "" || result.ProvisioningURI == "" {
		t.Fatalf("expected device material, got %+v", result)
	}
	deviceSecret := deviceSecretFromURI(t, result.ProvisioningURI)

	// Second login binds the password to the device and uses its OTP.
	pair2 := newEphemeralPair(t)
	challenge2, err := env.id.RequestLogin(ctx, pair2.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("second request login: %v", err)
	}
	creds := Package(env.id.Svc.UID, challenge2.ShortUID, "alice", "ABCdef12345",
		otpCode(t, deviceSecret, *env.now), result.DeviceUID, false)
	if _, err := env.id.Login(ctx, creds); err != nil {
		t.Fatalf("device login: %v", err)
	}

	// The account OTP must not be accepted for a device login.
	pair3 := newEphemeralPair(t)
	challenge3, err := env.id.RequestLogin(ctx, pair3.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("third request login: %v", err)
	}
	bad := Package(env.id.Svc.UID, challenge3.ShortUID, "alice", "ABCdef12345",
		otpCode(t, reg.OTPSecret, *env.now), result.DeviceUID, false)
	if _, err := env.id.Login(ctx, bad); !errors.Is(err, domain.ErrLogin) {
		t.Fatalf("device login with account otp err = %v, want ErrLogin", err)
	}
}

func TestLogoutRequiresSessionSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	if _, err := env.id.Login(ctx, Package(env.id.Svc.UID, challenge.ShortUID, "alice",
		"ABCdef12345", otpCode(t, reg.OTPSecret, *env.now), "", false)); err != nil {
		t.Fatalf("login: %v", err)
	}

	msg := []byte("Log out request for " + challenge.SessionUID)

	intruder := newEphemeralPair(t)
	badSig, err := intruder.cert.Sign(msg)
	if err != nil {
		t.Fatalf("signing with intruder cert: %v", err)
	}
	if err := env.id.Logout(ctx, "alice", challenge.SessionUID, badSig); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("logout with foreign signature err = %v, want ErrPermission", err)
	}

	sig, err := pair.cert.Sign(msg)
	if err != nil {
		t.Fatalf("signing logout: %v", err)
	}
	if err := env.id.Logout(ctx, "alice", challenge.SessionUID, sig); err != nil {
		t.Fatalf("logout: %v", err)
	}
	status, err := env.id.GetStatus(ctx, "alice", challenge.SessionUID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != domain.SessionLoggedOut {
		t.Fatalf("status = %s, want logged_out", status)
	}
}

func TestSessionsExpire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}

	env.advance(49 * time.Hour)
	status, err := env.id.GetStatus(ctx, "alice", challenge.SessionUID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != domain.SessionExpired {
		t.Fatalf("status = %s, want expired", status)
	}
}

func TestRepeatedFailuresLockTheUserOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}

	bad := Package(env.id.Svc.UID, challenge.ShortUID, "alice", "wrong-password",
		otpCode(t, reg.OTPSecret, *env.now), "", false)
	for i := 0; i < 3; i++ {
		if _, err := env.id.Login(ctx, bad); !errors.Is(err, domain.ErrLogin) {
			t.Fatalf("attempt %d err = %v, want ErrLogin", i, err)
		}
	}

	good := Package(env.id.Svc.UID, challenge.ShortUID, "alice", "ABCdef12345",
		otpCode(t, reg.OTPSecret, *env.now), "", false)
	if _, err := env.id.Login(ctx, good); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("locked login err = %v, want ErrLocked", err)
	}

	env.advance(2 * time.Second)
	good.OTPCode = otpCode(t, reg.OTPSecret, *env.now)
	if _, err := env.id.Login(ctx, good); err != nil {
		t.Fatalf("login after lockout window: %v", err)
	}
}

func TestAuthorisationBindsResourceAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	if _, err := env.id.Login(ctx, Package(env.id.Svc.UID, challenge.ShortUID, "alice",
		"ABCdef12345", otpCode(t, reg.OTPSecret, *env.now), "", false)); err != nil {
		t.Fatalf("login: %v", err)
	}

	auth, err := SignAuthorisation(pair.cert, reg.UserUID, challenge.SessionUID,
		env.id.Svc.UID, "test", *env.now)
	if err != nil {
		t.Fatalf("sign authorisation: %v", err)
	}

	verifier := NewVerifier(env.id.Svc.UID, LocalCertFetcher(env.id)).WithClock(func() time.Time { return *env.now })
	if err := verifier.Verify(ctx, auth, "test"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := verifier.Verify(ctx, auth, "wrong"); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("verify wrong resource err = %v, want ErrPermission", err)
	}

	user, session, identityUID, err := verifier.VerifyIdentifiers(ctx, auth, "test")
	if err != nil {
		t.Fatalf("verify identifiers: %v", err)
	}
	if user != reg.UserUID || session != challenge.SessionUID || identityUID != env.id.Svc.UID {
		t.Fatalf("identifiers = %s %s %s", user, session, identityUID)
	}

	// A signature from a key other than the session's cert must fail.
	forged, err := SignAuthorisation(newEphemeralPair(t).cert, reg.UserUID,
		challenge.SessionUID, env.id.Svc.UID, "test", *env.now)
	if err != nil {
		t.Fatalf("sign forged authorisation: %v", err)
	}
	if err := verifier.Verify(ctx, forged, "test"); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("forged verify err = %v, want ErrPermission", err)
	}
}

func TestAuthorisationFreshnessWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := registerUser(t, env, "alice", "ABCdef12345")
	pair := newEphemeralPair(t)

	challenge, err := env.id.RequestLogin(ctx, pair.loginRequest(t, "alice"))
	if err != nil {
		t.Fatalf("request login: %v", err)
	}
	if _, err := env.id.Login(ctx, Package(env.id.Svc.UID, challenge.ShortUID, "alice",
		"ABCdef12345", otpCode(t, reg.OTPSecret, *env.now), "", false)); err != nil {
		t.Fatalf("login: %v", err)
	}

	auth, err := SignAuthorisation(pair.cert, reg.UserUID, challenge.SessionUID,
		env.id.Svc.UID, "spend 10", *env.now)
	if err != nil {
		t.Fatalf("sign authorisation: %v", err)
	}

	verifier := NewVerifier(env.id.Svc.UID, LocalCertFetcher(env.id)).WithClock(func() time.Time { return *env.now })
	env.advance(16 * time.Minute)
	if err := verifier.Verify(ctx, auth, "spend 10"); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("stale verify err = %v, want ErrPermission", err)
	}
	if err := verifier.VerifyStale(ctx, auth, "spend 10"); err != nil {
		t.Fatalf("verify stale: %v", err)
	}
}
