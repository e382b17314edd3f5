package crypto

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncryptDecryptBothFrames(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Small payloads seal directly under OAEP; large ones take the hybrid
	// frame with an AES session key. Both must open identically.
	small := []byte(`{"function":"get_record"}`)
	large := bytes.Repeat([]byte("worksheet payload "), 512)

	for _, msg := range [][]byte{small, large} {
		ciphertext, err := key.PublicKey().Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(msg), err)
		}
		if bytes.Contains(ciphertext, msg[:16]) {
			t.Fatal("ciphertext leaks plaintext")
		}
		out, err := key.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", len(msg), err)
		}
		if !bytes.Equal(out, msg) {
			t.Fatalf("round trip changed %d-byte payload", len(msg))
		}
	}

	other, _ := GeneratePrivateKey()
	ciphertext, _ := key.PublicKey().Encrypt(small)
	if _, err := other.Decrypt(ciphertext); err == nil {
		t.Fatal("wrong key decrypted the payload")
	}
	ciphertext[0] = 0x7f
	if _, err := key.Decrypt(ciphertext); err == nil {
		t.Fatal("unknown frame accepted")
	}
}

func TestSignaturesBindKeyAndMessage(t *testing.T) {
	cert, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("Log out request for session-1")
	sig, err := cert.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := cert.PublicKey().Verify(msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := cert.PublicKey().Verify([]byte("Log out request for session-2"), sig); err == nil {
		t.Fatal("signature verified over a different message")
	}
	other, _ := GeneratePrivateKey()
	if err := other.PublicKey().Verify(msg, sig); err == nil {
		t.Fatal("signature verified under a different key")
	}
}

func TestFingerprintsAreStableAndDistinct(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp1, err := key.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := key.PublicKey().Fingerprint()
	if err != nil {
		t.Fatalf("public fingerprint: %v", err)
	}
	if fp1 != fp2 || fp1 == "" {
		t.Fatalf("fingerprints differ: %q vs %q", fp1, fp2)
	}

	// Fingerprints survive PEM round trips; that is what key selection
	// across the wire depends on.
	pemBytes, err := key.PublicKey().PEM()
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	restored, err := PublicKeyFromPEM(pemBytes)
	if err != nil {
		t.Fatalf("from pem: %v", err)
	}
	if fp3, _ := restored.Fingerprint(); fp3 != fp1 {
		t.Fatalf("fingerprint changed across pem: %q", fp3)
	}

	other, _ := GeneratePrivateKey()
	if otherFP, _ := other.Fingerprint(); otherFP == fp1 {
		t.Fatal("two keys share a fingerprint")
	}
}

func TestEncryptedPEMNeedsThePassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wrapped, err := key.EncryptedPEM("orange-battery-staple")
	if err != nil {
		t.Fatalf("encrypted pem: %v", err)
	}
	if strings.Contains(string(wrapped), "PRIVATE KEY") {
		t.Fatal("wrapped key exposes pem structure")
	}

	if _, err := PrivateKeyFromEncryptedPEM(wrapped, "wrong"); err == nil {
		t.Fatal("wrong passphrase unwrapped the key")
	}
	restored, err := PrivateKeyFromEncryptedPEM(wrapped, "orange-battery-staple")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	wantFP, _ := key.Fingerprint()
	if gotFP, _ := restored.Fingerprint(); gotFP != wantFP {
		t.Fatalf("unwrapped key fingerprint = %q, want %q", gotFP, wantFP)
	}
}

func TestPasswordVerifier(t *testing.T) {
	verifier, err := HashPassword("wire-token-1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.Contains(verifier, "wire-token-1") {
		t.Fatal("verifier contains the password")
	}
	if err := VerifyPassword("wire-token-1", verifier); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPassword("wire-token-2", verifier); err == nil {
		t.Fatal("wrong password verified")
	}
	if err := VerifyPassword("wire-token-1", "plain$garbage"); err == nil {
		t.Fatal("malformed verifier accepted")
	}

	// Salted: two verifiers for the same password differ.
	second, err := HashPassword("wire-token-1")
	if err != nil {
		t.Fatalf("second hash: %v", err)
	}
	if second == verifier {
		t.Fatal("verifier is not salted")
	}
}

func TestOTPLifecycle(t *testing.T) {
	secret, uri, err := GenerateOTPSecret("https://hub.example.com/t/identity", "alice")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if secret == "" || !strings.Contains(uri, "alice") {
		t.Fatalf("secret=%q uri=%q", secret, uri)
	}

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	code, err := GenerateOTPCode(secret, at)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := ValidateOTPCode(code, secret, at); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// One period of skew is tolerated, two is not.
	if err := ValidateOTPCode(code, secret, at.Add(30*time.Second)); err != nil {
		t.Fatalf("validate within skew: %v", err)
	}
	if err := ValidateOTPCode(code, secret, at.Add(5*time.Minute)); err == nil {
		t.Fatal("stale code validated")
	}
	if err := ValidateOTPCode("000000", secret, at); err == nil {
		t.Fatal("guessed code validated")
	}
}

func TestMultiMD5IsOrderSensitive(t *testing.T) {
	a := MultiMD5("identity-uid", "password")
	b := MultiMD5("identity-uid", "password")
	if a != b {
		t.Fatal("MultiMD5 is not deterministic")
	}
	if MultiMD5("password", "identity-uid") == a {
		t.Fatal("MultiMD5 ignores argument order")
	}
	if len(a) != 32 {
		t.Fatalf("token length = %d", len(a))
	}
}
