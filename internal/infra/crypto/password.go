package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for the stored password verifier. The on-wire password
// is already a device-bound token, so the verifier protects against bucket
// disclosure.
const (
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	scryptLen   = 32
	verifierTag = "scrypt"
)

// HashPassword derives a salted verifier for the supplied password token.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return "", fmt.Errorf("deriving verifier: %w", err)
	}
	return fmt.Sprintf("%s$%s$%s", verifierTag,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password token against a stored verifier in
// constant time.
func VerifyPassword(password, verifier string) error {
	parts := strings.Split(verifier, "$")
	if len(parts) != 3 || parts[0] != verifierTag {
		return errors.New("malformed password verifier")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return errors.New("malformed password verifier")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return errors.New("malformed password verifier")
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errors.New("password mismatch")
	}
	return nil
}
