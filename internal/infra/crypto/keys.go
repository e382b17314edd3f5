// Package crypto carries the primitives every Acquire message is built from:
// RSA-OAEP encryption with AES-256-GCM hybrid framing for large payloads,
// RSA-PSS signatures on a separate key pair, SHA-256 fingerprints, scrypt
// password verifiers and RFC 6238 TOTP codes. Private key material at rest is
// always wrapped under a passphrase (age scrypt recipient).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	rsaBits = 2048

	// framing markers for ciphertext produced by PublicKey.Encrypt
	frameDirect byte = 0x01
	frameHybrid byte = 0x02
)

// oaepLimit is the largest message RSA-2048 OAEP-SHA256 can seal directly.
const oaepLimit = rsaBits/8 - 2*sha256.Size - 2

type PrivateKey struct {
	key *rsa.PrivateKey
}

type PublicKey struct {
	key *rsa.PublicKey
}

// GeneratePrivateKey makes a fresh RSA-2048 pair. The same type serves both
// encryption keys and signing certs; a service holds separate instances and
// never uses one for both purposes.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

func (k *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: &k.key.PublicKey}
}

// Fingerprint of the public half; used to select the right key across
// rotations.
func (k *PrivateKey) Fingerprint() (string, error) {
	return k.PublicKey().Fingerprint()
}

// Decrypt opens ciphertext produced by the matching PublicKey.Encrypt.
func (k *PrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2 {
		return nil, errors.New("ciphertext too short")
	}
	body := ciphertext[1:]
	switch ciphertext[0] {
	case frameDirect:
		out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.key, body, nil)
		if err != nil {
			return nil, fmt.Errorf("oaep decrypt: %w", err)
		}
		return out, nil
	case frameHybrid:
		if len(body) < 4 {
			return nil, errors.New("truncated hybrid frame")
		}
		keyLen := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < keyLen {
			return nil, errors.New("truncated hybrid frame")
		}
		symKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.key, body[:keyLen], nil)
		if err != nil {
			return nil, fmt.Errorf("unwrapping session key: %w", err)
		}
		return symmetricOpen(symKey, body[keyLen:])
	default:
		return nil, errors.New("unknown ciphertext frame")
	}
}

// PEM serialises the private key as PKCS#8.
func (k *PrivateKey) PEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func PrivateKeyFromPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("no private key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an rsa private key")
	}
	return &PrivateKey{key: key}, nil
}

// Encrypt seals msg to this public key. Short messages go straight through
// OAEP; longer ones get a random AES-256 session key, the payload sealed
// with GCM and the session key OAEP-wrapped with a length prefix.
func (k *PublicKey) Encrypt(msg []byte) ([]byte, error) {
	if len(msg) <= oaepLimit {
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k.key, msg, nil)
		if err != nil {
			return nil, fmt.Errorf("oaep encrypt: %w", err)
		}
		return append([]byte{frameDirect}, ct...), nil
	}

	symKey := make([]byte, 32)
	if _, err := rand.Read(symKey); err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k.key, symKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}
	sealed, err := symmetricSeal(symKey, msg)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+4+len(wrapped)+len(sealed))
	out = append(out, frameHybrid)
	out = binary.BigEndian.AppendUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, sealed...)
	return out, nil
}

func (k *PublicKey) Fingerprint() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.key)
	if err != nil {
		return "", err
	}
	return fingerprintDER(der), nil
}

// PEM serialises the public key as PKIX.
func (k *PublicKey) PEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func PublicKeyFromPEM(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no public key PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an rsa public key")
	}
	return &PublicKey{key: key}, nil
}

// fingerprintDER derives the colon-grouped identifier from the key's
// canonical DER form.
func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	h := hex.EncodeToString(sum[:16])
	pairs := make([]string, 0, len(h)/2)
	for i := 0; i < len(h); i += 2 {
		pairs = append(pairs, h[i:i+2])
	}
	return strings.Join(pairs, ":")
}

func symmetricSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func symmetricOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("truncated symmetric frame")
	}
	out, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, errors.New("symmetric decrypt failed")
	}
	return out, nil
}
