package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Sign produces an RSA-PSS signature over msg. Signing keys (certs) are
// distinct instances from encryption keys; callers must never sign with a
// key that also decrypts.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, k.key, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return nil, fmt.Errorf("pss sign: %w", err)
	}
	return sig, nil
}

// Verify checks an RSA-PSS signature over msg.
func (k *PublicKey) Verify(msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(k.key, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		return errors.New("signature verification failed")
	}
	return nil
}
