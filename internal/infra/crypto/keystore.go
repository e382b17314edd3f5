package crypto

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// WrapWithPassphrase seals data under a passphrase using an age scrypt
// recipient. Used for every piece of private key material that touches the
// object store or disk.
func WrapWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	buf := &bytes.Buffer{}
	w, err := age.Encrypt(buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("writing wrapped data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalising wrapped data: %w", err)
	}
	return buf.Bytes(), nil
}

// UnwrapWithPassphrase inverts WrapWithPassphrase.
func UnwrapWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading unwrapped data: %w", err)
	}
	return out, nil
}

// EncryptedPEM serialises the private key as PEM wrapped under the
// passphrase.
func (k *PrivateKey) EncryptedPEM(passphrase string) ([]byte, error) {
	pemBytes, err := k.PEM()
	if err != nil {
		return nil, err
	}
	return WrapWithPassphrase(pemBytes, passphrase)
}

// PrivateKeyFromEncryptedPEM inverts EncryptedPEM.
func PrivateKeyFromEncryptedPEM(data []byte, passphrase string) (*PrivateKey, error) {
	pemBytes, err := UnwrapWithPassphrase(data, passphrase)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromPEM(pemBytes)
}
