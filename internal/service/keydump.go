package service

import (
	"fmt"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
)

// DumpedKey is one audited key: the public PEM in clear, the private PEM
// wrapped by a random passphrase, and that passphrase encrypted to the
// skeleton key so only the service itself can re-open the dump.
type DumpedKey struct {
	Role       string `json:"role"`
	Public     []byte `json:"public"`
	Private    []byte `json:"private"`
	Passphrase []byte `json:"passphrase"`
}

// KeyDump is a fingerprint-indexed snapshot of all currently-held keys.
type KeyDump struct {
	ServiceUID string               `json:"service_uid"`
	Keys       map[string]DumpedKey `json:"keys"`
}

// DumpKeys exports every key the service currently holds for audit.
func (c *Context) DumpKeys() (*KeyDump, error) {
	dump := &KeyDump{ServiceUID: c.UID, Keys: make(map[string]DumpedKey)}
	roles := []struct {
		role string
		key  *crypto.PrivateKey
	}{
		{"skeleton", c.Skeleton},
		{"key", c.PrivateKey},
		{"cert", c.PrivateCert},
		{"last_key", c.LastKey},
		{"last_cert", c.LastCert},
	}
	for _, r := range roles {
		if r.key == nil {
			continue
		}
		entry, fp, err := c.dumpOne(r.role, r.key)
		if err != nil {
			return nil, err
		}
		dump.Keys[fp] = entry
	}
	return dump, nil
}

func (c *Context) dumpOne(role string, key *crypto.PrivateKey) (DumpedKey, string, error) {
	fp, err := key.Fingerprint()
	if err != nil {
		return DumpedKey{}, "", err
	}
	public, err := key.PublicKey().PEM()
	if err != nil {
		return DumpedKey{}, "", err
	}
	passphrase := encoding.CreateUUID()
	private, err := key.EncryptedPEM(passphrase)
	if err != nil {
		return DumpedKey{}, "", err
	}
	sealedPass, err := c.Skeleton.PublicKey().Encrypt([]byte(passphrase))
	if err != nil {
		return DumpedKey{}, "", err
	}
	return DumpedKey{
		Role:       role,
		Public:     public,
		Private:    private,
		Passphrase: sealedPass,
	}, fp, nil
}

// LoadKeys inverts DumpKeys, returning the private keys indexed by
// fingerprint. Only the holder of the skeleton key can do this.
func (c *Context) LoadKeys(dump *KeyDump) (map[string]*crypto.PrivateKey, error) {
	if dump.ServiceUID != c.UID {
		return nil, fmt.Errorf("%w: dump belongs to %s", domain.ErrService, dump.ServiceUID)
	}
	out := make(map[string]*crypto.PrivateKey, len(dump.Keys))
	for fp, entry := range dump.Keys {
		passphrase, err := c.Skeleton.Decrypt(entry.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot unseal passphrase for %s", domain.ErrService, fp)
		}
		key, err := crypto.PrivateKeyFromEncryptedPEM(entry.Private, string(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: cannot unwrap key %s", domain.ErrService, fp)
		}
		out[fp] = key
	}
	return out, nil
}
