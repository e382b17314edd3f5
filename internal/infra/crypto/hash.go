package crypto

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex is the hex digest used for resource fingerprints.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MD5Hex is only used for object-store checksums, never for integrity of
// signed material.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MultiMD5 hashes the concatenation of its arguments. Acquire uses this for
// short displayable identifiers (login short-UIDs), nothing else.
func MultiMD5(args ...string) string {
	h := md5.New()
	for _, a := range args {
		h.Write([]byte(a))
	}
	return hex.EncodeToString(h.Sum(nil))
}
