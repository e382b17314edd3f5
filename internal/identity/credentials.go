// Package identity implements registration, the short-UID login handshake,
// the session state machine and Authorisation issue/verification for the
// identity service.
package identity

import (
	"crypto/md5"
	"encoding/hex"

	"acquire/internal/infra/crypto"
)

// Credentials is what a human submits from the login page. The password
// field is never the cleartext: it is encoded against the identity service's
// UID and, when logging in from a remembered device, against the device UID,
// so the on-wire value is a per-service, per-device token.
type Credentials struct {
	ShortUID       string `json:"short_uid"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	OTPCode        string `json:"otpcode"`
	DeviceUID      string `json:"device_uid,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

// EncodePassword derives the on-wire password token.
func EncodePassword(password, identityUID, deviceUID string) string {
	encoded := crypto.MultiMD5(identityUID, password)
	return encodeDeviceUID(encoded, deviceUID)
}

func encodeDeviceUID(encoded, deviceUID string) string {
	if deviceUID == "" {
		return encoded
	}
	sum := md5.Sum([]byte(encoded + deviceUID))
	return hex.EncodeToString(sum[:])
}

// Package binds the submitted fields to a pending session's short UID with
// the password already encoded.
func Package(identityUID, shortUID, username, password, otpcode, deviceUID string, remember bool) Credentials {
	return Credentials{
		ShortUID:       shortUID,
		Username:       username,
		Password:       EncodePassword(password, identityUID, deviceUID),
		OTPCode:        otpcode,
		DeviceUID:      deviceUID,
		RememberDevice: remember,
	}
}
