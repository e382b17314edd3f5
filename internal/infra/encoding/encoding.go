// Package encoding holds the canonical encoders shared by every message:
// UUIDs, ISO-8601 UTC datetimes, base64 and deterministic JSON. Anything that
// is signed must pass through CanonicalJSON first.
package encoding

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const datetimeFormat = "2006-01-02T15:04:05.000000Z"

// CreateUUID returns a fresh v4 UUID string.
func CreateUUID() string {
	return uuid.NewString()
}

// DatetimeToString renders t as ISO-8601 UTC with a trailing Z.
func DatetimeToString(t time.Time) string {
	return t.UTC().Format(datetimeFormat)
}

// StringToDatetime parses the output of DatetimeToString.
func StringToDatetime(s string) (time.Time, error) {
	t, err := time.Parse(datetimeFormat, s)
	if err != nil {
		// tolerate second-precision timestamps from other producers
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid datetime %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// BytesToString and StringToBytes are the base64 codec used for all binary
// fields on the wire.
func BytesToString(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func StringToBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
