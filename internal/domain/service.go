package domain

import "time"

type ServiceType string

const (
	ServiceTypeIdentity   ServiceType = "identity"
	ServiceTypeAccess     ServiceType = "access"
	ServiceTypeAccounting ServiceType = "accounting"
	ServiceTypeStorage    ServiceType = "storage"
	ServiceTypeCompute    ServiceType = "compute"
	ServiceTypeRegistry   ServiceType = "registry"
)

func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTypeIdentity, ServiceTypeAccess, ServiceTypeAccounting,
		ServiceTypeStorage, ServiceTypeCompute, ServiceTypeRegistry:
		return true
	}
	return false
}

// ServiceRecord is the wire form of a service's public description. A locked
// record carries only public material and is what peers store in their
// trusted-peer tables. The signature is made by the service's private cert
// over the canonical form of the public fields, so a peer can re-fetch and
// verify the record after a key rotation.
type ServiceRecord struct {
	UID           string      `json:"uid"`
	ServiceType   ServiceType `json:"service_type"`
	CanonicalURL  string      `json:"canonical_url"`
	PublicKey     []byte      `json:"public_key"`
	PublicCert    []byte      `json:"public_cert"`
	LastKey       []byte      `json:"last_public_key,omitempty"`
	LastCert      []byte      `json:"last_public_cert,omitempty"`
	LastKeyUpdate time.Time   `json:"last_key_update"`
	Signature     string      `json:"signature,omitempty"`
}
