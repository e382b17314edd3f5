package service

import (
	"fmt"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
)

// Record exports the locked, signed form of this service: public material
// only, suitable for peers to store in their trusted-peer tables and to
// re-fetch after a rotation.
func (c *Context) Record() (*domain.ServiceRecord, error) {
	publicKey, err := c.PrivateKey.PublicKey().PEM()
	if err != nil {
		return nil, err
	}
	publicCert, err := c.PrivateCert.PublicKey().PEM()
	if err != nil {
		return nil, err
	}
	rec := &domain.ServiceRecord{
		UID:           c.UID,
		ServiceType:   c.Type,
		CanonicalURL:  c.CanonicalURL,
		PublicKey:     publicKey,
		PublicCert:    publicCert,
		LastKeyUpdate: c.LastKeyUpdate,
	}
	if c.LastKey != nil {
		if rec.LastKey, err = c.LastKey.PublicKey().PEM(); err != nil {
			return nil, err
		}
	}
	if c.LastCert != nil {
		if rec.LastCert, err = c.LastCert.PublicKey().PEM(); err != nil {
			return nil, err
		}
	}
	payload, err := recordPayload(rec)
	if err != nil {
		return nil, err
	}
	sig, err := c.PrivateCert.Sign(payload)
	if err != nil {
		return nil, err
	}
	rec.Signature = encoding.BytesToString(sig)
	return rec, nil
}

// VerifyRecord checks a locked record's self-signature against the public
// cert it carries. This proves possession, not trust; trust is the
// administrative act of storing the record.
func VerifyRecord(rec *domain.ServiceRecord) error {
	if rec.Signature == "" {
		return fmt.Errorf("%w: unsigned service record", domain.ErrService)
	}
	cert, err := crypto.PublicKeyFromPEM(rec.PublicCert)
	if err != nil {
		return fmt.Errorf("%w: bad public cert in record", domain.ErrService)
	}
	payload, err := recordPayload(rec)
	if err != nil {
		return err
	}
	sig, err := encoding.StringToBytes(rec.Signature)
	if err != nil {
		return fmt.Errorf("%w: undecodable record signature", domain.ErrService)
	}
	if err := cert.Verify(payload, sig); err != nil {
		return fmt.Errorf("%w: record signature mismatch", domain.ErrService)
	}
	return nil
}

func recordPayload(rec *domain.ServiceRecord) ([]byte, error) {
	unsigned := *rec
	unsigned.Signature = ""
	return encoding.CanonicalJSON(&unsigned)
}

// RecordKeys returns the encryption keys a record offers, current first.
func RecordKeys(rec *domain.ServiceRecord) ([]*crypto.PublicKey, error) {
	return recordPEMs(rec.PublicKey, rec.LastKey)
}

// RecordCerts returns the verification certs a record offers, current first.
func RecordCerts(rec *domain.ServiceRecord) ([]*crypto.PublicKey, error) {
	return recordPEMs(rec.PublicCert, rec.LastCert)
}

func recordPEMs(current, last []byte) ([]*crypto.PublicKey, error) {
	out := make([]*crypto.PublicKey, 0, 2)
	key, err := crypto.PublicKeyFromPEM(current)
	if err != nil {
		return nil, err
	}
	out = append(out, key)
	if len(last) > 0 {
		lastKey, err := crypto.PublicKeyFromPEM(last)
		if err != nil {
			return nil, err
		}
		out = append(out, lastKey)
	}
	return out, nil
}
