// Package envelope implements the uniform cryptographic envelope wrapped
// around every inter-service and client-service call: args encrypted to the
// recipient's current public key (selected by fingerprint so rotation never
// breaks an in-flight call), optionally signed by the sender's private cert,
// with an ephemeral response key nested inside so only the original caller
// can read the reply.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
)

// Request is the wire form of one call. Fingerprint names the recipient key
// the args were encrypted to; SignatureFingerprint names the sender cert that
// signed the ciphertext.
type Request struct {
	ServiceUID           string `json:"service_uid,omitempty"`
	CanonicalURL         string `json:"canonical_url,omitempty"`
	Fingerprint          string `json:"fingerprint"`
	EncryptedData        string `json:"encrypted_data"`
	Signature            string `json:"signature,omitempty"`
	SignatureFingerprint string `json:"signature_fingerprint,omitempty"`
	ResponsePublicKey    string `json:"response_public_key,omitempty"`
	ResponseFingerprint  string `json:"response_fingerprint,omitempty"`
}

// Response is the wire form of one reply. Status zero is success; anything
// else carries the failure class and message.
type Response struct {
	Status         int    `json:"status"`
	Message        string `json:"message"`
	EncryptedData  string `json:"encrypted_data,omitempty"`
	Signature      string `json:"signature,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	ExceptionClass string `json:"exception_class,omitempty"`
	Traceback      string `json:"traceback,omitempty"`
}

// Caller identifies the sending side of a packed request. PrivateCert may be
// nil, in which case the request travels unsigned (anonymous).
type Caller struct {
	ServiceUID   string
	CanonicalURL string
	PrivateCert  *crypto.PrivateKey
}

// Pack seals args (which must already contain the "function" key) to the
// recipient key. When withResponseKey is set an ephemeral RSA pair is
// generated and its public half travels with the request; the returned
// private half opens the reply.
func Pack(args map[string]any, recipient *crypto.PublicKey, caller *Caller, withResponseKey bool) (*Request, *crypto.PrivateKey, error) {
	payload, err := encoding.CanonicalJSON(args)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalising args: %w", err)
	}
	fingerprint, err := recipient.Fingerprint()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := recipient.Encrypt(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing args: %w", err)
	}

	req := &Request{
		Fingerprint:   fingerprint,
		EncryptedData: encoding.BytesToString(ciphertext),
	}

	var responseKey *crypto.PrivateKey
	if withResponseKey {
		responseKey, err = crypto.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
		pemBytes, err := responseKey.PublicKey().PEM()
		if err != nil {
			return nil, nil, err
		}
		responseFP, err := responseKey.Fingerprint()
		if err != nil {
			return nil, nil, err
		}
		req.ResponsePublicKey = encoding.BytesToString(pemBytes)
		req.ResponseFingerprint = responseFP
	}

	if caller != nil {
		req.ServiceUID = caller.ServiceUID
		req.CanonicalURL = caller.CanonicalURL
		if caller.PrivateCert != nil {
			sig, err := caller.PrivateCert.Sign(ciphertext)
			if err != nil {
				return nil, nil, fmt.Errorf("signing request: %w", err)
			}
			signFP, err := caller.PrivateCert.Fingerprint()
			if err != nil {
				return nil, nil, err
			}
			req.Signature = encoding.BytesToString(sig)
			req.SignatureFingerprint = signFP
		}
	}
	return req, responseKey, nil
}

// KeySelector resolves a fingerprint to one of the recipient's private keys,
// trying the current pair first and then the immediately preceding one.
type KeySelector func(fingerprint string) (*crypto.PrivateKey, error)

// CertResolver fetches the public cert a trusted peer used to sign, by the
// peer's service UID and the cert's fingerprint. Returning
// domain.ErrUntrusted marks the peer unknown.
type CertResolver func(serviceUID, fingerprint string) (*crypto.PublicKey, error)

// Unpacked is the server-side view of a request after decryption.
type Unpacked struct {
	Function string
	Args     json.RawMessage

	// SenderUID is non-empty only when the signature verified against a
	// trusted peer's cert.
	SenderUID string

	responseKey *crypto.PublicKey
}

// Unpack decrypts and (when signed) authenticates a request. A signature from
// an unknown peer is an error; an absent signature yields an anonymous call.
func Unpack(req *Request, selectKey KeySelector, resolveCert CertResolver) (*Unpacked, error) {
	ciphertext, err := encoding.StringToBytes(req.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable envelope", domain.ErrService)
	}
	key, err := selectKey(req.Fingerprint)
	if err != nil {
		return nil, err
	}
	payload, err := key.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decrypt envelope: %v", domain.ErrService, err)
	}

	out := &Unpacked{}
	if req.Signature != "" {
		if resolveCert == nil {
			return nil, fmt.Errorf("%w: signed request but no peer registry", domain.ErrUntrusted)
		}
		cert, err := resolveCert(req.ServiceUID, req.SignatureFingerprint)
		if err != nil {
			return nil, err
		}
		sig, err := encoding.StringToBytes(req.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable signature", domain.ErrService)
		}
		if err := cert.Verify(ciphertext, sig); err != nil {
			return nil, fmt.Errorf("%w: envelope signature mismatch", domain.ErrService)
		}
		out.SenderUID = req.ServiceUID
	}

	var probe struct {
		Function string `json:"function"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Function == "" {
		return nil, fmt.Errorf("%w: envelope carries no function", domain.ErrService)
	}
	out.Function = probe.Function
	out.Args = payload

	if req.ResponsePublicKey != "" {
		pemBytes, err := encoding.StringToBytes(req.ResponsePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable response key", domain.ErrService)
		}
		responseKey, err := crypto.PublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid response key", domain.ErrService)
		}
		out.responseKey = responseKey
	}
	return out, nil
}

// PackResponse wraps a return value for the caller: encrypted to the
// caller's ephemeral response key when one travelled with the request,
// signed by the responding service's private cert.
func PackResponse(up *Unpacked, result any, cert *crypto.PrivateKey) (*Response, error) {
	resp := &Response{Status: 0, Message: "ok"}
	if result == nil {
		return resp, nil
	}
	payload, err := encoding.CanonicalJSON(result)
	if err != nil {
		return nil, fmt.Errorf("canonicalising result: %w", err)
	}
	if up.responseKey == nil {
		// caller asked for no confidentiality; plain payload travels in the
		// message field
		resp.Message = string(payload)
		return resp, nil
	}
	ciphertext, err := up.responseKey.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("sealing response: %w", err)
	}
	resp.EncryptedData = encoding.BytesToString(ciphertext)
	if cert != nil {
		sig, err := cert.Sign(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("signing response: %w", err)
		}
		fp, err := cert.Fingerprint()
		if err != nil {
			return nil, err
		}
		resp.Signature = encoding.BytesToString(sig)
		resp.Fingerprint = fp
	}
	return resp, nil
}

// ErrorResponse converts an uncaught error into the wire form. Tracebacks
// never travel for authentication failures.
func ErrorResponse(err error) *Response {
	return &Response{
		Status:         -1,
		Message:        err.Error(),
		ExceptionClass: classify(err),
	}
}

// OpenResponse decrypts and verifies a reply on the caller. responseKey is
// the ephemeral private key Pack returned; cert is the responder's public
// cert (nil skips signature verification for anonymous endpoints).
func OpenResponse(resp *Response, responseKey *crypto.PrivateKey, cert *crypto.PublicKey, out any) error {
	if resp.Status != 0 {
		return &RemoteCallError{
			Status:         resp.Status,
			Message:        resp.Message,
			ExceptionClass: resp.ExceptionClass,
			Traceback:      resp.Traceback,
		}
	}
	if resp.EncryptedData == "" {
		if out != nil && resp.Message != "" && resp.Message != "ok" {
			return json.Unmarshal([]byte(resp.Message), out)
		}
		return nil
	}
	if responseKey == nil {
		return errors.New("encrypted response but no response key was sent")
	}
	ciphertext, err := encoding.StringToBytes(resp.EncryptedData)
	if err != nil {
		return fmt.Errorf("undecodable response: %w", err)
	}
	if cert != nil && resp.Signature != "" {
		sig, err := encoding.StringToBytes(resp.Signature)
		if err != nil {
			return fmt.Errorf("undecodable response signature: %w", err)
		}
		if err := cert.Verify(ciphertext, sig); err != nil {
			return fmt.Errorf("%w: response signature mismatch", domain.ErrService)
		}
	}
	payload, err := responseKey.Decrypt(ciphertext)
	if err != nil {
		return fmt.Errorf("cannot decrypt response: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}
