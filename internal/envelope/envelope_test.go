package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

// selectorFor resolves fingerprints against a fixed set of private keys, the
// way a service context does for its current and previous pair.
func selectorFor(t *testing.T, keys ...*crypto.PrivateKey) KeySelector {
	t.Helper()
	byFP := make(map[string]*crypto.PrivateKey, len(keys))
	for _, k := range keys {
		fp, err := k.Fingerprint()
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		byFP[fp] = k
	}
	return func(fingerprint string) (*crypto.PrivateKey, error) {
		k, ok := byFP[fingerprint]
		if !ok {
			return nil, fmt.Errorf("%w: no key %s", domain.ErrService, fingerprint)
		}
		return k, nil
	}
}

func TestAnonymousRoundTrip(t *testing.T) {
	recipient := mustKey(t)
	responderCert := mustKey(t)

	req, responseKey, err := Pack(map[string]any{
		"function": "get_status",
		"username": "alice",
	}, recipient.PublicKey(), nil, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if responseKey == nil {
		t.Fatal("pack returned no response key")
	}
	if req.Signature != "" || req.ServiceUID != "" {
		t.Fatalf("anonymous request carries sender identity: %+v", req)
	}

	up, err := Unpack(req, selectorFor(t, recipient), nil)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if up.Function != "get_status" {
		t.Fatalf("function = %q", up.Function)
	}
	if up.SenderUID != "" {
		t.Fatalf("anonymous call has sender %q", up.SenderUID)
	}
	var args struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(up.Args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.Username != "alice" {
		t.Fatalf("username = %q", args.Username)
	}

	resp, err := PackResponse(up, map[string]string{"status": "valid"}, responderCert)
	if err != nil {
		t.Fatalf("pack response: %v", err)
	}
	if resp.EncryptedData == "" || resp.Signature == "" {
		t.Fatalf("response not sealed and signed: %+v", resp)
	}

	var out map[string]string
	if err := OpenResponse(resp, responseKey, responderCert.PublicKey(), &out); err != nil {
		t.Fatalf("open response: %v", err)
	}
	if out["status"] != "valid" {
		t.Fatalf("response body = %v", out)
	}
}

func TestSignedRequestsIdentifyTheSender(t *testing.T) {
	recipient := mustKey(t)
	senderCert := mustKey(t)

	caller := &Caller{
		ServiceUID:   "svc-accounting",
		CanonicalURL: "https://hub.example.com/t/accounting",
		PrivateCert:  senderCert,
	}
	req, _, err := Pack(map[string]any{"function": "deposit"}, recipient.PublicKey(), caller, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if req.Signature == "" || req.SignatureFingerprint == "" {
		t.Fatalf("signed request missing signature fields: %+v", req)
	}

	resolve := func(serviceUID, fingerprint string) (*crypto.PublicKey, error) {
		if serviceUID != "svc-accounting" {
			return nil, fmt.Errorf("%w: unknown peer %s", domain.ErrUntrusted, serviceUID)
		}
		return senderCert.PublicKey(), nil
	}
	up, err := Unpack(req, selectorFor(t, recipient), resolve)
	if err != nil {
		t.Fatalf("unpack signed: %v", err)
	}
	if up.SenderUID != "svc-accounting" {
		t.Fatalf("sender = %q", up.SenderUID)
	}

	// An unknown signer is refused outright, not downgraded to anonymous.
	req.ServiceUID = "svc-imposter"
	if _, err := Unpack(req, selectorFor(t, recipient), resolve); !errors.Is(err, domain.ErrUntrusted) {
		t.Fatalf("unknown signer err = %v, want ErrUntrusted", err)
	}
}

func TestTamperedEnvelopesAreRejected(t *testing.T) {
	recipient := mustKey(t)
	senderCert := mustKey(t)
	caller := &Caller{ServiceUID: "svc-a", PrivateCert: senderCert}

	req, _, err := Pack(map[string]any{"function": "deposit"}, recipient.PublicKey(), caller, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	resolve := func(string, string) (*crypto.PublicKey, error) {
		return senderCert.PublicKey(), nil
	}

	ciphertext, err := encoding.StringToBytes(req.EncryptedData)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	tampered := *req
	tampered.EncryptedData = encoding.BytesToString(ciphertext)
	if _, err := Unpack(&tampered, selectorFor(t, recipient), resolve); err == nil {
		t.Fatal("tampered ciphertext unpacked")
	}

	other := mustKey(t)
	sig, err := other.Sign([]byte("something else"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resigned := *req
	resigned.Signature = encoding.BytesToString(sig)
	if _, err := Unpack(&resigned, selectorFor(t, recipient), resolve); err == nil {
		t.Fatal("forged signature unpacked")
	}
}

func TestRotatedKeysStillOpenInFlightCalls(t *testing.T) {
	oldKey := mustKey(t)
	newKey := mustKey(t)

	// Packed against the old key before rotation.
	req, _, err := Pack(map[string]any{"function": "get_record"}, oldKey.PublicKey(), nil, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	up, err := Unpack(req, selectorFor(t, newKey, oldKey), nil)
	if err != nil {
		t.Fatalf("unpack with rotated keys: %v", err)
	}
	if up.Function != "get_record" {
		t.Fatalf("function = %q", up.Function)
	}
}

func TestPlainResponseWhenNoResponseKeyTravels(t *testing.T) {
	recipient := mustKey(t)
	req, responseKey, err := Pack(map[string]any{"function": "get_record"}, recipient.PublicKey(), nil, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if responseKey != nil {
		t.Fatal("pack returned a response key it was not asked for")
	}
	up, err := Unpack(req, selectorFor(t, recipient), nil)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	resp, err := PackResponse(up, map[string]string{"uid": "svc-1"}, nil)
	if err != nil {
		t.Fatalf("pack response: %v", err)
	}
	if resp.EncryptedData != "" {
		t.Fatal("response sealed without a response key")
	}
	var out map[string]string
	if err := OpenResponse(resp, nil, nil, &out); err != nil {
		t.Fatalf("open plain response: %v", err)
	}
	if out["uid"] != "svc-1" {
		t.Fatalf("response body = %v", out)
	}
}

func TestRemoteErrorsUnwrapToSentinels(t *testing.T) {
	resp := ErrorResponse(fmt.Errorf("%w: cheque bounced", domain.ErrPayment))
	if resp.Status == 0 {
		t.Fatal("error response has success status")
	}

	err := OpenResponse(resp, nil, nil, nil)
	if err == nil {
		t.Fatal("error response opened cleanly")
	}
	var remote *RemoteCallError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %T, want RemoteCallError", err)
	}
	if remote.ExceptionClass != "PaymentError" {
		t.Fatalf("exception class = %q", remote.ExceptionClass)
	}
	if !errors.Is(err, domain.ErrPayment) {
		t.Fatalf("err = %v, does not unwrap to ErrPayment", err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		t.Fatal("err unwraps to an unrelated sentinel")
	}
}
