package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

// ChequeRequest is the client's view of the cheque to write.
type ChequeRequest struct {
	AccountUID   string
	Resource     string
	MaxSpend     decimal.Decimal
	RecipientURL string
	ExpiryDate   time.Time
}

// ChequeResource is the authorisation resource string for a cheque: the
// hash of the canonical payload with the authorisation itself left out.
func ChequeResource(info *domain.ChequeInfo) (string, error) {
	payload, err := encoding.CanonicalJSON(map[string]any{
		"uid":           info.UID,
		"recipient_url": info.RecipientURL,
		"max_spend":     info.MaxSpend,
		"expiry_date":   encoding.DatetimeToString(info.ExpiryDate),
		"resource":      info.Resource,
		"account_uid":   info.AccountUID,
	})
	if err != nil {
		return "", err
	}
	return "cheque " + crypto.SHA256Hex(payload), nil
}

// WriteCheque seals a payment order to the accounting service's public key.
// signAuth lets the caller's session keys sign the cheque's resource string;
// only the accounting service can ever open the result.
func WriteCheque(req ChequeRequest, accountingURL string, accountingKey *crypto.PublicKey, signAuth func(resource string) (*domain.Authorisation, error)) (*domain.Cheque, error) {
	if !req.MaxSpend.IsPositive() {
		return nil, fmt.Errorf("%w: max_spend must be positive", domain.ErrPayment)
	}
	if req.RecipientURL == "" || req.AccountUID == "" {
		return nil, fmt.Errorf("%w: a cheque needs a recipient and an account", domain.ErrPayment)
	}

	info := domain.ChequeInfo{
		UID:          encoding.CreateUUID(),
		RecipientURL: req.RecipientURL,
		MaxSpend:     req.MaxSpend.String(),
		ExpiryDate:   req.ExpiryDate.UTC(),
		Resource:     req.Resource,
		AccountUID:   req.AccountUID,
	}
	resource, err := ChequeResource(&info)
	if err != nil {
		return nil, err
	}
	auth, err := signAuth(resource)
	if err != nil {
		return nil, err
	}
	info.Authorisation = auth

	payload, err := encoding.CanonicalJSON(info)
	if err != nil {
		return nil, err
	}
	sealed, err := accountingKey.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	fingerprint, err := accountingKey.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &domain.Cheque{
		AccountingURL: accountingURL,
		Fingerprint:   fingerprint,
		EncryptedData: sealed,
	}, nil
}

// CounterSign witnesses that this service received the cheque as its
// intended recipient. Presentment without a countersignature is refused.
func CounterSign(cheque *domain.Cheque, svc *service.Context) error {
	sig, err := svc.PrivateCert.Sign(cheque.EncryptedData)
	if err != nil {
		return err
	}
	cheque.CounterSignature = encoding.BytesToString(sig)
	cheque.CounterUID = svc.UID
	return nil
}

// CashRequest is presented by the countersigning service.
type CashRequest struct {
	Cheque              *domain.Cheque
	Spend               decimal.Decimal
	Resource            string
	RecipientAccountUID string
	ReceiptBy           time.Time
}

// chequeMarker is the cheques_cashed consumption record. It names the credit
// note so the original presenter can retry across a lost response.
type chequeMarker struct {
	CounterUID string    `json:"counter_uid"`
	NoteUID    string    `json:"note_uid"`
	CashedAt   time.Time `json:"cashed_at"`
}

// CashCheque opens a presented cheque, checks every clause and performs the
// provisional transfer. Presentments of one cheque are serialised by its
// mutex, and the consumption marker is claimed only after money moves: a
// presentment the ledger refuses leaves the cheque cashable, and the original
// presenter replaying the same presentment gets the same credit note back.
func (l *Ledger) CashCheque(ctx context.Context, req CashRequest, verifier AuthorisationVerifier) (*domain.CreditNote, error) {
	cheque := req.Cheque
	if cheque == nil || cheque.CounterSignature == "" || cheque.CounterUID == "" {
		return nil, fmt.Errorf("%w: cheque is not countersigned", domain.ErrPayment)
	}

	key, err := l.Svc.SelectKey(cheque.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: cheque was sealed to an unknown key", domain.ErrPayment)
	}
	payload, err := key.Decrypt(cheque.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: cheque will not open", domain.ErrPayment)
	}
	var info domain.ChequeInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("%w: malformed cheque payload", domain.ErrPayment)
	}

	if err := l.verifyCounterSignature(ctx, cheque, &info); err != nil {
		return nil, err
	}

	maxSpend, err := decimal.NewFromString(info.MaxSpend)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed max_spend on cheque", domain.ErrPayment)
	}
	if req.Spend.GreaterThan(maxSpend) {
		return nil, fmt.Errorf("%w: spend %s exceeds cheque limit %s", domain.ErrPayment, req.Spend, maxSpend)
	}
	if req.Resource != info.Resource {
		return nil, fmt.Errorf("%w: cheque was written for a different resource", domain.ErrPayment)
	}
	if !l.now().Before(info.ExpiryDate) {
		return nil, fmt.Errorf("%w: cheque expired at %s", domain.ErrPayment, info.ExpiryDate.Format(time.RFC3339))
	}

	resource, err := ChequeResource(&info)
	if err != nil {
		return nil, err
	}
	if info.Authorisation == nil {
		return nil, fmt.Errorf("%w: cheque carries no authorisation", domain.ErrPayment)
	}
	if err := verifier.VerifyStale(ctx, info.Authorisation, resource); err != nil {
		return nil, err
	}

	m := l.chequeMutex(info.UID)
	if err := m.Lock(ctx, accountMutexTimeout); err != nil {
		return nil, err
	}
	defer m.Unlock(ctx)

	var seen chequeMarker
	err = objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, chequeCashedPrefix+info.UID, &seen)
	if err == nil {
		return l.replayedNote(ctx, cheque, req, &seen, info.UID)
	}
	if !errors.Is(err, domain.ErrObjectNotFound) {
		return nil, err
	}

	tx := domain.Transaction{Value: req.Spend, Description: "cash cheque " + info.UID}
	note, err := l.Perform(ctx, tx, info.AccountUID, req.RecipientAccountUID, req.ReceiptBy, info.Authorisation, info.Resource)
	if err != nil {
		return nil, err
	}
	marker := chequeMarker{CounterUID: cheque.CounterUID, NoteUID: note.UID, CashedAt: l.now().UTC()}
	if _, err := objstore.SetJSONIfAbsent(ctx, l.Svc.Store, l.Svc.Bucket, chequeCashedPrefix+info.UID, marker, nil); err != nil {
		return nil, err
	}
	return note, nil
}

// replayedNote answers a re-presentment of an already-cashed cheque. The
// original presenter retrying the same spend converges on the note it was
// owed; anything else is a second consumption attempt and is refused.
func (l *Ledger) replayedNote(ctx context.Context, cheque *domain.Cheque, req CashRequest, marker *chequeMarker, chequeUID string) (*domain.CreditNote, error) {
	cashed := fmt.Errorf("%w: cheque %s has already been cashed", domain.ErrPayment, chequeUID)
	if marker.CounterUID != cheque.CounterUID {
		return nil, cashed
	}
	var note domain.CreditNote
	if err := objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, openNotePrefix+marker.NoteUID, &note); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, cashed
		}
		return nil, err
	}
	if !note.Value.Equal(req.Spend) {
		return nil, cashed
	}
	return &note, nil
}

// verifyCounterSignature checks the witness is a trusted peer whose
// canonical URL is the cheque's intended recipient.
func (l *Ledger) verifyCounterSignature(ctx context.Context, cheque *domain.Cheque, info *domain.ChequeInfo) error {
	rec, err := l.Svc.TrustedByUID(ctx, cheque.CounterUID)
	if err != nil {
		return err
	}
	if rec.CanonicalURL != info.RecipientURL {
		return fmt.Errorf("%w: cheque was written for %s, presented by %s", domain.ErrPayment, info.RecipientURL, rec.CanonicalURL)
	}
	certs, err := service.RecordCerts(rec)
	if err != nil {
		return err
	}
	sig, err := encoding.StringToBytes(cheque.CounterSignature)
	if err != nil {
		return fmt.Errorf("%w: malformed countersignature", domain.ErrPayment)
	}
	for _, cert := range certs {
		if cert.Verify(cheque.EncryptedData, sig) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: countersignature does not verify", domain.ErrPayment)
}
