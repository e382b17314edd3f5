package access

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/accounting"
	"acquire/internal/domain"
	"acquire/internal/envelope"
	"acquire/internal/infra/crypto"
	"acquire/internal/service"
)

// peerCall packs one envelope call to a trusted peer and opens the reply.
func peerCall(ctx context.Context, client *envelope.Client, svc *service.Context, peerUID string, args map[string]any, out any) error {
	rec, err := svc.TrustedByUID(ctx, peerUID)
	if err != nil {
		return err
	}
	keys, err := service.RecordKeys(rec)
	if err != nil {
		return err
	}
	certs, err := service.RecordCerts(rec)
	if err != nil {
		return err
	}
	caller := &envelope.Caller{
		ServiceUID:   svc.UID,
		CanonicalURL: svc.CanonicalURL,
		PrivateCert:  svc.PrivateCert,
	}
	req, responseKey, err := envelope.Pack(args, keys[0], caller, true)
	if err != nil {
		return err
	}
	resp, err := client.Post(ctx, rec.CanonicalURL, req)
	if err != nil {
		return err
	}
	return envelope.OpenResponse(resp, responseKey, certs[0], out)
}

// RemotePayments presents cheques to the accounting service. It countersigns
// with this service's cert first, since accounting refuses unwitnessed
// cheques.
type RemotePayments struct {
	Client        *envelope.Client
	Svc           *service.Context
	AccountingUID string
	AccountUID    string
}

func (p *RemotePayments) CashCheque(ctx context.Context, cheque *domain.Cheque, spend decimal.Decimal, resource string, receiptBy time.Time) (*domain.CreditNote, error) {
	if err := accounting.CounterSign(cheque, p.Svc); err != nil {
		return nil, err
	}
	args := map[string]any{
		"function":              "cash_cheque",
		"cheque":                cheque,
		"spend":                 spend.String(),
		"resource":              resource,
		"recipient_account_uid": p.AccountUID,
		"receipt_by":            receiptBy.UTC(),
	}
	var note domain.CreditNote
	if err := peerCall(ctx, p.Client, p.Svc, p.AccountingUID, args, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

// RemoteProvisioner creates output drives and capabilities on the storage
// service. The broker's service user must hold owner rights there, which the
// create_drive call grants through the ACLs it installs.
type RemoteProvisioner struct {
	Client     *envelope.Client
	Svc        *service.Context
	StorageUID string
}

func (p *RemoteProvisioner) CreateOutputDrive(ctx context.Context, name string, acls map[string]domain.ACLRule) (*domain.Drive, error) {
	args := map[string]any{
		"function": "create_drive",
		"name":     name,
		"acls":     acls,
	}
	var drive domain.Drive
	if err := peerCall(ctx, p.Client, p.Svc, p.StorageUID, args, &drive); err != nil {
		return nil, err
	}
	return &drive, nil
}

func (p *RemoteProvisioner) CreateWriterPAR(ctx context.Context, driveUID string, expires time.Time) (*domain.PAR, error) {
	args := map[string]any{
		"function":         "create_par",
		"drive_uid":        driveUID,
		"writeable":        true,
		"readable":         true,
		"duration_seconds": int64(time.Until(expires) / time.Second),
	}
	var par domain.PAR
	if err := peerCall(ctx, p.Client, p.Svc, p.StorageUID, args, &par); err != nil {
		return nil, err
	}
	return &par, nil
}

// submitAck is the wire shape of the submit_job reply.
type submitAck struct {
	WorksheetUID string `json:"worksheet_uid"`
	Status       string `json:"status"`
}

// RemoteSubmitter hands jobs to the compute service.
type RemoteSubmitter struct {
	Client     *envelope.Client
	Svc        *service.Context
	ComputeUID string
}

func (s *RemoteSubmitter) SubmitJob(ctx context.Context, worksheetUID string, request domain.RunRequest, output domain.Location, par *domain.PAR, cheque *domain.Cheque) error {
	args := map[string]any{
		"function":      "submit_job",
		"worksheet_uid": worksheetUID,
		"request":       request,
		"output":        output,
		"par":           par,
		"cheque":        cheque,
	}
	var ack submitAck
	return peerCall(ctx, s.Client, s.Svc, s.ComputeUID, args, &ack)
}

// AccountChequeWriter draws cheques on one account. Writing a cheque is a
// local operation: it only needs the accounting service's public key and a
// way to sign the authorisation.
type AccountChequeWriter struct {
	AccountUID    string
	AccountingURL string
	AccountingKey *crypto.PublicKey
	SignAuth      func(resource string) (*domain.Authorisation, error)
}

func (w *AccountChequeWriter) WriteCheque(resource string, maxSpend decimal.Decimal, recipientURL string, expiry time.Time) (*domain.Cheque, error) {
	return accounting.WriteCheque(accounting.ChequeRequest{
		AccountUID:   w.AccountUID,
		Resource:     resource,
		MaxSpend:     maxSpend,
		RecipientURL: recipientURL,
		ExpiryDate:   expiry,
	}, w.AccountingURL, w.AccountingKey, w.SignAuth)
}
