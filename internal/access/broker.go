// Package access implements the job broker: it takes a paid run request,
// provisions the output drive, pays the downstream services and hands the
// job to compute, recording every step on a recoverable WorkSheet.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/mutex"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

const (
	worksheetKeyPrefix = "worksheet/"
	worksheetMutexTTL  = 30 * time.Second
	worksheetMutexWait = 10 * time.Second
)

// Payments is the slice of the accounting service the broker uses: cashing
// the requester's cheque into the broker's own account.
type Payments interface {
	CashCheque(ctx context.Context, cheque *domain.Cheque, spend decimal.Decimal, resource string, receiptBy time.Time) (*domain.CreditNote, error)
}

// Provisioner is the slice of the storage service: the per-job output drive
// and the writer capability that compute gets.
type Provisioner interface {
	CreateOutputDrive(ctx context.Context, name string, acls map[string]domain.ACLRule) (*domain.Drive, error)
	CreateWriterPAR(ctx context.Context, driveUID string, expires time.Time) (*domain.PAR, error)
}

// Submitter hands the finished worksheet to the compute service.
type Submitter interface {
	SubmitJob(ctx context.Context, worksheetUID string, request domain.RunRequest, output domain.Location, par *domain.PAR, cheque *domain.Cheque) error
}

// ChequeWriter draws downstream cheques on the broker's own account.
type ChequeWriter interface {
	WriteCheque(resource string, maxSpend decimal.Decimal, recipientURL string, expiry time.Time) (*domain.Cheque, error)
}

// CostPolicy decides the price of a job and how it splits between the
// compute and storage services. The default treats the caller's max_spend as
// the price; real cost estimation is a deployment concern.
type CostPolicy interface {
	Split(request domain.RunRequest, maxSpend decimal.Decimal) (total, compute, storage decimal.Decimal, err error)
}

// ProportionalCost charges the full max_spend and gives storage a fixed
// share of it.
type ProportionalCost struct {
	StorageShare decimal.Decimal
}

func DefaultCostPolicy() ProportionalCost {
	return ProportionalCost{StorageShare: decimal.RequireFromString("0.2")}
}

func (p ProportionalCost) Split(_ domain.RunRequest, maxSpend decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	if !maxSpend.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: max_spend must be positive", domain.ErrPayment)
	}
	storage := maxSpend.Mul(p.StorageShare).Round(6)
	return maxSpend, maxSpend.Sub(storage), storage, nil
}

// Broker runs the worksheet state machine.
type Broker struct {
	Svc      *service.Context
	Payments Payments
	Storage  Provisioner
	Compute  Submitter
	Cheques  ChequeWriter
	Cost     CostPolicy

	ComputeURL string
	StorageURL string

	now func() time.Time
}

func NewBroker(svc *service.Context) *Broker {
	return &Broker{Svc: svc, Cost: DefaultCostPolicy(), now: time.Now}
}

// WithClock overrides time for tests.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// RequestFingerprint is the resource string a run request's payment cheque
// must be written for.
func RequestFingerprint(request domain.RunRequest) (string, error) {
	payload, err := encoding.CanonicalJSON(request)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(payload), nil
}

// Submit records a new worksheet exactly once and drives it as far as it
// will go. Re-submitting the same request UID returns the existing sheet.
func (b *Broker) Submit(ctx context.Context, request domain.RunRequest, requesterUID string, cheque *domain.Cheque, maxSpend decimal.Decimal, auth *domain.Authorisation) (*domain.WorkSheet, error) {
	if request.UID == "" {
		return nil, fmt.Errorf("%w: run request needs a uid", domain.ErrService)
	}
	if cheque == nil {
		return nil, fmt.Errorf("%w: a run request must carry a cheque", domain.ErrPayment)
	}
	now := b.now().UTC()
	if !request.Deadline.After(now) {
		return nil, fmt.Errorf("%w: job deadline is already past", domain.ErrService)
	}

	sheet := domain.WorkSheet{
		UID:           encoding.CreateUUID(),
		Request:       request,
		RequesterUID:  requesterUID,
		PaymentCheque: cheque,
		MaxSpend:      maxSpend.String(),
		Authorisation: auth,
		Status:        domain.WorkAwaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// The request UID is the exactly-once claim: a replayed submission maps
	// to the worksheet that won.
	claimKey := worksheetKeyPrefix + "request/" + request.UID
	stored, installed, err := objstore.SetStringIfAbsent(ctx, b.Svc.Store, b.Svc.Bucket, claimKey, sheet.UID)
	if err != nil {
		return nil, err
	}
	if !installed {
		existing, err := b.GetWorkSheet(ctx, stored)
		if err != nil {
			return nil, err
		}
		return existing, b.Execute(ctx, existing.UID)
	}

	if err := b.saveSheet(ctx, &sheet); err != nil {
		return nil, err
	}
	if err := b.Execute(ctx, sheet.UID); err != nil {
		return &sheet, err
	}
	return b.GetWorkSheet(ctx, sheet.UID)
}

// GetWorkSheet loads a worksheet record.
func (b *Broker) GetWorkSheet(ctx context.Context, uid string) (*domain.WorkSheet, error) {
	var sheet domain.WorkSheet
	if err := objstore.GetJSON(ctx, b.Svc.Store, b.Svc.Bucket, worksheetKeyPrefix+uid, &sheet); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: unknown worksheet %s", domain.ErrNotFound, uid)
		}
		return nil, err
	}
	return &sheet, nil
}

// Execute advances the worksheet until it is submitted or fails. It is safe
// to replay after a crash: each step checks for its own outputs on the sheet
// before acting, and the whole run holds the worksheet's mutex.
func (b *Broker) Execute(ctx context.Context, uid string) error {
	m := mutex.New(b.Svc.Store, b.Svc.Bucket, worksheetKeyPrefix+uid, worksheetMutexTTL).WithClock(b.now)
	if err := m.Lock(ctx, worksheetMutexWait); err != nil {
		return err
	}
	defer m.Unlock(ctx)

	sheet, err := b.GetWorkSheet(ctx, uid)
	if err != nil {
		return err
	}

	for {
		var step func(context.Context, *domain.WorkSheet) error
		switch sheet.Status {
		case domain.WorkAwaiting:
			step = b.cashPayment
		case domain.WorkPaid:
			step = b.provisionOutput
		case domain.WorkPaidHaveDrive:
			step = b.writeDownstreamCheques
		case domain.WorkSubmitting:
			step = b.submitToCompute
		case domain.WorkSubmitted, domain.WorkFailed:
			return nil
		default:
			return fmt.Errorf("%w: worksheet %s in unknown state %q", domain.ErrService, uid, sheet.Status)
		}

		if err := step(ctx, sheet); err != nil {
			sheet.Status = domain.WorkFailed
			sheet.LastError = err.Error()
			sheet.UpdatedAt = b.now().UTC()
			if saveErr := b.saveSheet(ctx, sheet); saveErr != nil {
				return saveErr
			}
			return err
		}
		if err := b.saveSheet(ctx, sheet); err != nil {
			return err
		}
	}
}

// cashPayment cashes the requester's cheque for the job's price. A sheet that
// already holds credit notes skips straight through; a replay whose note
// never reached the sheet converges because the ledger answers the same
// presentment with the original credit note.
func (b *Broker) cashPayment(ctx context.Context, sheet *domain.WorkSheet) error {
	if len(sheet.CreditNotes) == 0 {
		maxSpend, err := decimal.NewFromString(sheet.MaxSpend)
		if err != nil {
			return fmt.Errorf("%w: malformed max_spend on worksheet", domain.ErrPayment)
		}
		total, _, _, err := b.Cost.Split(sheet.Request, maxSpend)
		if err != nil {
			return err
		}
		resource, err := RequestFingerprint(sheet.Request)
		if err != nil {
			return err
		}
		note, err := b.Payments.CashCheque(ctx, sheet.PaymentCheque, total, resource, sheet.Request.Deadline)
		if err != nil {
			return err
		}
		sheet.CreditNotes = append(sheet.CreditNotes, *note)
	}
	return b.advance(sheet, domain.WorkPaid)
}

// provisionOutput creates the output drive owned by this service's user with
// the requester as reader, and the writer capability for compute.
func (b *Broker) provisionOutput(ctx context.Context, sheet *domain.WorkSheet) error {
	if sheet.OutputPAR == nil {
		drive, err := b.Storage.CreateOutputDrive(ctx, "output-"+sheet.UID, map[string]domain.ACLRule{
			b.Svc.UID:          domain.ACLOwner(),
			sheet.RequesterUID: domain.ACLReader(),
		})
		if err != nil {
			return err
		}
		par, err := b.Storage.CreateWriterPAR(ctx, drive.UID, sheet.Request.Deadline)
		if err != nil {
			return err
		}
		sheet.OutputLocation = &domain.Location{DriveGUID: drive.GUID()}
		sheet.OutputPAR = par
	}
	return b.advance(sheet, domain.WorkPaidHaveDrive)
}

// writeDownstreamCheques draws the compute and storage cheques on this
// service's account, each bounded by the job deadline.
func (b *Broker) writeDownstreamCheques(ctx context.Context, sheet *domain.WorkSheet) error {
	if sheet.ComputeCheque == nil || sheet.StorageCheque == nil {
		maxSpend, err := decimal.NewFromString(sheet.MaxSpend)
		if err != nil {
			return fmt.Errorf("%w: malformed max_spend on worksheet", domain.ErrPayment)
		}
		_, computeShare, storageShare, err := b.Cost.Split(sheet.Request, maxSpend)
		if err != nil {
			return err
		}
		resource, err := RequestFingerprint(sheet.Request)
		if err != nil {
			return err
		}
		if sheet.ComputeCheque == nil {
			cheque, err := b.Cheques.WriteCheque(resource, computeShare, b.ComputeURL, sheet.Request.Deadline)
			if err != nil {
				return err
			}
			sheet.ComputeCheque = cheque
		}
		if sheet.StorageCheque == nil {
			cheque, err := b.Cheques.WriteCheque(resource, storageShare, b.StorageURL, sheet.Request.Deadline)
			if err != nil {
				return err
			}
			sheet.StorageCheque = cheque
		}
	}
	return b.advance(sheet, domain.WorkSubmitting)
}

// submitToCompute hands the job over. The compute side records jobs by
// worksheet UID, so a replayed submission is acknowledged, not duplicated.
func (b *Broker) submitToCompute(ctx context.Context, sheet *domain.WorkSheet) error {
	if sheet.OutputLocation == nil || sheet.OutputPAR == nil {
		return fmt.Errorf("%w: worksheet %s has no output drive", domain.ErrService, sheet.UID)
	}
	if err := b.Compute.SubmitJob(ctx, sheet.UID, sheet.Request, *sheet.OutputLocation, sheet.OutputPAR, sheet.ComputeCheque); err != nil {
		return err
	}
	return b.advance(sheet, domain.WorkSubmitted)
}

func (b *Broker) advance(sheet *domain.WorkSheet, to domain.WorkStatus) error {
	if !sheet.Status.Next(to) {
		return fmt.Errorf("%w: illegal worksheet transition %q -> %q", domain.ErrService, sheet.Status, to)
	}
	sheet.Status = to
	sheet.UpdatedAt = b.now().UTC()
	return nil
}

func (b *Broker) saveSheet(ctx context.Context, sheet *domain.WorkSheet) error {
	return objstore.SetJSON(ctx, b.Svc.Store, b.Svc.Bucket, worksheetKeyPrefix+sheet.UID, sheet)
}
