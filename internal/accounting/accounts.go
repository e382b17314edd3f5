// Package accounting implements the double-entry ledger: account heads,
// immutable daily transaction segments, two-phase provisional transactions
// with credit notes, and the cheque instrument.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/mutex"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
)

const (
	accountKeyPrefix     = "accounts/"
	accountNamePrefix    = "accounts/name/"
	transactionKeyPrefix = "transactions/"
	chequeCashedPrefix   = "cheques_cashed/"
	openNotePrefix       = "credit_notes/open/"
	closedNotePrefix     = "credit_notes/closed/"
	pendingDebitPrefix   = "debits/pending/"

	accountMutexTTL     = 30 * time.Second
	accountMutexTimeout = 10 * time.Second
)

// DefaultReceiptWindow bounds how long a provisional credit may stay open
// before any observer may cancel it.
const DefaultReceiptWindow = 24 * time.Hour

// AuthorisationVerifier is the slice of the identity verifier the ledger
// needs. Cheques carry authorisations that may predate the freshness window,
// so cashing uses the stale-tolerant form; the cheque's own expiry bounds it.
type AuthorisationVerifier interface {
	Verify(ctx context.Context, auth *domain.Authorisation, resource string) error
	VerifyStale(ctx context.Context, auth *domain.Authorisation, resource string) error
}

// Ledger is the accounting usecase layer for one service deployment.
type Ledger struct {
	Svc           *service.Context
	ReceiptWindow time.Duration

	now func() time.Time
}

func New(svc *service.Context) *Ledger {
	return &Ledger{Svc: svc, ReceiptWindow: DefaultReceiptWindow, now: time.Now}
}

// WithClock overrides time for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateAccount claims the (user, name) pair atomically and writes the head
// record with a zero balance.
func (l *Ledger) CreateAccount(ctx context.Context, userUID, name, description string, overdraftLimit, dailyLimit decimal.Decimal) (*domain.Account, error) {
	name = strings.TrimSpace(name)
	if userUID == "" || name == "" {
		return nil, fmt.Errorf("%w: an account needs an owner and a name", domain.ErrPayment)
	}
	if overdraftLimit.IsNegative() || dailyLimit.IsNegative() {
		return nil, fmt.Errorf("%w: limits cannot be negative", domain.ErrPayment)
	}

	uid := encoding.CreateUUID()
	nameKey := accountNamePrefix + userUID + "/" + name
	_, installed, err := objstore.SetStringIfAbsent(ctx, l.Svc.Store, l.Svc.Bucket, nameKey, uid)
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, fmt.Errorf("%w: account %q already exists for this user", domain.ErrAlreadyExists, name)
	}

	now := l.now().UTC()
	account := domain.Account{
		UID:              uid,
		UserUID:          userUID,
		Name:             name,
		Description:      description,
		OverdraftLimit:   overdraftLimit,
		DailyLimit:       dailyLimit,
		Balance:          decimal.Zero,
		Liability:        decimal.Zero,
		Receivable:       decimal.Zero,
		SpentToday:       decimal.Zero,
		DateOfSpentToday: ledgerDay(now),
		CreatedAt:        now,
	}
	if err := l.saveHead(ctx, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount reads the head record.
func (l *Ledger) GetAccount(ctx context.Context, uid string) (*domain.Account, error) {
	var account domain.Account
	if err := objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, accountKeyPrefix+uid, &account); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: unknown account %s", domain.ErrNotFound, uid)
		}
		return nil, err
	}
	return &account, nil
}

// AccountUID resolves an account by owner and name.
func (l *Ledger) AccountUID(ctx context.Context, userUID, name string) (string, error) {
	uid, err := objstore.GetString(ctx, l.Svc.Store, l.Svc.Bucket, accountNamePrefix+userUID+"/"+name)
	if err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: no account %q for user %s", domain.ErrNotFound, name, userUID)
		}
		return "", err
	}
	return uid, nil
}

func (l *Ledger) saveHead(ctx context.Context, account *domain.Account) error {
	return objstore.SetJSON(ctx, l.Svc.Store, l.Svc.Bucket, accountKeyPrefix+account.UID, account)
}

func (l *Ledger) accountMutex(uid string) *mutex.Mutex {
	return mutex.New(l.Svc.Store, l.Svc.Bucket, "account/"+uid, accountMutexTTL).WithClock(l.now)
}

func (l *Ledger) chequeMutex(uid string) *mutex.Mutex {
	return mutex.New(l.Svc.Store, l.Svc.Bucket, "cheque/"+uid, accountMutexTTL).WithClock(l.now)
}

// ledgerDay is the UTC day tag used for the spent-today roll and the
// transaction key hierarchy.
func ledgerDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func transactionKey(accountUID string, at time.Time, txUID string) string {
	return transactionKeyPrefix + accountUID + "/" + at.UTC().Format("2006/01/02") + "/" + txUID
}
