package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
)

// depositFloat is the overdraft ceiling of the service's own deposits
// account, which stands in for money entering from outside the ledger.
var depositFloat = decimal.New(1, 12)

// pendingDebit tracks a provisional pair in flight: it is written before the
// debit lands and removed once the credit note exists, so a crash anywhere in
// between leaves a marker the sweeper can reconcile.
type pendingDebit struct {
	TxUID            string          `json:"tx_uid"`
	NoteUID          string          `json:"note_uid"`
	DebitAccountUID  string          `json:"debit_account_uid"`
	CreditAccountUID string          `json:"credit_account_uid"`
	Value            decimal.Decimal `json:"value"`
	Timestamp        time.Time       `json:"timestamp"`
	ReceiptBy        time.Time       `json:"receipt_by"`
}

// Perform writes a provisional debit/credit pair and returns the credit
// note that realises it. The debit side goes first under its account's
// mutex; if the credit side refuses, the debit is rolled back, and a debit
// orphaned by a crash is compensated by the sweeper.
func (l *Ledger) Perform(ctx context.Context, tx domain.Transaction, debitUID, creditUID string, receiptBy time.Time, auth *domain.Authorisation, resource string) (*domain.CreditNote, error) {
	if err := l.validateTransfer(tx.Value, debitUID, creditUID); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	if !receiptBy.After(now) {
		return nil, fmt.Errorf("%w: receipt_by is already past", domain.ErrPayment)
	}

	txUID := encoding.CreateUUID()
	noteUID := encoding.CreateUUID()
	record := domain.TransactionRecord{
		UID:                 txUID,
		DebitAccountUID:     debitUID,
		CreditAccountUID:    creditUID,
		Value:               tx.Value,
		State:               domain.EntryProvisional,
		Description:         tx.Description,
		ResourceFingerprint: resource,
		Authorisation:       auth,
		Timestamp:           now,
		ReceiptBy:           receiptBy,
	}
	pending := pendingDebit{
		TxUID:            txUID,
		NoteUID:          noteUID,
		DebitAccountUID:  debitUID,
		CreditAccountUID: creditUID,
		Value:            tx.Value,
		Timestamp:        now,
		ReceiptBy:        receiptBy,
	}
	pendingKey := pendingDebitPrefix + txUID
	if err := objstore.SetJSON(ctx, l.Svc.Store, l.Svc.Bucket, pendingKey, pending); err != nil {
		return nil, err
	}

	if err := l.applyDebit(ctx, debitUID, record, domain.EntryProvisional); err != nil {
		l.Svc.Store.DeleteObject(ctx, l.Svc.Bucket, pendingKey)
		return nil, err
	}
	if err := l.applyCredit(ctx, creditUID, record, domain.EntryProvisional); err != nil {
		// Back the debit out; if that fails the marker stays behind for the
		// sweeper.
		if rbErr := l.reverseDebit(ctx, debitUID, txUID, tx.Value); rbErr == nil {
			l.Svc.Store.DeleteObject(ctx, l.Svc.Bucket, pendingKey)
		}
		return nil, err
	}

	note := domain.CreditNote{
		UID:              noteUID,
		TransactionUID:   txUID,
		DebitAccountUID:  debitUID,
		CreditAccountUID: creditUID,
		Value:            tx.Value,
		ReceiptBy:        receiptBy,
		IssuedAt:         now,
	}
	if err := objstore.SetJSON(ctx, l.Svc.Store, l.Svc.Bucket, openNotePrefix+note.UID, note); err != nil {
		return nil, err
	}
	// Once the note exists the pair is complete; a marker that outlives this
	// delete is cleaned up by the sweeper without touching the accounts.
	l.Svc.Store.DeleteObject(ctx, l.Svc.Bucket, pendingKey)
	return &note, nil
}

// reverseDebit backs out a provisional debit whose credit side never landed.
func (l *Ledger) reverseDebit(ctx context.Context, accountUID, txUID string, value decimal.Decimal) error {
	record := domain.TransactionRecord{
		UID:             encoding.CreateUUID(),
		ParentUID:       txUID,
		Side:            domain.EntryDebit,
		DebitAccountUID: accountUID,
		Value:           value,
		State:           domain.EntryRefunded,
		Timestamp:       l.now().UTC(),
	}
	return l.withAccount(ctx, accountUID, func(account *domain.Account) error {
		if err := l.writeRecord(ctx, accountUID, record); err != nil {
			return err
		}
		account.Liability = account.Liability.Sub(value)
		account.SpentToday = account.SpentToday.Sub(value)
		if account.SpentToday.IsNegative() {
			account.SpentToday = decimal.Zero
		}
		return nil
	})
}

// PerformDirect finalises both sides immediately, with no credit note.
func (l *Ledger) PerformDirect(ctx context.Context, tx domain.Transaction, debitUID, creditUID string, auth *domain.Authorisation, resource string) (string, error) {
	if err := l.validateTransfer(tx.Value, debitUID, creditUID); err != nil {
		return "", err
	}
	record := domain.TransactionRecord{
		UID:                 encoding.CreateUUID(),
		DebitAccountUID:     debitUID,
		CreditAccountUID:    creditUID,
		Value:               tx.Value,
		State:               domain.EntryFinal,
		Description:         tx.Description,
		ResourceFingerprint: resource,
		Authorisation:       auth,
		Timestamp:           l.now().UTC(),
	}
	if err := l.applyDebit(ctx, debitUID, record, domain.EntryFinal); err != nil {
		return "", err
	}
	if err := l.applyCredit(ctx, creditUID, record, domain.EntryFinal); err != nil {
		return "", err
	}
	return record.UID, nil
}

// Deposit moves external money onto a user account through the service's
// own deposits account, which holds the float as a growing debit.
func (l *Ledger) Deposit(ctx context.Context, accountUID string, value decimal.Decimal, description string) (string, error) {
	depositsUID, err := l.depositsAccount(ctx)
	if err != nil {
		return "", err
	}
	return l.PerformDirect(ctx, domain.Transaction{Value: value, Description: description}, depositsUID, accountUID, nil, "")
}

func (l *Ledger) depositsAccount(ctx context.Context) (string, error) {
	uid, err := l.AccountUID(ctx, l.Svc.UID, "deposits")
	if err == nil {
		return uid, nil
	}
	account, err := l.CreateAccount(ctx, l.Svc.UID, "deposits", "external deposit float", depositFloat, decimal.Zero)
	if err == nil {
		return account.UID, nil
	}
	// Lost a creation race; the index now resolves.
	return l.AccountUID(ctx, l.Svc.UID, "deposits")
}

// noteClosure is the consumption marker that makes receipt/refund exactly
// once.
type noteClosure struct {
	State  domain.EntryState `json:"state"`
	Actual decimal.Decimal   `json:"actual"`
	At     time.Time         `json:"at"`
}

// Receipt converts a provisional pair into final entries for at most the
// provisional value. The difference is handed back to both heads.
func (l *Ledger) Receipt(ctx context.Context, note *domain.CreditNote, actual decimal.Decimal) error {
	return l.closeNote(ctx, note, domain.EntryReceipted, actual)
}

// Refund reverses the whole provisional pair.
func (l *Ledger) Refund(ctx context.Context, note *domain.CreditNote) error {
	return l.closeNote(ctx, note, domain.EntryRefunded, decimal.Zero)
}

// closeNote settles against the ledger's stored copy of the note; the
// caller's copy only names it, so tampered value or account fields carry no
// weight.
func (l *Ledger) closeNote(ctx context.Context, presented *domain.CreditNote, state domain.EntryState, actual decimal.Decimal) error {
	var note domain.CreditNote
	if err := objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, openNotePrefix+presented.UID, &note); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return fmt.Errorf("%w: credit note %s is not open", domain.ErrPayment, presented.UID)
		}
		return err
	}
	if state == domain.EntryReceipted && (actual.IsNegative() || actual.GreaterThan(note.Value)) {
		return fmt.Errorf("%w: receipted value %s exceeds provisional %s", domain.ErrPayment, actual, note.Value)
	}

	closure := noteClosure{State: state, Actual: actual, At: l.now().UTC()}
	var existing noteClosure
	installed, err := objstore.SetJSONIfAbsent(ctx, l.Svc.Store, l.Svc.Bucket, closedNotePrefix+note.UID, closure, &existing)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("%w: credit note %s already %s", domain.ErrPayment, note.UID, existing.State)
	}

	record := domain.TransactionRecord{
		UID:              encoding.CreateUUID(),
		ParentUID:        note.TransactionUID,
		DebitAccountUID:  note.DebitAccountUID,
		CreditAccountUID: note.CreditAccountUID,
		Value:            actual,
		State:            state,
		Timestamp:        l.now().UTC(),
	}

	if err := l.settleDebit(ctx, &note, record, actual); err != nil {
		return err
	}
	if err := l.settleCredit(ctx, &note, record, actual); err != nil {
		return err
	}
	return l.Svc.Store.DeleteObject(ctx, l.Svc.Bucket, openNotePrefix+note.UID)
}

// SweepExpired refunds every open credit note whose receipt deadline has
// passed and compensates provisional debits whose credit side never landed.
// Any party may run it; the closure markers keep it idempotent.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	swept, err := l.sweepPendingDebits(ctx)
	if err != nil {
		return swept, err
	}
	names, err := l.Svc.Store.ListObjectNames(ctx, l.Svc.Bucket, openNotePrefix)
	if err != nil {
		return swept, err
	}
	for _, name := range names {
		var note domain.CreditNote
		if err := objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, name, &note); err != nil {
			continue
		}
		if l.now().Before(note.ReceiptBy) {
			continue
		}
		if err := l.Refund(ctx, &note); err == nil {
			swept++
		}
	}
	return swept, nil
}

// sweepPendingDebits reconciles pending markers past their receipt deadline.
// A marker whose note exists names a completed pair and is just dropped; one
// whose debit landed with no note gets the debit reversed.
func (l *Ledger) sweepPendingDebits(ctx context.Context) (int, error) {
	names, err := l.Svc.Store.ListObjectNames(ctx, l.Svc.Bucket, pendingDebitPrefix)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, name := range names {
		var pending pendingDebit
		if err := objstore.GetJSON(ctx, l.Svc.Store, l.Svc.Bucket, name, &pending); err != nil {
			continue
		}
		if l.now().Before(pending.ReceiptBy) {
			continue
		}
		noted, err := l.hasAnyObject(ctx, openNotePrefix+pending.NoteUID, closedNotePrefix+pending.NoteUID)
		if err != nil {
			continue
		}
		if !noted {
			debited, err := l.hasAnyObject(ctx, transactionKey(pending.DebitAccountUID, pending.Timestamp, pending.TxUID))
			if err != nil {
				continue
			}
			if debited {
				if err := l.reverseDebit(ctx, pending.DebitAccountUID, pending.TxUID, pending.Value); err != nil {
					continue
				}
				swept++
			}
		}
		l.Svc.Store.DeleteObject(ctx, l.Svc.Bucket, name)
	}
	return swept, nil
}

func (l *Ledger) hasAnyObject(ctx context.Context, keys ...string) (bool, error) {
	for _, key := range keys {
		_, err := l.Svc.Store.GetObject(ctx, l.Svc.Bucket, key)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, domain.ErrObjectNotFound) {
			return false, err
		}
	}
	return false, nil
}

func (l *Ledger) validateTransfer(value decimal.Decimal, debitUID, creditUID string) error {
	if !value.IsPositive() {
		return fmt.Errorf("%w: transaction value must be positive", domain.ErrPayment)
	}
	if debitUID == "" || creditUID == "" || debitUID == creditUID {
		return fmt.Errorf("%w: a transfer needs two distinct accounts", domain.ErrPayment)
	}
	return nil
}

// applyDebit validates limits and applies one side under the account mutex.
func (l *Ledger) applyDebit(ctx context.Context, accountUID string, record domain.TransactionRecord, state domain.EntryState) error {
	return l.withAccount(ctx, accountUID, func(account *domain.Account) error {
		if account.DailyLimit.IsPositive() && account.SpentToday.Add(record.Value).GreaterThan(account.DailyLimit) {
			return fmt.Errorf("%w: daily limit %s exceeded on account %s", domain.ErrPayment, account.DailyLimit, accountUID)
		}
		headroom := account.Balance.Sub(account.Liability).Sub(record.Value)
		if headroom.LessThan(account.OverdraftLimit.Neg()) {
			return fmt.Errorf("%w: overdraft limit %s exceeded on account %s", domain.ErrPayment, account.OverdraftLimit, accountUID)
		}

		record.Side = domain.EntryDebit
		if err := l.writeRecord(ctx, accountUID, record); err != nil {
			return err
		}
		if state == domain.EntryProvisional {
			account.Liability = account.Liability.Add(record.Value)
		} else {
			account.Balance = account.Balance.Sub(record.Value)
		}
		account.SpentToday = account.SpentToday.Add(record.Value)
		return nil
	})
}

func (l *Ledger) applyCredit(ctx context.Context, accountUID string, record domain.TransactionRecord, state domain.EntryState) error {
	return l.withAccount(ctx, accountUID, func(account *domain.Account) error {
		record.Side = domain.EntryCredit
		if err := l.writeRecord(ctx, accountUID, record); err != nil {
			return err
		}
		if state == domain.EntryProvisional {
			account.Receivable = account.Receivable.Add(record.Value)
		} else {
			account.Balance = account.Balance.Add(record.Value)
		}
		return nil
	})
}

func (l *Ledger) settleDebit(ctx context.Context, note *domain.CreditNote, record domain.TransactionRecord, actual decimal.Decimal) error {
	return l.withAccount(ctx, note.DebitAccountUID, func(account *domain.Account) error {
		record.Side = domain.EntryDebit
		if err := l.writeRecord(ctx, note.DebitAccountUID, record); err != nil {
			return err
		}
		account.Liability = account.Liability.Sub(note.Value)
		account.Balance = account.Balance.Sub(actual)
		refunded := note.Value.Sub(actual)
		account.SpentToday = account.SpentToday.Sub(refunded)
		if account.SpentToday.IsNegative() {
			account.SpentToday = decimal.Zero
		}
		return nil
	})
}

func (l *Ledger) settleCredit(ctx context.Context, note *domain.CreditNote, record domain.TransactionRecord, actual decimal.Decimal) error {
	return l.withAccount(ctx, note.CreditAccountUID, func(account *domain.Account) error {
		record.Side = domain.EntryCredit
		if err := l.writeRecord(ctx, note.CreditAccountUID, record); err != nil {
			return err
		}
		account.Receivable = account.Receivable.Sub(note.Value)
		account.Balance = account.Balance.Add(actual)
		return nil
	})
}

// withAccount serialises one head mutation: lock, read, roll the daily
// counter, mutate, persist, unlock.
func (l *Ledger) withAccount(ctx context.Context, accountUID string, fn func(*domain.Account) error) error {
	m := l.accountMutex(accountUID)
	if err := m.Lock(ctx, accountMutexTimeout); err != nil {
		return err
	}
	defer m.Unlock(ctx)

	account, err := l.GetAccount(ctx, accountUID)
	if err != nil {
		return err
	}
	if today := ledgerDay(l.now()); account.DateOfSpentToday != today {
		account.SpentToday = decimal.Zero
		account.DateOfSpentToday = today
	}
	if err := fn(account); err != nil {
		return err
	}
	return l.saveHead(ctx, account)
}

func (l *Ledger) writeRecord(ctx context.Context, accountUID string, record domain.TransactionRecord) error {
	key := transactionKey(accountUID, record.Timestamp, record.UID)
	return objstore.SetJSON(ctx, l.Svc.Store, l.Svc.Bucket, key, record)
}
