package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the head record of one ledger account. Balance only moves on
// finalised entries; open provisional debits accumulate in Liability and open
// provisional credits in Receivable. SpentToday rolls to zero at UTC midnight.
type Account struct {
	UID              string          `json:"uid"`
	UserUID          string          `json:"user_uid"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	OverdraftLimit   decimal.Decimal `json:"overdraft_limit"`
	DailyLimit       decimal.Decimal `json:"daily_limit"`
	Balance          decimal.Decimal `json:"balance"`
	Liability        decimal.Decimal `json:"liability"`
	Receivable       decimal.Decimal `json:"receivable"`
	SpentToday       decimal.Decimal `json:"spent_today"`
	DateOfSpentToday string          `json:"date_of_spent_today"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Transaction is the user-visible half of a ledger mutation.
type Transaction struct {
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
}

type EntrySide string

const (
	EntryDebit  EntrySide = "debit"
	EntryCredit EntrySide = "credit"
)

type EntryState string

const (
	EntryProvisional EntryState = "provisional"
	EntryFinal       EntryState = "final"
	EntryReceipted   EntryState = "receipted"
	EntryRefunded    EntryState = "refunded"
	EntryCancelled   EntryState = "cancelled"
)

// TransactionRecord is one immutable ledger entry. Paired debit/credit
// entries share a UID; the side distinguishes them.
type TransactionRecord struct {
	UID                 string          `json:"uid"`
	ParentUID           string          `json:"parent_uid,omitempty"`
	Side                EntrySide       `json:"side"`
	DebitAccountUID     string          `json:"debit_account_uid"`
	CreditAccountUID    string          `json:"credit_account_uid"`
	Value               decimal.Decimal `json:"value"`
	State               EntryState      `json:"state"`
	Description         string          `json:"description,omitempty"`
	ResourceFingerprint string          `json:"resource_fingerprint,omitempty"`
	Authorisation       *Authorisation  `json:"authorisation,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	ReceiptBy           time.Time       `json:"receipt_by,omitempty"`
}

// CreditNote is the receipt-able evidence of a provisional credit. The holder
// must receipt (for at most the provisional value) or refund before ReceiptBy,
// after which any observer may cancel the pair.
type CreditNote struct {
	UID              string          `json:"uid"`
	TransactionUID   string          `json:"transaction_uid"`
	DebitAccountUID  string          `json:"debit_account_uid"`
	CreditAccountUID string          `json:"credit_account_uid"`
	Value            decimal.Decimal `json:"value"`
	ReceiptBy        time.Time       `json:"receipt_by"`
	IssuedAt         time.Time       `json:"issued_at"`
}

// Cheque is the sealed payment instrument. The payload is the cheque info
// encrypted to the accounting service's public key; only that service can
// open it. Countersignature fields are filled by the recipient service prior
// to presentment.
type Cheque struct {
	AccountingURL    string `json:"accounting_url"`
	Fingerprint      string `json:"fingerprint"`
	EncryptedData    []byte `json:"encrypted_data"`
	CounterSignature string `json:"counter_signature,omitempty"`
	CounterUID       string `json:"counter_uid,omitempty"`
}

// ChequeInfo is the decrypted interior of a Cheque. Field names are fixed:
// the user's Authorisation is signed over the canonical form of everything
// except the authorisation itself.
type ChequeInfo struct {
	UID           string         `json:"uid"`
	RecipientURL  string         `json:"recipient_url"`
	MaxSpend      string         `json:"max_spend"`
	ExpiryDate    time.Time      `json:"expiry_date"`
	Resource      string         `json:"resource"`
	AccountUID    string         `json:"account_uid"`
	Authorisation *Authorisation `json:"authorisation,omitempty"`
}
