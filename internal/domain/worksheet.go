package domain

import "time"

// Resources is the compute requirement of a run request.
type Resources struct {
	Nodes  int `json:"nodes"`
	Cores  int `json:"cores,omitempty"`
	Memory int `json:"memory_mb,omitempty"`
}

// RunRequest asks the access service to run a container image against an
// input location, paid for by an attached cheque.
type RunRequest struct {
	UID       string    `json:"uid"`
	Image     string    `json:"image"`
	Input     Location  `json:"input"`
	Resources Resources `json:"resources"`
	Deadline  time.Time `json:"deadline"`
}

type WorkStatus string

const (
	WorkAwaiting      WorkStatus = "awaiting"
	WorkPaid          WorkStatus = "awaiting(paid)"
	WorkPaidHaveDrive WorkStatus = "awaiting(paid, have drive)"
	WorkSubmitting    WorkStatus = "submitting"
	WorkSubmitted     WorkStatus = "submitted"
	WorkFailed        WorkStatus = "failed"
)

// Next reports whether a transition from s to t is legal. The happy path is
// linear; any non-terminal state may fail.
func (s WorkStatus) Next(t WorkStatus) bool {
	if s == WorkSubmitted || s == WorkFailed {
		return false
	}
	if t == WorkFailed {
		return true
	}
	order := map[WorkStatus]int{
		WorkAwaiting:      0,
		WorkPaid:          1,
		WorkPaidHaveDrive: 2,
		WorkSubmitting:    3,
		WorkSubmitted:     4,
	}
	from, ok := order[s]
	if !ok {
		return false
	}
	to, ok := order[t]
	return ok && to == from+1
}

// WorkSheet is the access service's record of one submitted job and its
// payment/provisioning state.
type WorkSheet struct {
	UID            string         `json:"uid"`
	Request        RunRequest     `json:"request"`
	RequesterUID   string         `json:"requester_uid"`
	PaymentCheque  *Cheque        `json:"payment_cheque,omitempty"`
	MaxSpend       string         `json:"max_spend"`
	Authorisation  *Authorisation `json:"authorisation,omitempty"`
	CreditNotes    []CreditNote   `json:"credit_notes,omitempty"`
	ComputeCheque  *Cheque        `json:"compute_cheque,omitempty"`
	StorageCheque  *Cheque        `json:"storage_cheque,omitempty"`
	OutputLocation *Location      `json:"output_location,omitempty"`
	OutputPAR      *PAR           `json:"output_par,omitempty"`
	Status         WorkStatus     `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
