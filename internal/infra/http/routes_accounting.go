package http

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"acquire/internal/accounting"
	"acquire/internal/domain"
	"acquire/internal/identity"
)

func parseMoney(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: malformed amount %q", domain.ErrPayment, s)
	}
	return v, nil
}

// AccountingRoutes is the accounting service's function table. User-facing
// operations are gated by an Authorisation over the operation's resource
// string; settlement operations are restricted to trusted services, which is
// who holds the credit notes.
func AccountingRoutes(ledger *accounting.Ledger, verifier *identity.Verifier) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"create_account": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Name           string                `json:"account_name"`
				Description    string                `json:"description"`
				OverdraftLimit string                `json:"overdraft_limit"`
				DailyLimit     string                `json:"daily_limit"`
				Authorisation  *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "create_account "+in.Name)
			if err != nil {
				return nil, err
			}
			overdraft := decimal.Zero
			if in.OverdraftLimit != "" {
				if overdraft, err = parseMoney(in.OverdraftLimit); err != nil {
					return nil, err
				}
			}
			daily := decimal.Zero
			if in.DailyLimit != "" {
				if daily, err = parseMoney(in.DailyLimit); err != nil {
					return nil, err
				}
			}
			return ledger.CreateAccount(ctx, userUID, in.Name, in.Description, overdraft, daily)
		},

		"get_account": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				AccountUID    string                `json:"account_uid"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			account, err := ledger.GetAccount(ctx, in.AccountUID)
			if err != nil {
				return nil, err
			}
			// Trusted services may inspect any head; users only their own.
			if call.SenderUID == "" {
				userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "account "+in.AccountUID)
				if err != nil {
					return nil, err
				}
				if account.UserUID != userUID {
					return nil, fmt.Errorf("%w: not your account", domain.ErrPermission)
				}
			}
			return account, nil
		},

		"account_uid": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Name          string                `json:"account_name"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "account "+in.Name)
			if err != nil {
				return nil, err
			}
			uid, err := ledger.AccountUID(ctx, userUID, in.Name)
			if err != nil {
				return nil, err
			}
			return map[string]string{"account_uid": uid}, nil
		},

		// deposit is how external money enters; only operators drive it, via
		// a trusted service identity.
		"deposit": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				AccountUID  string `json:"account_uid"`
				Value       string `json:"value"`
				Description string `json:"description"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			value, err := parseMoney(in.Value)
			if err != nil {
				return nil, err
			}
			txUID, err := ledger.Deposit(ctx, in.AccountUID, value, in.Description)
			if err != nil {
				return nil, err
			}
			return map[string]string{"transaction_uid": txUID}, nil
		},

		"cash_cheque": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				Cheque              *domain.Cheque `json:"cheque"`
				Spend               string         `json:"spend"`
				Resource            string         `json:"resource"`
				RecipientAccountUID string         `json:"recipient_account_uid"`
				ReceiptBy           time.Time      `json:"receipt_by"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			spend, err := parseMoney(in.Spend)
			if err != nil {
				return nil, err
			}
			return ledger.CashCheque(ctx, accounting.CashRequest{
				Cheque:              in.Cheque,
				Spend:               spend,
				Resource:            in.Resource,
				RecipientAccountUID: in.RecipientAccountUID,
				ReceiptBy:           in.ReceiptBy,
			}, verifier)
		},

		"receipt": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				CreditNote *domain.CreditNote `json:"credit_note"`
				Actual     string             `json:"actual"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			actual, err := parseMoney(in.Actual)
			if err != nil {
				return nil, err
			}
			if err := ledger.Receipt(ctx, in.CreditNote, actual); err != nil {
				return nil, err
			}
			return map[string]string{"status": "receipted"}, nil
		},

		"refund": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				CreditNote *domain.CreditNote `json:"credit_note"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			if err := ledger.Refund(ctx, in.CreditNote); err != nil {
				return nil, err
			}
			return map[string]string{"status": "refunded"}, nil
		},

		"sweep_expired": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			swept, err := ledger.SweepExpired(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"swept": swept}, nil
		},
	}
}
