package http

import (
	"context"
	"fmt"

	"acquire/internal/access"
	"acquire/internal/domain"
	"acquire/internal/identity"
)

// AccessRoutes is the job broker's function table.
func AccessRoutes(b *access.Broker, verifier *identity.Verifier) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"run": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Request       domain.RunRequest     `json:"request"`
				Cheque        *domain.Cheque        `json:"cheque"`
				MaxSpend      string                `json:"max_spend"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			resource, err := access.RequestFingerprint(in.Request)
			if err != nil {
				return nil, err
			}
			// The authorisation binds the requester's session to this exact
			// run request; its user becomes the reader on the output drive.
			requesterUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, resource)
			if err != nil {
				return nil, err
			}
			maxSpend, err := parseMoney(in.MaxSpend)
			if err != nil {
				return nil, err
			}
			return b.Submit(ctx, in.Request, requesterUID, in.Cheque, maxSpend, in.Authorisation)
		},

		"get_worksheet": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				WorksheetUID  string                `json:"worksheet_uid"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			sheet, err := b.GetWorkSheet(ctx, in.WorksheetUID)
			if err != nil {
				return nil, err
			}
			if call.SenderUID == "" {
				userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "worksheet "+in.WorksheetUID)
				if err != nil {
					return nil, err
				}
				if sheet.RequesterUID != userUID {
					return nil, fmt.Errorf("%w: not your worksheet", domain.ErrPermission)
				}
			}
			return sheet, nil
		},
	}
}
