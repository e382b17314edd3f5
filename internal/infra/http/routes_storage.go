package http

import (
	"context"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/identity"
	"acquire/internal/storage"
)

// StorageRoutes is the storage service's function table. File operations
// come in two flavours: authorised (the caller proves a session and acts as
// that user) and capability-bearing (a PAR UID stands in for identity, with
// the issuer's rights intersected in).
func StorageRoutes(st *storage.Service, verifier *identity.Verifier) map[string]HandlerFunc {
	// resolveFileScope turns either an authorisation or a PAR into the
	// (drive, principal, par) triple every file operation needs.
	resolveFileScope := func(ctx context.Context, driveUID, parUID string, auth *domain.Authorisation) (*domain.Drive, string, *domain.PAR, error) {
		if parUID != "" {
			par, drive, _, err := st.ResolvePAR(ctx, parUID)
			if err != nil {
				return nil, "", nil, err
			}
			issuer, err := st.Issuer(ctx, parUID)
			if err != nil {
				return nil, "", nil, err
			}
			return drive, issuer, par, nil
		}
		userUID, _, _, err := verifier.VerifyIdentifiers(ctx, auth, "drive "+driveUID)
		if err != nil {
			return nil, "", nil, err
		}
		drive, err := st.GetDrive(ctx, driveUID)
		if err != nil {
			return nil, "", nil, err
		}
		return drive, userUID, nil, nil
	}

	return map[string]HandlerFunc{
		"open_drive": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Name          string                `json:"name"`
				Create        bool                  `json:"create"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "open_drive "+in.Name)
			if err != nil {
				return nil, err
			}
			return st.OpenDrive(ctx, userUID, in.Name, in.Create)
		},

		// create_drive installs arbitrary ACLs, so only trusted services
		// (the job broker provisioning output drives) may call it.
		"create_drive": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				Name string                    `json:"name"`
				ACLs map[string]domain.ACLRule `json:"acls"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			return st.CreateDrive(ctx, in.Name, in.ACLs)
		},

		"get_drive": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "drive "+in.DriveUID)
			if err != nil {
				return nil, err
			}
			drive, err := st.GetDrive(ctx, in.DriveUID)
			if err != nil {
				return nil, err
			}
			rule, err := st.ResolveACL(ctx, drive, userUID, nil)
			if err != nil {
				return nil, err
			}
			if rule.IsNull() {
				return nil, fmt.Errorf("%w: no rights on drive %s", domain.ErrPermission, in.DriveUID)
			}
			return drive, nil
		},

		"update_acl": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				Principal     string                `json:"principal"`
				Rule          domain.ACLRule        `json:"rule"`
				Authorisation *domain.Authorisation `json:"authorisation"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "drive "+in.DriveUID)
			if err != nil {
				return nil, err
			}
			if err := st.UpdateACL(ctx, in.DriveUID, userUID, in.Principal, in.Rule); err != nil {
				return nil, err
			}
			return map[string]string{"status": "updated"}, nil
		},

		"upload": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				PARUID        string                `json:"par_uid,omitempty"`
				Filename      string                `json:"filename"`
				Data          []byte                `json:"data"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			drive, principal, par, err := resolveFileScope(ctx, in.DriveUID, in.PARUID, in.Authorisation)
			if err != nil {
				return nil, err
			}
			return st.Upload(ctx, drive, principal, par, in.Filename, in.Data)
		},

		"download": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				PARUID        string                `json:"par_uid,omitempty"`
				Filename      string                `json:"filename"`
				Version       string                `json:"version,omitempty"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			drive, principal, par, err := resolveFileScope(ctx, in.DriveUID, in.PARUID, in.Authorisation)
			if err != nil {
				return nil, err
			}
			data, meta, err := st.Download(ctx, drive, principal, par, in.Filename, in.Version)
			if err != nil {
				return nil, err
			}
			return map[string]any{"data": data, "meta": meta}, nil
		},

		"list_files": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				PARUID        string                `json:"par_uid,omitempty"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			drive, principal, par, err := resolveFileScope(ctx, in.DriveUID, in.PARUID, in.Authorisation)
			if err != nil {
				return nil, err
			}
			return st.ListFiles(ctx, drive, principal, par)
		},

		"list_versions": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID      string                `json:"drive_uid"`
				PARUID        string                `json:"par_uid,omitempty"`
				Filename      string                `json:"filename"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			drive, principal, par, err := resolveFileScope(ctx, in.DriveUID, in.PARUID, in.Authorisation)
			if err != nil {
				return nil, err
			}
			return st.ListVersions(ctx, drive, principal, par, in.Filename)
		},

		"create_par": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				DriveUID        string                `json:"drive_uid"`
				Filename        string                `json:"filename,omitempty"`
				Readable        bool                  `json:"readable"`
				Writeable       bool                  `json:"writeable"`
				DurationSeconds int64                 `json:"duration_seconds"`
				ACL             *domain.ACLRule       `json:"acl,omitempty"`
				Authorisation   *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			var principal string
			if call.SenderUID != "" {
				principal = call.SenderUID
			} else {
				userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "drive "+in.DriveUID)
				if err != nil {
					return nil, err
				}
				principal = userUID
			}
			return st.CreatePAR(ctx, principal, storage.PARRequest{
				DriveUID:  in.DriveUID,
				Filename:  in.Filename,
				Readable:  in.Readable,
				Writeable: in.Writeable,
				Duration:  time.Duration(in.DurationSeconds) * time.Second,
				ACL:       in.ACL,
			})
		},

		"close_par": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				PARUID        string                `json:"par_uid"`
				Authorisation *domain.Authorisation `json:"authorisation,omitempty"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			issuer, err := st.Issuer(ctx, in.PARUID)
			if err != nil {
				return nil, err
			}
			if call.SenderUID != issuer {
				userUID, _, _, err := verifier.VerifyIdentifiers(ctx, in.Authorisation, "par "+in.PARUID)
				if err != nil {
					return nil, err
				}
				if userUID != issuer {
					return nil, fmt.Errorf("%w: only the issuer can close a par", domain.ErrPermission)
				}
			}
			if err := st.ClosePAR(ctx, in.PARUID); err != nil {
				return nil, err
			}
			return map[string]string{"status": "closed"}, nil
		},
	}
}
