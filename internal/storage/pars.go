package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/objstore"
)

// PARRequest asks for a capability on a drive, or on one file of it when
// Filename is set.
type PARRequest struct {
	DriveUID  string
	Filename  string
	Readable  bool
	Writeable bool
	Duration  time.Duration
	// ACL bounds what the bearer can do through the capability. Defaults to
	// writer rights for writeable PARs and reader rights otherwise.
	ACL *domain.ACLRule
}

// parRecord is the registry entry at storage/par/<uid>. IssuedBy anchors the
// capability to the rights of the principal that created it.
type parRecord struct {
	PAR      domain.PAR `json:"par"`
	DriveUID string     `json:"drive_uid"`
	Filename string     `json:"filename,omitempty"`
	IssuedBy string     `json:"issued_by"`
	Closed   bool       `json:"closed"`
}

// CreatePAR mints a backend capability and registers it. The requested modes
// must be within the creating principal's own rights on the drive.
func (s *Service) CreatePAR(ctx context.Context, principal string, req PARRequest) (*domain.PAR, error) {
	if !req.Readable && !req.Writeable {
		return nil, fmt.Errorf("%w: a par must be readable or writeable", domain.ErrPAR)
	}
	drive, err := s.GetDrive(ctx, req.DriveUID)
	if err != nil {
		return nil, err
	}
	rule, err := s.ResolveACL(ctx, drive, principal, nil)
	if err != nil {
		return nil, err
	}
	if req.Writeable && !rule.Writer {
		return nil, fmt.Errorf("%w: %s cannot issue a writer par on drive %s", domain.ErrPermission, principal, drive.UID)
	}
	if req.Readable && !rule.Reader {
		return nil, fmt.Errorf("%w: %s cannot issue a reader par on drive %s", domain.ErrPermission, principal, drive.UID)
	}

	backendKey := ""
	if req.Filename != "" {
		meta, err := s.version(ctx, drive.UID, req.Filename, "")
		if err != nil {
			return nil, err
		}
		backendKey = s.dataKey(drive.UID, meta.UID, meta.VersionUID)
	}
	par, err := s.Svc.Store.CreatePAR(ctx, objstore.PARRequest{
		Bucket:    s.Svc.Bucket,
		Key:       backendKey,
		Readable:  req.Readable,
		Writeable: req.Writeable,
		Duration:  req.Duration,
	})
	if err != nil {
		return nil, err
	}

	acl := req.ACL
	if acl == nil {
		var rule domain.ACLRule
		if req.Writeable {
			rule = domain.ACLWriter()
		} else {
			rule = domain.ACLReader()
		}
		acl = &rule
	}
	par.ACL = acl

	record := parRecord{
		PAR:      *par,
		DriveUID: drive.UID,
		Filename: req.Filename,
		IssuedBy: principal,
	}
	if err := objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, parRegistryPrefix+par.UID, record); err != nil {
		return nil, err
	}
	return par, nil
}

// ResolvePAR opens a capability: the live PAR, its drive, and the effective
// rights through it (the intersection of the PAR's rule and the issuer's
// rights on the drive). Closed and expired PARs are refused.
func (s *Service) ResolvePAR(ctx context.Context, parUID string) (*domain.PAR, *domain.Drive, domain.ACLRule, error) {
	record, err := s.parRecord(ctx, parUID)
	if err != nil {
		return nil, nil, domain.ACLRule{}, err
	}
	if record.Closed {
		return nil, nil, domain.ACLRule{}, fmt.Errorf("%w: par %s is closed", domain.ErrPAR, parUID)
	}
	if record.PAR.Expired(s.now()) {
		return nil, nil, domain.ACLRule{}, fmt.Errorf("%w: par %s expired at %s", domain.ErrPAR, parUID, record.PAR.ExpiresAt.Format(time.RFC3339))
	}
	drive, err := s.GetDrive(ctx, record.DriveUID)
	if err != nil {
		return nil, nil, domain.ACLRule{}, err
	}
	rule, err := s.ResolveACL(ctx, drive, record.IssuedBy, &record.PAR)
	if err != nil {
		return nil, nil, domain.ACLRule{}, err
	}
	return &record.PAR, drive, rule, nil
}

// Issuer reports which principal created the PAR. File operations through a
// capability act as the issuer, bounded by the PAR's rule.
func (s *Service) Issuer(ctx context.Context, parUID string) (string, error) {
	record, err := s.parRecord(ctx, parUID)
	if err != nil {
		return "", err
	}
	return record.IssuedBy, nil
}

// ClosePAR revokes the capability. Closing twice is a no-op.
func (s *Service) ClosePAR(ctx context.Context, parUID string) error {
	record, err := s.parRecord(ctx, parUID)
	if err != nil {
		return err
	}
	if record.Closed {
		return nil
	}
	record.Closed = true
	if err := objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, parRegistryPrefix+parUID, record); err != nil {
		return err
	}
	return s.Svc.Store.ClosePAR(ctx, &record.PAR)
}

func (s *Service) parRecord(ctx context.Context, parUID string) (*parRecord, error) {
	var record parRecord
	if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, parRegistryPrefix+parUID, &record); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: unknown par %s", domain.ErrPAR, parUID)
		}
		return nil, err
	}
	return &record, nil
}
