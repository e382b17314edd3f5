// Package storage implements the storage service: drives with ACL rulesets,
// versioned immutable file metadata, and the PAR registry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
	"acquire/internal/storage/aclpolicy"
)

const (
	driveKeyPrefix     = "drives/"
	driveNamePrefix    = "drives/name/"
	parRegistryPrefix  = "storage/par/"
	driveMetaSuffix    = "/meta"
	driveFilesSegment  = "/files/"
	driveDataSegment   = "/data/"
)

// Service is the storage usecase layer.
type Service struct {
	Svc *service.Context
	ACL *aclpolicy.Engine

	now func() time.Time
}

func New(svc *service.Context, acl *aclpolicy.Engine) *Service {
	return &Service{Svc: svc, ACL: acl, now: time.Now}
}

// WithClock overrides time for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenDrive resolves a user's named drive, creating it with the user as sole
// owner when create is set. The name claim is a CAS index, so two concurrent
// creates converge on one drive.
func (s *Service) OpenDrive(ctx context.Context, userUID, name string, create bool) (*domain.Drive, error) {
	name = strings.TrimSpace(name)
	if userUID == "" || name == "" {
		return nil, fmt.Errorf("%w: a drive needs an owner and a name", domain.ErrPermission)
	}
	nameKey := driveNamePrefix + userUID + "/" + name

	uid, err := objstore.GetString(ctx, s.Svc.Store, s.Svc.Bucket, nameKey)
	if err == nil {
		return s.GetDrive(ctx, uid)
	}
	if !errors.Is(err, domain.ErrObjectNotFound) {
		return nil, err
	}
	if !create {
		return nil, fmt.Errorf("%w: no drive %q for user %s", domain.ErrNotFound, name, userUID)
	}

	drive := domain.Drive{
		UID:        encoding.CreateUUID(),
		ServiceUID: s.Svc.UID,
		Name:       name,
		ACLs:       map[string]domain.ACLRule{userUID: domain.ACLOwner()},
		CreatedAt:  s.now().UTC(),
	}
	stored, installed, err := objstore.SetStringIfAbsent(ctx, s.Svc.Store, s.Svc.Bucket, nameKey, drive.UID)
	if err != nil {
		return nil, err
	}
	if !installed {
		return s.GetDrive(ctx, stored)
	}
	if err := s.saveDrive(ctx, &drive); err != nil {
		return nil, err
	}
	return &drive, nil
}

// CreateDrive makes a drive with an explicit ACL ruleset, unindexed by user
// name. The access service uses this for per-job output drives.
func (s *Service) CreateDrive(ctx context.Context, name string, acls map[string]domain.ACLRule) (*domain.Drive, error) {
	if len(acls) == 0 {
		return nil, fmt.Errorf("%w: a drive needs at least one ACL rule", domain.ErrPermission)
	}
	hasOwner := false
	for _, rule := range acls {
		if rule.Owner {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		return nil, fmt.Errorf("%w: a drive needs an owner", domain.ErrPermission)
	}

	copied := make(map[string]domain.ACLRule, len(acls))
	for principal, rule := range acls {
		copied[principal] = rule
	}
	drive := domain.Drive{
		UID:        encoding.CreateUUID(),
		ServiceUID: s.Svc.UID,
		Name:       name,
		ACLs:       copied,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.saveDrive(ctx, &drive); err != nil {
		return nil, err
	}
	return &drive, nil
}

// GetDrive loads drive metadata by UID.
func (s *Service) GetDrive(ctx context.Context, uid string) (*domain.Drive, error) {
	var drive domain.Drive
	key := driveKeyPrefix + uid + driveMetaSuffix
	if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, key, &drive); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: unknown drive %s", domain.ErrNotFound, uid)
		}
		return nil, err
	}
	return &drive, nil
}

// GetDriveByGUID accepts the portable "<uid>@<service_uid>" handle and
// refuses GUIDs that belong to another storage service.
func (s *Service) GetDriveByGUID(ctx context.Context, guid string) (*domain.Drive, error) {
	uid, serviceUID, ok := strings.Cut(guid, "@")
	if !ok {
		return nil, fmt.Errorf("%w: malformed drive guid %q", domain.ErrNotFound, guid)
	}
	if serviceUID != s.Svc.UID {
		return nil, fmt.Errorf("%w: drive %s lives on service %s", domain.ErrNotFound, uid, serviceUID)
	}
	return s.GetDrive(ctx, uid)
}

// UpdateACL lets an owner grant or revoke a principal's rule. A null rule
// removes the entry.
func (s *Service) UpdateACL(ctx context.Context, driveUID, callerUID, principal string, rule domain.ACLRule) error {
	drive, err := s.GetDrive(ctx, driveUID)
	if err != nil {
		return err
	}
	caller, err := s.ResolveACL(ctx, drive, callerUID, nil)
	if err != nil {
		return err
	}
	if !caller.Owner {
		return fmt.Errorf("%w: only an owner can change drive ACLs", domain.ErrPermission)
	}
	if rule.IsNull() {
		delete(drive.ACLs, principal)
	} else {
		drive.ACLs[principal] = rule
	}
	return s.saveDrive(ctx, drive)
}

// ResolveACL computes a principal's effective rights, intersecting with the
// PAR's rule when the drive was opened through one.
func (s *Service) ResolveACL(ctx context.Context, drive *domain.Drive, principal string, par *domain.PAR) (domain.ACLRule, error) {
	in := aclpolicy.Input{
		Principal: principal,
		DriveACLs: drive.ACLs,
	}
	if par != nil {
		in.PAROpened = true
		in.PARACL = par.ACL
	}
	return s.ACL.Resolve(ctx, in)
}

func (s *Service) saveDrive(ctx context.Context, drive *domain.Drive) error {
	key := driveKeyPrefix + drive.UID + driveMetaSuffix
	return objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, key, drive)
}
