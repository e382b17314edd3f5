package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/encoding"
	"acquire/internal/infra/objstore"
)

// encodeFilename keeps arbitrary filenames (slashes included) to a single
// key segment.
func encodeFilename(filename string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(filename))
}

func (s *Service) filePrefix(driveUID, filename string) string {
	return driveKeyPrefix + driveUID + driveFilesSegment + encodeFilename(filename) + "/"
}

func (s *Service) dataKey(driveUID, fileUID, versionUID string) string {
	return driveKeyPrefix + driveUID + driveDataSegment + fileUID + "/" + versionUID
}

// newVersionUID is lexicographically ordered by upload time, so a key listing
// returns versions in upload order.
func (s *Service) newVersionUID() string {
	return fmt.Sprintf("%020d-%s", s.now().UTC().UnixNano(), encoding.CreateUUID()[:8])
}

// Upload stores a new immutable version of filename. The file UID is claimed
// by the first version; later versions reuse it.
func (s *Service) Upload(ctx context.Context, drive *domain.Drive, principal string, par *domain.PAR, filename string, data []byte) (*domain.FileMeta, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: a filename is required", domain.ErrPermission)
	}
	rule, err := s.ResolveACL(ctx, drive, principal, par)
	if err != nil {
		return nil, err
	}
	if !rule.Writer {
		return nil, fmt.Errorf("%w: %s cannot write to drive %s", domain.ErrPermission, principal, drive.UID)
	}

	fileUID, err := s.fileUID(ctx, drive.UID, filename)
	if err != nil {
		return nil, err
	}

	meta := domain.FileMeta{
		UID:          fileUID,
		Filename:     filename,
		VersionUID:   s.newVersionUID(),
		Filesize:     int64(len(data)),
		Checksum:     crypto.MD5Hex(data),
		UploadedBy:   principal,
		UploadedWhen: s.now().UTC(),
	}
	if err := s.Svc.Store.SetObject(ctx, s.Svc.Bucket, s.dataKey(drive.UID, fileUID, meta.VersionUID), data); err != nil {
		return nil, err
	}
	metaKey := s.filePrefix(drive.UID, filename) + meta.VersionUID
	if err := objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, metaKey, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// fileUID returns the UID shared by all versions of filename, claiming a
// fresh one through the version namespace when this is the first upload.
func (s *Service) fileUID(ctx context.Context, driveUID, filename string) (string, error) {
	uidKey := driveKeyPrefix + driveUID + driveFilesSegment + encodeFilename(filename)
	stored, _, err := objstore.SetStringIfAbsent(ctx, s.Svc.Store, s.Svc.Bucket, uidKey, encoding.CreateUUID())
	if err != nil {
		return "", err
	}
	return stored, nil
}

// Download returns the bytes and metadata of a version, defaulting to the
// latest. The checksum is re-verified on the way out.
func (s *Service) Download(ctx context.Context, drive *domain.Drive, principal string, par *domain.PAR, filename, version string) ([]byte, *domain.FileMeta, error) {
	rule, err := s.ResolveACL(ctx, drive, principal, par)
	if err != nil {
		return nil, nil, err
	}
	if !rule.Reader {
		return nil, nil, fmt.Errorf("%w: %s cannot read from drive %s", domain.ErrPermission, principal, drive.UID)
	}

	meta, err := s.version(ctx, drive.UID, filename, version)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.Svc.Store.GetObject(ctx, s.Svc.Bucket, s.dataKey(drive.UID, meta.UID, meta.VersionUID))
	if err != nil {
		return nil, nil, err
	}
	if crypto.MD5Hex(data) != meta.Checksum {
		return nil, nil, fmt.Errorf("corrupt object for %s version %s: checksum mismatch", filename, meta.VersionUID)
	}
	return data, meta, nil
}

// ListVersions returns every version of filename in upload order.
func (s *Service) ListVersions(ctx context.Context, drive *domain.Drive, principal string, par *domain.PAR, filename string) ([]domain.FileMeta, error) {
	rule, err := s.ResolveACL(ctx, drive, principal, par)
	if err != nil {
		return nil, err
	}
	if !rule.Reader {
		return nil, fmt.Errorf("%w: %s cannot read from drive %s", domain.ErrPermission, principal, drive.UID)
	}
	return s.versions(ctx, drive.UID, filename)
}

// ListFiles returns the latest version of every file on the drive, sorted by
// filename.
func (s *Service) ListFiles(ctx context.Context, drive *domain.Drive, principal string, par *domain.PAR) ([]domain.FileMeta, error) {
	rule, err := s.ResolveACL(ctx, drive, principal, par)
	if err != nil {
		return nil, err
	}
	if !rule.Reader {
		return nil, fmt.Errorf("%w: %s cannot read from drive %s", domain.ErrPermission, principal, drive.UID)
	}

	prefix := driveKeyPrefix + drive.UID + driveFilesSegment
	names, err := s.Svc.Store.ListObjectNames(ctx, s.Svc.Bucket, prefix)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]domain.FileMeta)
	for _, name := range names {
		rest := strings.TrimPrefix(name, prefix)
		if !strings.Contains(rest, "/") {
			continue // file UID claim, not a version
		}
		var meta domain.FileMeta
		if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, name, &meta); err != nil {
			return nil, err
		}
		if have, ok := latest[meta.Filename]; !ok || meta.VersionUID > have.VersionUID {
			latest[meta.Filename] = meta
		}
	}

	files := make([]domain.FileMeta, 0, len(latest))
	for _, meta := range latest {
		files = append(files, meta)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

func (s *Service) versions(ctx context.Context, driveUID, filename string) ([]domain.FileMeta, error) {
	prefix := s.filePrefix(driveUID, filename)
	names, err := s.Svc.Store.ListObjectNames(ctx, s.Svc.Bucket, prefix)
	if err != nil {
		return nil, err
	}
	metas := make([]domain.FileMeta, 0, len(names))
	for _, name := range names {
		var meta domain.FileMeta
		if err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, name, &meta); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *Service) version(ctx context.Context, driveUID, filename, versionUID string) (*domain.FileMeta, error) {
	metas, err := s.versions(ctx, driveUID, filename)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("%w: no file %q on drive %s", domain.ErrNotFound, filename, driveUID)
	}
	if versionUID == "" {
		return &metas[len(metas)-1], nil
	}
	for i := range metas {
		if metas[i].VersionUID == versionUID {
			return &metas[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no version %s of %q", domain.ErrNotFound, versionUID, filename)
}
