package domain

import "time"

// ACLRule grants a single principal a level of access on a drive. Owners can
// do everything including changing ACLs; writers can add file versions;
// readers can only download.
type ACLRule struct {
	Owner  bool `json:"owner"`
	Writer bool `json:"writer"`
	Reader bool `json:"reader"`
}

func ACLOwner() ACLRule  { return ACLRule{Owner: true, Writer: true, Reader: true} }
func ACLWriter() ACLRule { return ACLRule{Writer: true, Reader: true} }
func ACLReader() ACLRule { return ACLRule{Reader: true} }

// Intersect returns the rights present in both rules.
func (r ACLRule) Intersect(o ACLRule) ACLRule {
	return ACLRule{
		Owner:  r.Owner && o.Owner,
		Writer: r.Writer && o.Writer,
		Reader: r.Reader && o.Reader,
	}
}

func (r ACLRule) IsNull() bool { return !r.Owner && !r.Writer && !r.Reader }

// Drive owns a namespace of versioned files. The GUID is
// "<drive_uid>@<storage_service_uid>" so a Location is portable between
// services.
type Drive struct {
	UID        string             `json:"uid"`
	ServiceUID string             `json:"service_uid"`
	Name       string             `json:"name"`
	ACLs       map[string]ACLRule `json:"acls"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (d Drive) GUID() string { return d.UID + "@" + d.ServiceUID }

// FileMeta is one immutable version of one file on a drive.
type FileMeta struct {
	UID          string    `json:"uid"`
	Filename     string    `json:"filename"`
	VersionUID   string    `json:"version_uid"`
	Filesize     int64     `json:"filesize"`
	Checksum     string    `json:"checksum"`
	Compression  string    `json:"compression,omitempty"`
	UploadedBy   string    `json:"uploaded_by"`
	UploadedWhen time.Time `json:"uploaded_when"`
	ACLs         map[string]ACLRule `json:"acls,omitempty"`
}

// Location is the portable reference to a drive, a file on a drive, or a
// specific version of a file.
type Location struct {
	DriveGUID string `json:"drive_guid"`
	Filename  string `json:"filename,omitempty"`
	Version   string `json:"version,omitempty"`
}

func (l Location) IsFile() bool { return l.Filename != "" }

// PAR is a pre-authenticated request: a time-bounded capability URL scoped to
// a bucket or a single object.
type PAR struct {
	UID       string    `json:"uid"`
	URL       string    `json:"url"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key,omitempty"`
	Readable  bool      `json:"readable"`
	Writeable bool      `json:"writeable"`
	ACL       *ACLRule  `json:"aclrule,omitempty"`
	ExpiresAt time.Time `json:"expires_datetime"`
	IssuedAt  time.Time `json:"issued_datetime"`
}

func (p PAR) Expired(now time.Time) bool { return now.After(p.ExpiresAt) }
