package renewal

import (
	"strings"
	"time"
)

// RenewalStatus tracks where a certificate record is in its renewal lifecycle.
type RenewalStatus string

const (
	StatusIdle           RenewalStatus = "idle"
	StatusPending        RenewalStatus = "pending"
	StatusInProgress     RenewalStatus = "in_progress"
	StatusSuccess        RenewalStatus = "success"
	StatusFailure        RenewalStatus = "failure"
	StatusManualRequired RenewalStatus = "manual_required"
)

// CertificateRecord is one managed certificate as seen by the engine. Records
// are created by the host at issuance time; the engine only mutates them
// through renewal outcomes. Identity is the slot index within the persisted
// collection.
type CertificateRecord struct {
	ID                   int
	Domains              []string
	CertificatePEM       string
	PrivateKeyPEM        string
	IssuedAt             time.Time
	RenewalStatus        RenewalStatus
	LastRenewalAttemptAt *time.Time
	LastRenewalSuccessAt *time.Time
}

// PrimaryDomain returns the first covered hostname, or "" for an empty record.
func (r *CertificateRecord) PrimaryDomain() string {
	if len(r.Domains) == 0 {
		return ""
	}
	return r.Domains[0]
}

// DomainKey is the stable domain-set key used for policy overrides, history
// entries and notification dedup.
func (r *CertificateRecord) DomainKey() string {
	return strings.Join(r.Domains, ",")
}

// JobStatus is the lifecycle of one ephemeral renewal job.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobInProgress     JobStatus = "in_progress"
	JobCompleted      JobStatus = "completed"
	JobManualRequired JobStatus = "manual_required"
	JobFailure        JobStatus = "failure"
)

// RenewalJob is the per-attempt state created and destroyed within one
// scheduler tick. It is never persisted beyond its history record.
type RenewalJob struct {
	ID                   string
	Domain               string
	Status               JobStatus
	CreatedAt            time.Time
	StartedAt            time.Time
	CompletedAt          time.Time
	Error                string
	ResultCertificatePEM string
}

// HistoryRecord is one immutable entry in the renewal audit trail.
type HistoryRecord struct {
	ID        string
	Domain    string
	Timestamp time.Time
	Status    RenewalStatus
	Error     string
	OldExpiry *time.Time
	NewExpiry *time.Time
}

// ArchivedCert is the immutable row written to the renewal archive after a
// successful renewal.
type ArchivedCert struct {
	Identifier     string
	Domains        []string
	CertificatePEM string
	PrivateKeyPEM  string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// ArchiveWriter stores successful renewals for audit. Implementations live in
// subpackages (see zombiezen).
type ArchiveWriter interface {
	AddCert(cert ArchivedCert) error
}

// TimeFormat renders timestamps the way persisted documents and the archive
// expect them.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime is the inverse of TimeFormat.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
