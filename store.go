package renewal

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// CertificatesKey is the KV key holding the certificate collection, a JSON
// array of certificate documents.
const CertificatesKey = "certificates"

// CertificateStore is the typed view over the persisted certificate
// collection. Records are created by the host; the store only lists them and
// applies partial updates by slot index.
type CertificateStore struct {
	kv     KV
	logger *slog.Logger
}

func NewCertificateStore(kv KV, logger *slog.Logger) *CertificateStore {
	if kv == nil || logger == nil {
		panic("NewCertificateStore: received nil kv or logger")
	}
	return &CertificateStore{
		kv:     kv,
		logger: logger.With("component", "certificate_store"),
	}
}

// certificateDoc is the wire form of one record. Domains were historically
// stored either as an array or as a comma-joined string; both are accepted.
type certificateDoc struct {
	Domains              json.RawMessage `json:"domains"`
	Certificate          string          `json:"certificate"`
	PrivateKey           string          `json:"privateKey"`
	IssuedAt             string          `json:"issuedAt"`
	RenewalStatus        string          `json:"renewalStatus,omitempty"`
	LastRenewalAttemptAt string          `json:"lastRenewalAttemptAt,omitempty"`
	LastRenewalSuccessAt string          `json:"lastRenewalSuccessAt,omitempty"`
}

// List returns all persisted certificate records. Malformed entries degrade
// to zero values and storage errors yield an empty list; the scheduler must
// stay live even when the store is transiently unavailable.
func (s *CertificateStore) List() []CertificateRecord {
	docs := s.load()
	records := make([]CertificateRecord, 0, len(docs))
	for i, doc := range docs {
		records = append(records, s.docToRecord(i, doc))
	}
	return records
}

// CertificatePatch is a partial update. Nil fields are left untouched, so an
// update can never drop domains or the issue timestamp by accident.
type CertificatePatch struct {
	Domains              []string
	CertificatePEM       *string
	PrivateKeyPEM        *string
	IssuedAt             *time.Time
	RenewalStatus        *RenewalStatus
	LastRenewalAttemptAt *time.Time
	LastRenewalSuccessAt *time.Time
}

// Update merges patch into the record at id with a single read-modify-write
// of the whole collection. Out-of-range ids are a no-op. Persistence errors
// are logged, not returned.
func (s *CertificateStore) Update(id int, patch CertificatePatch) {
	docs := s.load()
	if id < 0 || id >= len(docs) {
		s.logger.Warn("update for unknown certificate identity", "id", id)
		return
	}
	doc := &docs[id]
	if patch.Domains != nil {
		if b, err := json.Marshal(patch.Domains); err == nil {
			doc.Domains = b
		}
	}
	if patch.CertificatePEM != nil {
		doc.Certificate = *patch.CertificatePEM
	}
	if patch.PrivateKeyPEM != nil {
		doc.PrivateKey = *patch.PrivateKeyPEM
	}
	if patch.IssuedAt != nil {
		doc.IssuedAt = TimeFormat(*patch.IssuedAt)
	}
	if patch.RenewalStatus != nil {
		doc.RenewalStatus = string(*patch.RenewalStatus)
	}
	if patch.LastRenewalAttemptAt != nil {
		doc.LastRenewalAttemptAt = TimeFormat(*patch.LastRenewalAttemptAt)
	}
	if patch.LastRenewalSuccessAt != nil {
		doc.LastRenewalSuccessAt = TimeFormat(*patch.LastRenewalSuccessAt)
	}

	b, err := json.Marshal(docs)
	if err != nil {
		s.logger.Error("failed to encode certificate collection", "error", err)
		return
	}
	if err := s.kv.Set(CertificatesKey, string(b)); err != nil {
		s.logger.Error("failed to persist certificate collection", "id", id, "error", err)
	}
}

func (s *CertificateStore) load() []certificateDoc {
	raw, ok, err := s.kv.Get(CertificatesKey)
	if err != nil {
		s.logger.Error("failed to read certificate collection", "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var docs []certificateDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		s.logger.Error("malformed certificate collection document", "error", err)
		return nil
	}
	return docs
}

func (s *CertificateStore) docToRecord(id int, doc certificateDoc) CertificateRecord {
	rec := CertificateRecord{
		ID:             id,
		Domains:        decodeDomains(doc.Domains),
		CertificatePEM: doc.Certificate,
		PrivateKeyPEM:  doc.PrivateKey,
		RenewalStatus:  RenewalStatus(doc.RenewalStatus),
	}
	if rec.RenewalStatus == "" {
		rec.RenewalStatus = StatusIdle
	}
	if doc.IssuedAt != "" {
		t, err := ParseTime(doc.IssuedAt)
		if err != nil {
			// Left at the zero value; the expiry calculator flags it for
			// renewal instead of crashing.
			s.logger.Warn("malformed issuedAt timestamp", "id", id, "value", doc.IssuedAt)
		} else {
			rec.IssuedAt = t
		}
	}
	rec.LastRenewalAttemptAt = parseOptionalTime(doc.LastRenewalAttemptAt)
	rec.LastRenewalSuccessAt = parseOptionalTime(doc.LastRenewalSuccessAt)
	return rec
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

// decodeDomains accepts both wire forms and normalizes to a trimmed list.
func decodeDomains(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return normalizeDomains(list)
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return normalizeDomains(strings.Split(joined, ","))
	}
	return nil
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
