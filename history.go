package renewal

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// HistoryKey is the KV key holding the renewal history document.
const HistoryKey = "renewal_history"

// MaxHistoryRecords caps the audit trail globally, not per domain. Insertion
// is at the head, eviction from the tail.
const MaxHistoryRecords = 10

// HistoryStats is a single-pass summary of the current records.
type HistoryStats struct {
	Total          int
	Success        int
	Failure        int
	InProgress     int
	ManualRequired int
}

type historyRecordDoc struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	OldExpiry string `json:"oldExpiry,omitempty"`
	NewExpiry string `json:"newExpiry,omitempty"`
}

type historyDoc struct {
	Records []historyRecordDoc `json:"records"`
}

// HistoryLog is the bounded, most-recent-first audit trail of renewal
// attempts. It is best effort, not authoritative: storage failures are logged
// and swallowed, never returned.
type HistoryLog struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewHistoryLog(kv KV, logger *slog.Logger) *HistoryLog {
	if kv == nil || logger == nil {
		panic("NewHistoryLog: received nil kv or logger")
	}
	return &HistoryLog{
		kv:     kv,
		logger: logger.With("component", "history_log"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetClock replaces the time source, mainly for testing.
func (h *HistoryLog) SetClock(now func() time.Time) { h.now = now }

// Record appends a new entry at the head and truncates to the most recent
// MaxHistoryRecords. The created record is returned even when persistence
// fails.
func (h *HistoryLog) Record(domain string, status RenewalStatus, errMsg string, oldExpiry, newExpiry *time.Time) HistoryRecord {
	rec := HistoryRecord{
		ID:        h.newID(),
		Domain:    domain,
		Timestamp: h.now(),
		Status:    status,
		Error:     errMsg,
		OldExpiry: oldExpiry,
		NewExpiry: newExpiry,
	}
	records := h.load()
	records = append([]HistoryRecord{rec}, records...)
	if len(records) > MaxHistoryRecords {
		records = records[:MaxHistoryRecords]
	}
	h.save(records)
	return rec
}

// All returns the current records, newest first.
func (h *HistoryLog) All() []HistoryRecord {
	return h.load()
}

func (h *HistoryLog) ForDomain(domain string) []HistoryRecord {
	var out []HistoryRecord
	for _, rec := range h.load() {
		if rec.Domain == domain {
			out = append(out, rec)
		}
	}
	return out
}

func (h *HistoryLog) LatestForDomain(domain string) (HistoryRecord, bool) {
	for _, rec := range h.load() {
		if rec.Domain == domain {
			return rec, true
		}
	}
	return HistoryRecord{}, false
}

func (h *HistoryLog) Statistics() HistoryStats {
	stats := HistoryStats{}
	for _, rec := range h.load() {
		stats.Total++
		switch rec.Status {
		case StatusSuccess:
			stats.Success++
		case StatusFailure:
			stats.Failure++
		case StatusInProgress:
			stats.InProgress++
		case StatusManualRequired:
			stats.ManualRequired++
		}
	}
	return stats
}

func (h *HistoryLog) load() []HistoryRecord {
	raw, ok, err := h.kv.Get(HistoryKey)
	if err != nil {
		h.logger.Error("failed to read history document", "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var doc historyDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		h.logger.Warn("malformed history document, starting fresh", "error", err)
		return nil
	}
	records := make([]HistoryRecord, 0, len(doc.Records))
	for _, d := range doc.Records {
		rec := HistoryRecord{
			ID:     d.ID,
			Domain: d.Domain,
			Status: RenewalStatus(d.Status),
			Error:  d.Error,
		}
		if t, err := ParseTime(d.Timestamp); err == nil {
			rec.Timestamp = t
		}
		rec.OldExpiry = parseOptionalTime(d.OldExpiry)
		rec.NewExpiry = parseOptionalTime(d.NewExpiry)
		records = append(records, rec)
	}
	return records
}

func (h *HistoryLog) save(records []HistoryRecord) {
	doc := historyDoc{Records: make([]historyRecordDoc, 0, len(records))}
	for _, rec := range records {
		d := historyRecordDoc{
			ID:        rec.ID,
			Domain:    rec.Domain,
			Timestamp: TimeFormat(rec.Timestamp),
			Status:    string(rec.Status),
			Error:     rec.Error,
		}
		if rec.OldExpiry != nil {
			d.OldExpiry = TimeFormat(*rec.OldExpiry)
		}
		if rec.NewExpiry != nil {
			d.NewExpiry = TimeFormat(*rec.NewExpiry)
		}
		doc.Records = append(doc.Records, d)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		h.logger.Error("failed to encode history document", "error", err)
		return
	}
	if err := h.kv.Set(HistoryKey, string(b)); err != nil {
		h.logger.Error("failed to persist history document", "error", err)
	}
}
