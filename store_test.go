package renewal

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingKV simulates an unavailable backing store.
type failingKV struct{}

func (failingKV) Get(string) (string, bool, error) { return "", false, errors.New("kv down") }
func (failingKV) Set(string, string) error         { return errors.New("kv down") }
func (failingKV) Remove(string) error              { return errors.New("kv down") }

func TestStoreListAcceptsBothDomainForms(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(CertificatesKey, `[
		{"domains": ["example.com", "www.example.com"], "certificate": "CERT", "privateKey": "KEY", "issuedAt": "2025-06-01T00:00:00Z"},
		{"domains": "legacy.example.com, alt.example.com", "certificate": "CERT2", "privateKey": "KEY2", "issuedAt": "2025-06-02T00:00:00Z", "renewalStatus": "success"}
	]`))

	store := NewCertificateStore(kv, testLogger())
	records := store.List()
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].ID)
	assert.Equal(t, []string{"example.com", "www.example.com"}, records[0].Domains)
	assert.Equal(t, StatusIdle, records[0].RenewalStatus)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), records[0].IssuedAt)

	assert.Equal(t, 1, records[1].ID)
	assert.Equal(t, []string{"legacy.example.com", "alt.example.com"}, records[1].Domains)
	assert.Equal(t, StatusSuccess, records[1].RenewalStatus)
}

func TestStoreListMalformedIssuedAt(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(CertificatesKey, `[
		{"domains": ["example.com"], "certificate": "CERT", "privateKey": "KEY", "issuedAt": "not-a-date"}
	]`))

	store := NewCertificateStore(kv, testLogger())
	records := store.List()
	require.Len(t, records, 1)
	assert.True(t, records[0].IssuedAt.IsZero())

	// A record with an unreadable issue date must be flagged for renewal.
	calc := ExpiryCalculator{Now: time.Now}
	assert.Equal(t, CertNeedsRenewal, calc.Status(records[0], DefaultThresholdDays))
}

func TestStoreUpdatePreservesUnpatchedFields(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(CertificatesKey, `[
		{"domains": ["example.com"], "certificate": "OLD_CERT", "privateKey": "OLD_KEY", "issuedAt": "2025-06-01T00:00:00Z"}
	]`))
	store := NewCertificateStore(kv, testLogger())

	status := StatusInProgress
	attempt := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	store.Update(0, CertificatePatch{RenewalStatus: &status, LastRenewalAttemptAt: &attempt})

	records := store.List()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"example.com"}, records[0].Domains)
	assert.Equal(t, "OLD_CERT", records[0].CertificatePEM)
	assert.Equal(t, "OLD_KEY", records[0].PrivateKeyPEM)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), records[0].IssuedAt)
	assert.Equal(t, StatusInProgress, records[0].RenewalStatus)
	require.NotNil(t, records[0].LastRenewalAttemptAt)
	assert.Equal(t, attempt, *records[0].LastRenewalAttemptAt)
}

func TestStoreUpdateFullRenewalOutcome(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(CertificatesKey, `[
		{"domains": ["example.com"], "certificate": "OLD_CERT", "privateKey": "OLD_KEY", "issuedAt": "2025-03-01T00:00:00Z"}
	]`))
	store := NewCertificateStore(kv, testLogger())

	cert := "NEW_CERT"
	key := "NEW_KEY"
	issued := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	status := StatusSuccess
	store.Update(0, CertificatePatch{
		CertificatePEM:       &cert,
		PrivateKeyPEM:        &key,
		IssuedAt:             &issued,
		RenewalStatus:        &status,
		LastRenewalSuccessAt: &issued,
	})

	records := store.List()
	require.Len(t, records, 1)
	assert.Equal(t, "NEW_CERT", records[0].CertificatePEM)
	assert.Equal(t, "NEW_KEY", records[0].PrivateKeyPEM)
	assert.Equal(t, issued, records[0].IssuedAt)
	assert.Equal(t, StatusSuccess, records[0].RenewalStatus)

	// Unknown wire fields do not leak into the document.
	raw, ok, err := kv.Get(CertificatesKey)
	require.NoError(t, err)
	require.True(t, ok)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "2025-08-01T10:00:00Z", docs[0]["issuedAt"])
}

func TestStoreUpdateOutOfRangeIsNoop(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(CertificatesKey, `[
		{"domains": ["example.com"], "certificate": "CERT", "privateKey": "KEY", "issuedAt": "2025-06-01T00:00:00Z"}
	]`))
	store := NewCertificateStore(kv, testLogger())

	before, _, _ := kv.Get(CertificatesKey)
	status := StatusFailure
	store.Update(5, CertificatePatch{RenewalStatus: &status})
	store.Update(-1, CertificatePatch{RenewalStatus: &status})
	after, _, _ := kv.Get(CertificatesKey)

	assert.Equal(t, before, after)
}

func TestStoreSurvivesBackendFailure(t *testing.T) {
	store := NewCertificateStore(failingKV{}, testLogger())

	assert.Empty(t, store.List())
	status := StatusFailure
	assert.NotPanics(t, func() {
		store.Update(0, CertificatePatch{RenewalStatus: &status})
	})
}
