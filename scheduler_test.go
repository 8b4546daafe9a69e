package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRenewer struct {
	mu      sync.Mutex
	calls   []CertificateRecord
	renewFn func(rec CertificateRecord) Result
}

func (s *stubRenewer) Renew(_ context.Context, rec CertificateRecord) Result {
	s.mu.Lock()
	s.calls = append(s.calls, rec)
	s.mu.Unlock()
	if s.renewFn != nil {
		return s.renewFn(rec)
	}
	return Result{Outcome: OutcomeSuccess}
}

func (s *stubRenewer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (s *stubNotifier) Send(_ context.Context, text string) bool {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return true
}

func (s *stubNotifier) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// countingKV counts reads per key on top of a real store.
type countingKV struct {
	inner KV
	mu    sync.Mutex
	gets  map[string]int
	sets  int
}

func newCountingKV(inner KV) *countingKV {
	return &countingKV{inner: inner, gets: make(map[string]int)}
}

func (c *countingKV) Get(key string) (string, bool, error) {
	c.mu.Lock()
	c.gets[key]++
	c.mu.Unlock()
	return c.inner.Get(key)
}

func (c *countingKV) Set(key, value string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.inner.Set(key, value)
}

func (c *countingKV) Remove(key string) error { return c.inner.Remove(key) }

type schedulerFixture struct {
	kv        *MemoryKV
	store     *CertificateStore
	policy    *Policy
	history   *HistoryLog
	renewer   *stubRenewer
	notifier  *stubNotifier
	scheduler *Scheduler
	now       time.Time
}

func newSchedulerFixture(t *testing.T, kv KV) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		renewer:  &stubRenewer{},
		notifier: &stubNotifier{},
		now:      time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	memory, _ := kv.(*MemoryKV)
	f.kv = memory
	logger := testLogger()
	f.store = NewCertificateStore(kv, logger)
	f.policy = NewPolicy(kv, logger)
	f.history = NewHistoryLog(kv, logger)
	f.scheduler = NewScheduler(f.store, f.policy, f.history, f.renewer, f.notifier, logger)
	f.scheduler.SetClock(fixedClock(f.now))
	f.policy.SetClock(fixedClock(f.now))
	f.history.SetClock(fixedClock(f.now))
	return f
}

func (f *schedulerFixture) seedCertificate(t *testing.T, kv KV, issuedDaysAgo int) {
	t.Helper()
	issued := TimeFormat(f.now.AddDate(0, 0, -issuedDaysAgo))
	doc := fmt.Sprintf(`[{"domains": ["example.com"], "certificate": "OLD_CERT", "privateKey": "CERT_KEY", "issuedAt": %q}]`, issued)
	require.NoError(t, kv.Set(CertificatesKey, doc))
}

func (f *schedulerFixture) enablePolicy(t *testing.T) {
	t.Helper()
	cfg := DefaultPolicyConfig()
	cfg.Enabled = true
	require.NoError(t, f.policy.Save(cfg))
}

func TestCheckAndRenewSuccess(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 65)
	f.enablePolicy(t)
	f.renewer.renewFn = func(CertificateRecord) Result {
		return Result{
			Outcome:        OutcomeSuccess,
			CertificatePEM: "NEW_CERT",
			PrivateKeyPEM:  "CERT_KEY",
			CompletedAt:    f.now,
		}
	}

	f.scheduler.CheckAndRenew(context.Background())

	require.Equal(t, 1, f.renewer.callCount())

	records := f.store.List()
	require.Len(t, records, 1)
	assert.Equal(t, "NEW_CERT", records[0].CertificatePEM)
	assert.Equal(t, "CERT_KEY", records[0].PrivateKeyPEM)
	assert.Equal(t, f.now, records[0].IssuedAt)
	assert.Equal(t, StatusSuccess, records[0].RenewalStatus)
	require.NotNil(t, records[0].LastRenewalAttemptAt)
	require.NotNil(t, records[0].LastRenewalSuccessAt)

	// Attempt start plus terminal outcome, newest first.
	history := f.history.All()
	require.Len(t, history, 2)
	assert.Equal(t, StatusSuccess, history[0].Status)
	require.NotNil(t, history[0].NewExpiry)
	assert.Equal(t, f.now.AddDate(0, 0, ValidityDays), history[0].NewExpiry.UTC())
	assert.Equal(t, StatusInProgress, history[1].Status)

	// The happy path is silent.
	assert.Empty(t, f.notifier.sent())

	cfg := f.policy.Load()
	require.Contains(t, cfg.PerDomain, "example.com")
	assert.NotNil(t, cfg.PerDomain["example.com"].LastCheck)
	assert.NotNil(t, cfg.PerDomain["example.com"].LastRenewal)
}

func TestCheckAndRenewManualRequiredNotifiesOnce(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 65)
	f.enablePolicy(t)
	f.renewer.renewFn = func(CertificateRecord) Result {
		return Result{
			Outcome:        OutcomeManualRequired,
			PendingDomains: []string{"example.com"},
			ManualURL:      "https://admin.example.com/certificates",
			Err:            &AuthorizationError{Domains: []string{"example.com"}, Reason: "domain validation has not been completed"},
		}
	}

	f.scheduler.CheckAndRenew(context.Background())

	records := f.store.List()
	require.Len(t, records, 1)
	assert.Equal(t, StatusManualRequired, records[0].RenewalStatus)
	// The old certificate material stays in place until a renewal succeeds.
	assert.Equal(t, "OLD_CERT", records[0].CertificatePEM)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "example.com")
	assert.Contains(t, sent[0], "https://admin.example.com/certificates")

	history := f.history.All()
	require.Len(t, history, 2)
	assert.Equal(t, StatusManualRequired, history[0].Status)
	assert.NotEmpty(t, history[0].Error)
}

func TestCheckAndRenewFailureNotifies(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 65)
	f.enablePolicy(t)
	f.renewer.renewFn = func(CertificateRecord) Result {
		return Result{Outcome: OutcomeFailure, Err: errors.New("connection refused")}
	}

	f.scheduler.CheckAndRenew(context.Background())

	records := f.store.List()
	require.Len(t, records, 1)
	assert.Equal(t, StatusFailure, records[0].RenewalStatus)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "connection refused")

	history := f.history.All()
	require.Len(t, history, 2)
	assert.Equal(t, StatusFailure, history[0].Status)
	assert.Equal(t, "connection refused", history[0].Error)
}

func TestCheckAndRenewDisabledPolicyTouchesNothing(t *testing.T) {
	memory := NewMemoryKV()
	f := newSchedulerFixture(t, memory)
	f.seedCertificate(t, memory, 100) // long expired, would otherwise renew

	counting := newCountingKV(memory)
	logger := testLogger()
	scheduler := NewScheduler(
		NewCertificateStore(counting, logger),
		NewPolicy(counting, logger),
		NewHistoryLog(counting, logger),
		f.renewer,
		f.notifier,
		logger,
	)
	scheduler.SetClock(fixedClock(f.now))

	scheduler.CheckAndRenew(context.Background())

	assert.Zero(t, f.renewer.callCount())
	assert.Empty(t, f.notifier.sent())
	counting.mu.Lock()
	defer counting.mu.Unlock()
	assert.Zero(t, counting.gets[CertificatesKey])
	assert.Zero(t, counting.sets)
}

func TestCheckAndRenewSkipsValidCertificates(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 10) // 80 days left, well outside the threshold
	f.enablePolicy(t)

	f.scheduler.CheckAndRenew(context.Background())

	assert.Zero(t, f.renewer.callCount())
	assert.Empty(t, f.notifier.sent())
	assert.Empty(t, f.history.All())
}

func TestCheckAndRenewIneligibleDomainWarnsOnce(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 65)
	cfg := DefaultPolicyConfig()
	cfg.Enabled = true
	cfg.PerDomain = map[string]DomainPolicy{"example.com": {Enabled: false}}
	require.NoError(t, f.policy.Save(cfg))

	f.scheduler.CheckAndRenew(context.Background())
	f.scheduler.CheckAndRenew(context.Background())

	assert.Zero(t, f.renewer.callCount())
	// Expiry warning is deduplicated across passes.
	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "example.com")
	assert.Contains(t, sent[0], "25 days")
}

func TestCheckAndRenewSkipsInProgressRecord(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	issued := TimeFormat(f.now.AddDate(0, 0, -65))
	doc := fmt.Sprintf(`[{"domains": ["example.com"], "certificate": "OLD_CERT", "privateKey": "CERT_KEY", "issuedAt": %q, "renewalStatus": "in_progress"}]`, issued)
	require.NoError(t, kv.Set(CertificatesKey, doc))
	f.enablePolicy(t)

	f.scheduler.CheckAndRenew(context.Background())

	assert.Zero(t, f.renewer.callCount())
	assert.Len(t, f.notifier.sent(), 1)
}

func TestSchedulerStartStop(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.seedCertificate(t, kv, 65)
	cfg := DefaultPolicyConfig()
	cfg.Enabled = true
	cfg.CheckInterval = 10 * time.Millisecond
	require.NoError(t, f.policy.Save(cfg))

	ctx := context.Background()
	f.scheduler.Start(ctx)
	f.scheduler.Start(ctx) // second Start is a no-op

	require.Eventually(t, func() bool {
		return f.renewer.callCount() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.scheduler.Status().Running)

	f.scheduler.Stop()
	f.scheduler.Stop() // idempotent
	assert.False(t, f.scheduler.Status().Running)

	// A stopped scheduler can be started again.
	f.scheduler.Start(ctx)
	f.scheduler.Stop()
}

func TestSchedulerStatusSnapshot(t *testing.T) {
	kv := NewMemoryKV()
	f := newSchedulerFixture(t, kv)
	f.enablePolicy(t)
	f.history.Record("example.com", StatusSuccess, "", nil, nil)

	status := f.scheduler.Status()
	assert.False(t, status.Running)
	assert.True(t, status.Config.Enabled)
	assert.Equal(t, 1, status.Stats.Success)
}
