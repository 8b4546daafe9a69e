package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier delivers outbound notifications. Delivery is fire-and-forget; a
// false return is logged but never escalated.
type Notifier interface {
	Send(ctx context.Context, text string) bool
}

// Renewer is the orchestrator surface the scheduler depends on.
type Renewer interface {
	Renew(ctx context.Context, rec CertificateRecord) Result
}

// SchedulerStatus is a read-only snapshot for hosts.
type SchedulerStatus struct {
	Running bool
	Config  PolicyConfig
	Stats   HistoryStats
}

// Scheduler is the top-level periodic driver: on each tick it finds due
// certificates, filters them through policy, runs one renewal attempt each,
// and persists the outcome. Certificates are processed sequentially within a
// tick and ticks never overlap.
type Scheduler struct {
	store    *CertificateStore
	policy   *Policy
	history  *HistoryLog
	renewer  Renewer
	notifier Notifier
	logger   *slog.Logger
	calc     ExpiryCalculator
	now      func() time.Time

	archive  ArchiveWriter        // optional
	exporter *CertificateExporter // optional

	mu      sync.Mutex // guards running/stop
	running bool
	stop    chan struct{}
	done    chan struct{}

	tickMu sync.Mutex // serializes CheckAndRenew passes

	// Domains already warned about upcoming expiry during this process's
	// lifetime. Cleared per domain by a successful renewal.
	notified map[string]struct{}
}

func NewScheduler(store *CertificateStore, policy *Policy, history *HistoryLog, renewer Renewer, notifier Notifier, logger *slog.Logger) *Scheduler {
	if store == nil || policy == nil || history == nil || renewer == nil || notifier == nil || logger == nil {
		panic("NewScheduler: received nil dependency")
	}
	return &Scheduler{
		store:    store,
		policy:   policy,
		history:  history,
		renewer:  renewer,
		notifier: notifier,
		logger:   logger.With("component", "renewal_scheduler"),
		now:      time.Now,
		notified: make(map[string]struct{}),
	}
}

// SetClock replaces the time source for the scheduler and its expiry
// calculator, mainly for testing.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.calc = ExpiryCalculator{Now: now}
}

// SetArchive wires an optional archive for successfully renewed certificates.
func (s *Scheduler) SetArchive(w ArchiveWriter) { s.archive = w }

// SetExporter wires an optional file exporter for the latest renewed
// certificate.
func (s *Scheduler) SetExporter(e *CertificateExporter) { s.exporter = e }

// Start performs one immediate check and then arms a repeating timer at the
// policy's check interval. Calling Start while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	interval := s.policy.Load().CheckInterval
	s.logger.Info("scheduler started", "check_interval", interval)

	go func() {
		defer close(done)
		s.CheckAndRenew(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckAndRenew(ctx)
			}
		}
	}()
}

// Stop prevents future ticks from starting; an in-flight tick completes on
// its own. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Status returns a side-effect-free snapshot.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SchedulerStatus{
		Running: running,
		Config:  s.policy.Load(),
		Stats:   s.history.Statistics(),
	}
}

// CheckAndRenew runs one scheduling pass. Passes never overlap: the run loop
// is the only periodic caller and host-driven calls serialize on the same
// lock.
func (s *Scheduler) CheckAndRenew(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if !s.policy.IsGloballyEnabled() {
		// Disabled means disabled: no store reads, no mutation.
		return
	}

	cfg := s.policy.Load()
	for _, rec := range s.store.List() {
		key := rec.DomainKey()
		if key == "" {
			continue
		}
		if s.calc.Status(rec, cfg.ThresholdDays) == CertValid {
			continue
		}

		if !s.policy.IsDomainEligible(key) || rec.RenewalStatus == StatusInProgress {
			// Due but not attemptable by us right now; warn the user once.
			s.warnExpiry(ctx, rec)
			s.policy.TouchLastCheck(key)
			continue
		}

		s.renewOne(ctx, rec)
		s.policy.TouchLastCheck(key)
	}
}

// warnExpiry notifies about an upcoming expiry at most once per domain-set
// per process lifetime.
func (s *Scheduler) warnExpiry(ctx context.Context, rec CertificateRecord) {
	key := rec.DomainKey()
	if _, ok := s.notified[key]; ok {
		return
	}
	s.notified[key] = struct{}{}
	days := s.calc.DaysUntilExpiry(rec)
	text := fmt.Sprintf("Certificate for %s expires in %d days and has not been renewed automatically.", key, days)
	if !s.notifier.Send(ctx, text) {
		s.logger.Warn("expiry notification delivery failed", "domains", key)
	}
}

func (s *Scheduler) renewOne(ctx context.Context, rec CertificateRecord) {
	key := rec.DomainKey()
	now := s.now()
	job := RenewalJob{
		ID:        uuid.NewString(),
		Domain:    key,
		Status:    JobPending,
		CreatedAt: now,
	}
	log := s.logger.With("job_id", job.ID, "domains", key)

	var oldExpiry *time.Time
	if !rec.IssuedAt.IsZero() {
		t := s.calc.ExpiryDate(rec.IssuedAt)
		oldExpiry = &t
	}

	job.Status = JobInProgress
	job.StartedAt = now
	inProgress := StatusInProgress
	s.store.Update(rec.ID, CertificatePatch{RenewalStatus: &inProgress, LastRenewalAttemptAt: &now})
	s.history.Record(key, StatusInProgress, "", oldExpiry, nil)
	log.Info("renewal attempt started")

	res := s.renewer.Renew(ctx, rec)
	job.CompletedAt = s.now()

	switch res.Outcome {
	case OutcomeSuccess:
		job.Status = JobCompleted
		job.ResultCertificatePEM = res.CertificatePEM
		issued := res.CompletedAt
		if issued.IsZero() {
			issued = job.CompletedAt
		}
		newExpiry := s.calc.ExpiryDate(issued)
		success := StatusSuccess
		s.store.Update(rec.ID, CertificatePatch{
			CertificatePEM:       &res.CertificatePEM,
			PrivateKeyPEM:        &res.PrivateKeyPEM,
			IssuedAt:             &issued,
			RenewalStatus:        &success,
			LastRenewalSuccessAt: &issued,
		})
		s.history.Record(key, StatusSuccess, "", oldExpiry, &newExpiry)
		delete(s.notified, key)
		s.policy.TouchLastRenewal(key)
		s.archiveSuccess(rec, res, issued, newExpiry, log)
		// Success is deliberately silent: no notification on the happy path.
		log.Info("renewal succeeded", "new_expiry", TimeFormat(newExpiry))

	case OutcomeManualRequired:
		job.Status = JobManualRequired
		job.Error = errText(res.Err)
		manual := StatusManualRequired
		s.store.Update(rec.ID, CertificatePatch{RenewalStatus: &manual})
		s.history.Record(key, StatusManualRequired, errText(res.Err), oldExpiry, nil)
		text := fmt.Sprintf("Automatic renewal for %s needs manual domain validation", key)
		if len(res.PendingDomains) > 0 {
			text += fmt.Sprintf(" (%s)", strings.Join(res.PendingDomains, ", "))
		}
		text += "."
		if res.ManualURL != "" {
			text += " Complete it at " + res.ManualURL + "."
		}
		if !s.notifier.Send(ctx, text) {
			log.Warn("manual-required notification delivery failed")
		}
		log.Info("renewal requires manual validation", "pending", res.PendingDomains)

	case OutcomeFailure:
		job.Status = JobFailure
		job.Error = errText(res.Err)
		failure := StatusFailure
		s.store.Update(rec.ID, CertificatePatch{RenewalStatus: &failure})
		s.history.Record(key, StatusFailure, errText(res.Err), oldExpiry, nil)
		if !s.notifier.Send(ctx, fmt.Sprintf("Automatic renewal for %s failed: %s", key, errText(res.Err))) {
			log.Warn("failure notification delivery failed")
		}
		log.Error("renewal failed", "error", res.Err)

	case OutcomeInProgress:
		// Re-entrancy guard tripped; no terminal store or history mutation.
		log.Info("renewal already in progress, skipping")
	}

	log.Debug("renewal job finished",
		"status", string(job.Status),
		"duration", job.CompletedAt.Sub(job.StartedAt).String())
}

func (s *Scheduler) archiveSuccess(rec CertificateRecord, res Result, issued, expires time.Time, log *slog.Logger) {
	if s.exporter != nil {
		if err := s.exporter.Export(res.CertificatePEM, res.PrivateKeyPEM); err != nil {
			log.Error("failed to export renewed certificate", "error", err)
		}
	}
	if s.archive == nil {
		return
	}
	err := s.archive.AddCert(ArchivedCert{
		Identifier:     rec.PrimaryDomain(),
		Domains:        rec.Domains,
		CertificatePEM: res.CertificatePEM,
		PrivateKeyPEM:  res.PrivateKeyPEM,
		IssuedAt:       issued,
		ExpiresAt:      expires,
	})
	if err != nil {
		log.Error("failed to archive renewed certificate", "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
