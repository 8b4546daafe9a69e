package renewal

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Outcome is the tri-state result of one renewal attempt, plus the
// non-terminal in_progress marker returned to re-entrant callers.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomeManualRequired Outcome = "manual_required"
	OutcomeInProgress     Outcome = "in_progress"
)

// Result carries everything the scheduler needs to persist the side effects
// of one attempt. The orchestrator itself never touches the store.
type Result struct {
	Outcome        Outcome
	CertificatePEM string
	PrivateKeyPEM  string
	CompletedAt    time.Time
	PendingDomains []string
	ManualURL      string
	Err            error
}

// Orchestrator drives exactly one renewal attempt at a time through the ACME
// engine's step contract, exploiting issuer-side authorization caching: when
// every domain still holds a valid authorization the order is finalized with
// no challenge step; otherwise the attempt stops and reports that manual
// validation is required.
type Orchestrator struct {
	engine  Engine
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

func NewOrchestrator(engine Engine, cfg *Config, logger *slog.Logger) *Orchestrator {
	if engine == nil || cfg == nil || logger == nil {
		panic("NewOrchestrator: received nil engine, config, or logger")
	}
	return &Orchestrator{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "renewal_orchestrator"),
		now:    time.Now,
	}
}

// SetClock replaces the time source, mainly for testing.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Renew attempts one renewal for rec. A call while another attempt is running
// returns OutcomeInProgress immediately instead of queuing or erroring.
func (o *Orchestrator) Renew(ctx context.Context, rec CertificateRecord) Result {
	if !o.running.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeInProgress}
	}
	defer o.running.Store(false)

	log := o.logger.With("domains", rec.DomainKey())

	if err := o.checkCapabilities(rec); err != nil {
		log.Error("renewal capability check failed", "error", err)
		return Result{Outcome: OutcomeFailure, Err: err}
	}

	log.Info("starting renewal attempt")

	if err := o.engine.LoadDirectory(ctx, o.cfg.CADirectoryURL); err != nil {
		log.Error("failed to load ACME directory", "url", o.cfg.CADirectoryURL, "error", err)
		return o.classify(err)
	}
	if err := o.engine.EnsureAccount(ctx, o.cfg.AccountKeyPEM, o.cfg.Email); err != nil {
		log.Error("failed to ensure ACME account", "email", o.cfg.Email, "error", err)
		return o.classify(err)
	}
	order, err := o.engine.CreateOrder(ctx, rec.Domains)
	if err != nil {
		log.Error("failed to create order", "error", err)
		return o.classify(err)
	}
	states, err := o.engine.AuthorizationStatus(ctx, order)
	if err != nil {
		log.Error("failed to read authorization status", "error", err)
		return o.classify(err)
	}

	if pending := pendingDomains(rec.Domains, states); len(pending) > 0 {
		// The issuer no longer caches a valid authorization for at least one
		// domain. Challenge completion is a human step, not ours.
		log.Info("cached authorization missing, manual validation required", "pending", pending)
		return Result{
			Outcome:        OutcomeManualRequired,
			PendingDomains: pending,
			ManualURL:      o.cfg.ManualRenewalURL,
			Err:            &AuthorizationError{Domains: pending, Reason: "domain validation has not been completed"},
		}
	}

	log.Info("all authorizations cached as valid, finalizing order")
	issued, err := o.engine.FinalizeOrder(ctx, order, rec.PrivateKeyPEM)
	if err != nil {
		log.Error("failed to finalize order", "error", err)
		return o.classify(err)
	}

	log.Info("renewal succeeded", "certificate_url", issued.URL)
	return Result{
		Outcome:        OutcomeSuccess,
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  rec.PrivateKeyPEM,
		CompletedAt:    o.now(),
	}
}

func (o *Orchestrator) checkCapabilities(rec CertificateRecord) error {
	if o.cfg.AccountKeyPEM == "" {
		return &CapabilityError{Missing: "ACME account key"}
	}
	if o.cfg.Email == "" {
		return &CapabilityError{Missing: "contact email"}
	}
	if rec.PrivateKeyPEM == "" {
		return &CapabilityError{Missing: "certificate private key"}
	}
	if len(rec.Domains) == 0 {
		return &CapabilityError{Missing: "domain list"}
	}
	return nil
}

// classify turns an engine failure into an outcome: authorization-flavored
// errors are user-recoverable and become manual_required, everything else is
// a failure whose message is preserved verbatim for audit.
func (o *Orchestrator) classify(err error) Result {
	var authz *AuthorizationError
	if errors.As(err, &authz) {
		return Result{
			Outcome:        OutcomeManualRequired,
			PendingDomains: authz.Domains,
			ManualURL:      o.cfg.ManualRenewalURL,
			Err:            err,
		}
	}
	return Result{Outcome: OutcomeFailure, Err: err}
}

func pendingDomains(domains []string, states map[string]AuthorizationState) []string {
	var pending []string
	for _, d := range domains {
		if states[d] != AuthorizationValid {
			pending = append(pending, d)
		}
	}
	return pending
}
