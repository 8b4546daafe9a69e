package renewal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// PolicyKey is the KV key holding the renewal policy document.
const PolicyKey = "renewal_policy"

const (
	MinThresholdDays     = 1
	MaxThresholdDays     = 60
	DefaultThresholdDays = 30
	DefaultCheckInterval = 24 * time.Hour
)

// DomainPolicy is a per-domain-set override. An absent entry means "inherit
// the global enabled state"; an entry with Enabled=false always wins over a
// global enable, never the reverse.
type DomainPolicy struct {
	Enabled     bool       `json:"enabled"`
	LastCheck   *time.Time `json:"lastCheck,omitempty"`
	LastRenewal *time.Time `json:"lastRenewal,omitempty"`
}

// PolicyConfig is the renewal policy as used in-process.
type PolicyConfig struct {
	Enabled       bool
	ThresholdDays int
	CheckInterval time.Duration
	PerDomain     map[string]DomainPolicy
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Enabled:       false,
		ThresholdDays: DefaultThresholdDays,
		CheckInterval: DefaultCheckInterval,
	}
}

func (c PolicyConfig) Validate() error {
	if c.ThresholdDays < MinThresholdDays || c.ThresholdDays > MaxThresholdDays {
		return fmt.Errorf("policy: threshold must be between %d and %d days, got %d",
			MinThresholdDays, MaxThresholdDays, c.ThresholdDays)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("policy: check interval must be positive, got %s", c.CheckInterval)
	}
	return nil
}

// policyDoc is the persisted wire form. The check interval is stored in
// milliseconds.
type policyDoc struct {
	Enabled         bool                    `json:"enabled"`
	Threshold       int                     `json:"threshold"`
	CheckIntervalMS int64                   `json:"checkInterval"`
	PerDomain       map[string]DomainPolicy `json:"perDomain,omitempty"`
}

// Policy answers eligibility questions against the persisted policy document.
// Access is single-writer by design; the scheduler is the only mutator during
// a tick.
type Policy struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time
}

func NewPolicy(kv KV, logger *slog.Logger) *Policy {
	if kv == nil || logger == nil {
		panic("NewPolicy: received nil kv or logger")
	}
	return &Policy{
		kv:     kv,
		logger: logger.With("component", "renewal_policy"),
		now:    time.Now,
	}
}

// SetClock replaces the time source, mainly for testing.
func (p *Policy) SetClock(now func() time.Time) { p.now = now }

// Load returns the stored policy, defaulting field by field so a missing or
// partially corrupt document still yields a usable configuration. Never
// returns an error to the caller.
func (p *Policy) Load() PolicyConfig {
	raw, ok, err := p.kv.Get(PolicyKey)
	if err != nil {
		p.logger.Error("failed to read policy document", "error", err)
		return DefaultPolicyConfig()
	}
	if !ok || raw == "" {
		return DefaultPolicyConfig()
	}
	var doc policyDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		p.logger.Warn("malformed policy document, using defaults", "error", err)
		return DefaultPolicyConfig()
	}
	cfg := PolicyConfig{
		Enabled:       doc.Enabled,
		ThresholdDays: doc.Threshold,
		CheckInterval: time.Duration(doc.CheckIntervalMS) * time.Millisecond,
		PerDomain:     doc.PerDomain,
	}
	if cfg.ThresholdDays < MinThresholdDays || cfg.ThresholdDays > MaxThresholdDays {
		cfg.ThresholdDays = DefaultThresholdDays
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return cfg
}

// Save validates and persists cfg. A validation rejection leaves the stored
// document untouched.
func (p *Policy) Save(cfg PolicyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	doc := policyDoc{
		Enabled:         cfg.Enabled,
		Threshold:       cfg.ThresholdDays,
		CheckIntervalMS: cfg.CheckInterval.Milliseconds(),
		PerDomain:       cfg.PerDomain,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy: encode config: %w", err)
	}
	if err := p.kv.Set(PolicyKey, string(b)); err != nil {
		return fmt.Errorf("policy: persist config: %w", err)
	}
	return nil
}

func (p *Policy) IsGloballyEnabled() bool {
	return p.Load().Enabled
}

// IsDomainEligible reports whether automatic renewal may run for the
// domain-set key right now.
func (p *Policy) IsDomainEligible(domain string) bool {
	cfg := p.Load()
	if !cfg.Enabled {
		return false
	}
	if dp, ok := cfg.PerDomain[domain]; ok && !dp.Enabled {
		return false
	}
	return true
}

func (p *Policy) SetDomainEnabled(domain string, enabled bool) {
	p.merge(domain, func(dp *DomainPolicy) { dp.Enabled = enabled })
}

func (p *Policy) TouchLastCheck(domain string) {
	now := p.now()
	p.merge(domain, func(dp *DomainPolicy) { dp.LastCheck = &now })
}

func (p *Policy) TouchLastRenewal(domain string) {
	now := p.now()
	p.merge(domain, func(dp *DomainPolicy) { dp.LastRenewal = &now })
}

// merge is a read-merge-write against the persisted document. Entries created
// implicitly start enabled, which is inherit-equivalent: touches only happen
// while the global switch is on.
func (p *Policy) merge(domain string, mutate func(*DomainPolicy)) {
	cfg := p.Load()
	if cfg.PerDomain == nil {
		cfg.PerDomain = make(map[string]DomainPolicy)
	}
	dp, ok := cfg.PerDomain[domain]
	if !ok {
		dp = DomainPolicy{Enabled: true}
	}
	mutate(&dp)
	cfg.PerDomain[domain] = dp
	if err := p.Save(cfg); err != nil {
		p.logger.Error("failed to persist policy update", "domain", domain, "error", err)
	}
}
