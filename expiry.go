package renewal

import "time"

// ValidityDays is the fixed validity window applied uniformly to every
// certificate. It is not stored per record.
const ValidityDays = 90

// CertStatus is the coarse expiry state of a certificate.
type CertStatus string

const (
	CertValid        CertStatus = "valid"
	CertNeedsRenewal CertStatus = "needs_renewal"
	CertExpired      CertStatus = "expired"
)

// ExpiryCalculator computes expiry dates and days-remaining. The zero value
// uses the wall clock; tests inject Now.
type ExpiryCalculator struct {
	Now func() time.Time
}

func (c ExpiryCalculator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ExpiryDate returns issuedAt plus the validity window, using calendar-day
// arithmetic. A zero issuedAt (malformed persisted timestamp) counts as
// issued now.
func (c ExpiryCalculator) ExpiryDate(issuedAt time.Time) time.Time {
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	return issuedAt.AddDate(0, 0, ValidityDays)
}

// DaysUntilExpiry is the ceiling of the remaining lifetime in days. Negative
// once the certificate is past its expiry date.
func (c ExpiryCalculator) DaysUntilExpiry(rec CertificateRecord) int {
	remaining := c.ExpiryDate(rec.IssuedAt).Sub(c.now())
	days := remaining / (24 * time.Hour)
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return int(days)
}

// Status classifies a record against the renewal threshold. A record whose
// issue timestamp could not be parsed is flagged for renewal immediately
// rather than crashing or hiding.
func (c ExpiryCalculator) Status(rec CertificateRecord, thresholdDays int) CertStatus {
	if rec.IssuedAt.IsZero() {
		return CertNeedsRenewal
	}
	days := c.DaysUntilExpiry(rec)
	switch {
	case days <= 0:
		return CertExpired
	case days <= thresholdDays:
		return CertNeedsRenewal
	default:
		return CertValid
	}
}
