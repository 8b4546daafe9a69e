package renewal

import (
	"context"
	"fmt"
	"strings"
)

// AuthorizationState mirrors the issuer-side status of one domain
// authorization.
type AuthorizationState string

const (
	AuthorizationValid       AuthorizationState = "valid"
	AuthorizationPending     AuthorizationState = "pending"
	AuthorizationInvalid     AuthorizationState = "invalid"
	AuthorizationExpired     AuthorizationState = "expired"
	AuthorizationRevoked     AuthorizationState = "revoked"
	AuthorizationDeactivated AuthorizationState = "deactivated"
)

// Order is the engine-side handle for one certificate order.
type Order struct {
	URL               string
	FinalizeURL       string
	Domains           []string
	AuthorizationURLs []string
}

// IssuedCertificate is the downloadable result of a finalized order.
type IssuedCertificate struct {
	CertificatePEM string
	IssuerPEM      string
	URL            string
}

// Engine is the step contract to the external ACME protocol engine. Each step
// may block on the network. Implementations report authorization-related
// failures as *AuthorizationError so the orchestrator can classify outcomes
// without matching on error text.
type Engine interface {
	// LoadDirectory fetches and validates the issuer's directory document.
	LoadDirectory(ctx context.Context, directoryURL string) error
	// EnsureAccount creates or resolves the ACME account for the key.
	EnsureAccount(ctx context.Context, accountKeyPEM, contactEmail string) error
	// CreateOrder opens a new certificate order for the domains.
	CreateOrder(ctx context.Context, domains []string) (*Order, error)
	// AuthorizationStatus returns the issuer's per-domain authorization state
	// for the order.
	AuthorizationStatus(ctx context.Context, order *Order) (map[string]AuthorizationState, error)
	// FinalizeOrder submits the CSR and downloads the issued certificate.
	// Only called when every authorization is valid.
	FinalizeOrder(ctx context.Context, order *Order, certificateKeyPEM string) (*IssuedCertificate, error)
}

// AuthorizationError reports that the issuer no longer holds a valid cached
// authorization for one or more domains. The condition is user-recoverable,
// not a protocol failure.
type AuthorizationError struct {
	Domains []string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	if len(e.Domains) > 0 {
		return fmt.Sprintf("authorization required for %s: %s", strings.Join(e.Domains, ", "), e.Reason)
	}
	return "authorization required: " + e.Reason
}

// CapabilityError reports a missing precondition detected before any network
// step.
type CapabilityError struct {
	Missing string
}

func (e *CapabilityError) Error() string {
	return "missing " + e.Missing
}
