// Package legoengine adapts the go-acme/lego low-level ACME client to the
// renewal engine step contract.
package legoengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/caasmo/restinpieces-renewal"
)

const (
	userAgent        = "restinpieces-renewal/1.0"
	finalizeInterval = 1 * time.Second
	finalizeTimeout  = 60 * time.Second
)

// Engine speaks ACME via the lego low-level API. It carries no challenge
// solvers: orders are only finalized when the issuer already holds valid
// authorizations for every domain.
type Engine struct {
	httpClient *http.Client
	logger     *slog.Logger

	directoryURL string
	core         *api.Core
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		panic("legoengine.New: received nil logger")
	}
	return &Engine{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "lego_engine"),
	}
}

// LoadDirectory fetches the directory document and checks it advertises the
// endpoints a renewal needs.
func (e *Engine) LoadDirectory(ctx context.Context, directoryURL string) error {
	if directoryURL == "" {
		return errors.New("directory URL is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch ACME directory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ACME directory returned status %d", resp.StatusCode)
	}

	var dir acme.Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return fmt.Errorf("failed to decode ACME directory: %w", err)
	}
	if dir.NewAccountURL == "" || dir.NewOrderURL == "" {
		return errors.New("ACME directory is missing newAccount or newOrder endpoint")
	}

	e.directoryURL = directoryURL
	e.core = nil
	e.logger.Debug("loaded ACME directory", "url", directoryURL)
	return nil
}

// EnsureAccount registers the account key with the issuer, or resolves the
// existing account if the key is already known.
func (e *Engine) EnsureAccount(ctx context.Context, accountKeyPEM, contactEmail string) error {
	if e.directoryURL == "" {
		return errors.New("directory not loaded")
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(accountKeyPEM))
	if err != nil {
		return fmt.Errorf("failed to parse account private key: %w", err)
	}

	core, err := api.New(e.httpClient, userAgent, e.directoryURL, "", key)
	if err != nil {
		return fmt.Errorf("failed to initialize ACME client: %w", err)
	}

	account, err := core.Accounts.New(acme.Account{
		TermsOfServiceAgreed: true,
		Contact:              []string{"mailto:" + contactEmail},
	})
	if err != nil {
		return classify(fmt.Errorf("failed to register ACME account: %w", err), nil)
	}

	e.core = core
	e.logger.Debug("resolved ACME account", "location", account.Location)
	return nil
}

func (e *Engine) CreateOrder(ctx context.Context, domains []string) (*renewal.Order, error) {
	if e.core == nil {
		return nil, errors.New("account not resolved")
	}
	order, err := e.core.Orders.New(domains)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create order: %w", err), domains)
	}
	return &renewal.Order{
		URL:               order.Location,
		FinalizeURL:       order.Finalize,
		Domains:           domains,
		AuthorizationURLs: order.Authorizations,
	}, nil
}

// AuthorizationStatus fetches every authorization on the order and keys its
// issuer-side status by domain name.
func (e *Engine) AuthorizationStatus(ctx context.Context, order *renewal.Order) (map[string]renewal.AuthorizationState, error) {
	if e.core == nil {
		return nil, errors.New("account not resolved")
	}
	states := make(map[string]renewal.AuthorizationState, len(order.AuthorizationURLs))
	for _, url := range order.AuthorizationURLs {
		authz, err := e.core.Authorizations.Get(url)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to fetch authorization %s: %w", url, err), order.Domains)
		}
		domain := authz.Identifier.Value
		if authz.Wildcard {
			domain = "*." + domain
		}
		states[domain] = mapAuthorizationState(authz.Status)
	}
	return states, nil
}

// FinalizeOrder submits the CSR, polls the order until the issuer reports it
// valid, and downloads the bundled certificate chain.
func (e *Engine) FinalizeOrder(ctx context.Context, order *renewal.Order, certificateKeyPEM string) (*renewal.IssuedCertificate, error) {
	if e.core == nil {
		return nil, errors.New("account not resolved")
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(certificateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate private key: %w", err)
	}
	if len(order.Domains) == 0 {
		return nil, errors.New("order has no domains")
	}

	csr, err := certcrypto.GenerateCSR(key, order.Domains[0], order.Domains, false)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSR: %w", err)
	}

	current, err := e.core.Orders.UpdateForCSR(order.FinalizeURL, csr)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to finalize order: %w", err), order.Domains)
	}

	deadline := time.Now().Add(finalizeTimeout)
	for current.Status != acme.StatusValid {
		if current.Status == acme.StatusInvalid {
			reason := "order was marked invalid by the issuer"
			if current.Error != nil && current.Error.Detail != "" {
				reason = current.Error.Detail
			}
			return nil, &renewal.AuthorizationError{Domains: order.Domains, Reason: reason}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order did not become valid within %s (status %q)", finalizeTimeout, current.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(finalizeInterval):
		}
		current, err = e.core.Orders.Get(order.URL)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to poll order: %w", err), order.Domains)
		}
	}

	if current.Certificate == "" {
		return nil, errors.New("valid order has no certificate URL")
	}
	cert, issuer, err := e.core.Certificates.Get(current.Certificate, true)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to download certificate: %w", err), order.Domains)
	}

	return &renewal.IssuedCertificate{
		CertificatePEM: string(cert),
		IssuerPEM:      string(issuer),
		URL:            current.Certificate,
	}, nil
}

func mapAuthorizationState(status string) renewal.AuthorizationState {
	switch status {
	case acme.StatusValid:
		return renewal.AuthorizationValid
	case acme.StatusPending:
		return renewal.AuthorizationPending
	case acme.StatusInvalid:
		return renewal.AuthorizationInvalid
	case acme.StatusExpired:
		return renewal.AuthorizationExpired
	case acme.StatusRevoked:
		return renewal.AuthorizationRevoked
	case acme.StatusDeactivated:
		return renewal.AuthorizationDeactivated
	default:
		return renewal.AuthorizationState(status)
	}
}

// Problem types whose failures trace back to domain validation rather than a
// protocol or transport fault.
var authzProblemSuffixes = []string{
	":unauthorized",
	":orderNotReady",
	":rejectedIdentifier",
	":caa",
	":dns",
	":connection",
	":tls",
	":incorrectResponse",
}

// classify rewrites validation-flavored ACME problems as AuthorizationError so
// callers can route them to a manual-validation outcome.
func classify(err error, domains []string) error {
	var problem *acme.ProblemDetails
	if !errors.As(err, &problem) {
		return err
	}
	for _, suffix := range authzProblemSuffixes {
		if strings.HasSuffix(problem.Type, suffix) {
			return &renewal.AuthorizationError{Domains: domains, Reason: problem.Detail}
		}
	}
	return err
}
