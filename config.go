package renewal

import "errors"

// Config carries the ACME account material the orchestrator needs before it
// will touch the network.
type Config struct {
	// Email is the ACME account contact address.
	Email string
	// CADirectoryURL is the issuer's directory endpoint.
	CADirectoryURL string
	// AccountKeyPEM is the ACME account private key in PEM form.
	AccountKeyPEM string
	// ManualRenewalURL points a human at the place where domain validation
	// can be completed when the issuer no longer caches an authorization.
	// Optional.
	ManualRenewalURL string
}

func (c *Config) Validate() error {
	if c.Email == "" {
		return errors.New("config: email cannot be empty")
	}
	if c.AccountKeyPEM == "" {
		return errors.New("config: account_key cannot be empty")
	}
	if c.CADirectoryURL == "" {
		// Defaulting might be an option, but explicit is better
		return errors.New("config: ca_directory_url cannot be empty")
	}
	return nil
}
