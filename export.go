package renewal

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// CertificateOutput is the TOML document handed to the serving layer after a
// successful renewal.
type CertificateOutput struct {
	CertificateChain string `toml:"certificate_chain"`
	PrivateKey       string `toml:"private_key"`
}

// CertificateExporter writes the renewed chain and key to a TOML file the
// serving layer watches. Writes are atomic (tmp file, then rename).
type CertificateExporter struct {
	path   string
	logger *slog.Logger
}

func NewCertificateExporter(path string, logger *slog.Logger) *CertificateExporter {
	if path == "" || logger == nil {
		panic("NewCertificateExporter: received empty path or nil logger")
	}
	return &CertificateExporter{
		path:   path,
		logger: logger.With("component", "certificate_exporter"),
	}
}

func (e *CertificateExporter) Export(certificatePEM, privateKeyPEM string) error {
	out := CertificateOutput{
		CertificateChain: certificatePEM,
		PrivateKey:       privateKeyPEM,
	}
	b, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate output to TOML: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("failed to write certificate output: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save certificate output: %w", err)
	}
	e.logger.Info("exported renewed certificate", "path", e.path)
	return nil
}
