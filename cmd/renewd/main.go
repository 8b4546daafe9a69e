package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/restinpieces-renewal"
	"github.com/caasmo/restinpieces-renewal/buntdb"
	"github.com/caasmo/restinpieces-renewal/legoengine"
	"github.com/caasmo/restinpieces-renewal/notify"
	"github.com/caasmo/restinpieces-renewal/zombiezen"
)

// fileConfig is the on-disk TOML shape of the daemon configuration.
type fileConfig struct {
	Acme struct {
		Email             string `toml:"email"`
		CADirectoryURL    string `toml:"ca_directory_url"`
		AccountPrivateKey string `toml:"account_private_key"`
		ManualRenewalURL  string `toml:"manual_renewal_url"`
	} `toml:"acme"`

	Policy struct {
		Enabled       bool   `toml:"enabled"`
		ThresholdDays int    `toml:"threshold_days"`
		CheckInterval string `toml:"check_interval"`
	} `toml:"policy"`

	Notify struct {
		WebhookURL   string   `toml:"webhook_url"`
		SMTPHost     string   `toml:"smtp_host"`
		SMTPPort     int      `toml:"smtp_port"`
		SMTPUsername string   `toml:"smtp_username"`
		SMTPPassword string   `toml:"smtp_password"`
		From         string   `toml:"from"`
		To           []string `toml:"to"`
	} `toml:"notify"`

	Export struct {
		Path string `toml:"path"`
	} `toml:"export"`
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	var configPath string
	var kvPath string
	var archivePath string
	flag.StringVar(&configPath, "config", "renewd.toml", "path to config TOML file")
	flag.StringVar(&kvPath, "dbfile", "renewd.db", "path to the buntdb key-value file")
	flag.StringVar(&archivePath, "archive", "", "path to an optional SQLite archive of renewed certificates")
	flag.Parse()

	logger.Info("Loading configuration...", "path", configPath)
	raw, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("Failed to read config file", "path", configPath, "error", err)
		os.Exit(1)
	}
	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		logger.Error("Failed to parse config file", "path", configPath, "error", err)
		os.Exit(1)
	}

	cfg := &renewal.Config{
		Email:            fc.Acme.Email,
		CADirectoryURL:   fc.Acme.CADirectoryURL,
		AccountKeyPEM:    fc.Acme.AccountPrivateKey,
		ManualRenewalURL: fc.Acme.ManualRenewalURL,
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid ACME configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Config loaded from file",
		"path", configPath,
		"ACME Email", cfg.Email,
		"ACME CA URL", cfg.CADirectoryURL,
		"ACME Key Set", cfg.AccountKeyPEM != "",
		"Policy Enabled", fc.Policy.Enabled,
	)

	logger.Info("Opening key-value store...", "path", kvPath)
	kv, err := buntdb.New(kvPath)
	if err != nil {
		logger.Error("Failed to open key-value store", "path", kvPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Error("Failed to close key-value store", "error", err)
		}
	}()

	policy := renewal.NewPolicy(kv, logger)
	if err := policy.Save(policyFromFile(fc)); err != nil {
		logger.Error("Failed to persist renewal policy", "error", err)
		os.Exit(1)
	}

	store := renewal.NewCertificateStore(kv, logger)
	history := renewal.NewHistoryLog(kv, logger)
	engine := legoengine.New(logger)
	orchestrator := renewal.NewOrchestrator(engine, cfg, logger)
	scheduler := renewal.NewScheduler(store, policy, history, orchestrator, buildNotifier(fc, logger), logger)

	if fc.Export.Path != "" {
		scheduler.SetExporter(renewal.NewCertificateExporter(fc.Export.Path, logger))
	}

	if archivePath != "" {
		logger.Info("Opening certificate archive...", "path", archivePath)
		pool, err := sqlitex.NewPool(archivePath, sqlitex.PoolOptions{
			Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate,
			PoolSize: 1,
		})
		if err != nil {
			logger.Error("Failed to open archive database pool", "path", archivePath, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pool.Close(); err != nil {
				logger.Error("Failed to close archive database pool", "error", err)
			}
		}()
		archive := zombiezen.NewWriter(pool)
		if err := archive.Migrate(context.Background()); err != nil {
			logger.Error("Failed to migrate archive database", "error", err)
			os.Exit(1)
		}
		scheduler.SetArchive(archive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Received signal, shutting down...", "signal", s.String())

	scheduler.Stop()
	cancel()
}

// policyFromFile maps the TOML policy section onto a validated PolicyConfig,
// keeping library defaults for anything the file leaves out.
func policyFromFile(fc fileConfig) renewal.PolicyConfig {
	cfg := renewal.DefaultPolicyConfig()
	cfg.Enabled = fc.Policy.Enabled
	if fc.Policy.ThresholdDays != 0 {
		cfg.ThresholdDays = fc.Policy.ThresholdDays
	}
	if fc.Policy.CheckInterval != "" {
		if d, err := time.ParseDuration(fc.Policy.CheckInterval); err == nil && d > 0 {
			cfg.CheckInterval = d
		}
	}
	return cfg
}

// buildNotifier picks the first configured channel: webhook, then SMTP, then
// plain logging.
func buildNotifier(fc fileConfig, logger *slog.Logger) renewal.Notifier {
	if fc.Notify.WebhookURL != "" {
		return notify.NewWebhook(fc.Notify.WebhookURL, logger)
	}
	if fc.Notify.SMTPHost != "" && fc.Notify.From != "" && len(fc.Notify.To) > 0 {
		email := notify.NewEmail(fc.Notify.SMTPHost, fc.Notify.SMTPPort, fc.Notify.From, fc.Notify.To, logger)
		email.Username = fc.Notify.SMTPUsername
		email.Password = fc.Notify.SMTPPassword
		return email
	}
	return notify.NewLog(logger)
}
