package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"
	"github.com/pelletier/go-toml/v2"

	tunnelcert "github.com/caasmo/restinpieces-tunnelcert"
	tc_db "github.com/caasmo/restinpieces-tunnelcert/zombiezen"
)

// JobTypeCertRenewal is the queue job type the renewal handler is registered
// under.
const JobTypeCertRenewal = "tunnel_certificate_renewal"

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite DB (used by framework AND issuance history)")
	ageKeyPath := flag.String("age-key", "", "Path to the age identity (private key) file (required)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -db <db-path> -age-key <id-path>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Start the application server with scheduled tunnel certificate renewal.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dbPath == "" || *ageKeyPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// --- Create Database Pool (shared by framework and issuance history) ---
	dbPool, err := restinpieces.NewZombiezenPool(*dbPath)
	if err != nil {
		slog.Error("failed to create database pool", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing database pool...")
		if err := dbPool.Close(); err != nil {
			slog.Error("Error closing database pool", "error", err)
		}
	}()

	// --- Initialize restinpieces ---
	// Router and cache fall back to the framework defaults.
	app, srv, err := restinpieces.New(
		restinpieces.WithZombiezenPool(dbPool),
		restinpieces.WithAgeKeyPath(*ageKeyPath),
		restinpieces.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
	)
	if err != nil {
		slog.Error("failed to initialize restinpieces application", "error", err)
		os.Exit(1)
	}
	logger := app.Logger()

	// --- Load Lifecycle Config from Secure Store ---
	logger.Info("Loading tunnel certificate configuration", "scope", tunnelcert.ConfigScope)
	cfgToml, _, err := app.ConfigStore().Get(tunnelcert.ConfigScope, 0)
	if err != nil {
		logger.Error("failed to load config from secure store", "scope", tunnelcert.ConfigScope, "error", err)
		os.Exit(1)
	}
	if len(cfgToml) == 0 {
		logger.Error("config data loaded from secure store is empty", "scope", tunnelcert.ConfigScope)
		os.Exit(1)
	}

	var cfg tunnelcert.Config
	if err := toml.Unmarshal(cfgToml, &cfg); err != nil {
		logger.Error("failed to unmarshal TOML config", "scope", tunnelcert.ConfigScope, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// --- Issuance History ---
	history := tc_db.NewHistory(dbPool)
	if err := history.EnsureSchema(context.Background()); err != nil {
		logger.Error("failed to ensure history schema", "error", err)
		os.Exit(1)
	}

	// --- Lifecycle Manager and Renewal Handler ---
	manager := tunnelcert.NewManager(
		&cfg,
		tunnelcert.NewRegistrar(cfg.RegistrationEndpoint, logger),
		tunnelcert.NewIssuer(&cfg, logger),
		tunnelcert.NewCertStore(cfg.CertDir, logger),
		tunnelcert.NewSecureSettings(app.ConfigStore(), logger),
		history,
		logger,
	)
	renewalHandler := tunnelcert.NewRenewalHandler(manager, logger)

	if err := srv.AddJobHandler(JobTypeCertRenewal, renewalHandler); err != nil {
		logger.Error("Failed to register certificate renewal job handler", "job_type", JobTypeCertRenewal, "error", err)
		os.Exit(1)
	}
	logger.Info("Registered certificate renewal job handler", "job_type", JobTypeCertRenewal)

	// --- Start Server ---
	// Run blocks until the server stops and manages the scheduler daemons.
	srv.Run()

	slog.Info("Server shut down gracefully.")
}
