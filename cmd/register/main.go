package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/pelletier/go-toml/v2"

	tunnelcert "github.com/caasmo/restinpieces-tunnelcert"
	tc_db "github.com/caasmo/restinpieces-tunnelcert/zombiezen"
)

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database file (required)")
	ageKeyPath := flag.String("age-key", "", "Path to the age identity (private key) file (required)")
	subdomain := flag.String("subdomain", "", "Subdomain label to register (required)")
	email := flag.String("email", "", "Account email (required)")
	reclamationToken := flag.String("reclamation-token", "", "Token to re-claim a previously registered subdomain")
	optOut := flag.Bool("optout", false, "Opt out of email communication")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -db <db-file> -age-key <id-path> -subdomain <name> -email <address> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Register a tunnel subdomain and obtain its first TLS certificate.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dbPath == "" || *ageKeyPath == "" || *subdomain == "" || *email == "" {
		flag.Usage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Database Pool ---
	logger.Info("Creating sqlite database pool", "path", *dbPath)
	pool, err := restinpieces.NewZombiezenPool(*dbPath)
	if err != nil {
		logger.Error("failed to create database pool", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("error closing database pool", "error", err)
		}
	}()

	dbImpl, err := dbz.New(pool)
	if err != nil {
		logger.Error("failed to instantiate zombiezen db from pool", "error", err)
		os.Exit(1)
	}

	// --- Secure Config Store ---
	secureCfg, err := config.NewSecureStoreAge(dbImpl, *ageKeyPath)
	if err != nil {
		logger.Error("failed to instantiate secure config store (age)", "age_key_path", *ageKeyPath, "error", err)
		os.Exit(1)
	}

	// --- Load Lifecycle Config ---
	logger.Info("Loading tunnel certificate configuration", "scope", tunnelcert.ConfigScope)
	cfgToml, _, err := secureCfg.Get(tunnelcert.ConfigScope, 0)
	if err != nil || len(cfgToml) == 0 {
		logger.Error("no configuration found in secure store", "scope", tunnelcert.ConfigScope, "error", err)
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
	if cfg.Debug {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	// --- Issuance History ---
	history := tc_db.NewHistory(pool)
	if err := history.EnsureSchema(context.Background()); err != nil {
		logger.Error("failed to ensure history schema", "error", err)
		os.Exit(1)
	}

	// --- Lifecycle Manager ---
	manager := tunnelcert.NewManager(
		&cfg,
		tunnelcert.NewRegistrar(cfg.RegistrationEndpoint, logger),
		tunnelcert.NewIssuer(&cfg, logger),
		tunnelcert.NewCertStore(cfg.CertDir, logger),
		tunnelcert.NewSecureSettings(secureCfg, logger),
		history,
		logger,
	)

	// Generous timeout: the ACME exchange waits on DNS propagation.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	err = manager.Register(ctx, tunnelcert.RegistrationRequest{
		Email:            *email,
		Subdomain:        *subdomain,
		ReclamationToken: *reclamationToken,
		EmailOptOut:      *optOut,
	})
	if err != nil {
		if errors.Is(err, tunnelcert.ErrEmailAssociation) {
			logger.Warn("certificate is ready, but the email association needs a retry", "error", err)
			os.Exit(2)
		}
		logger.Error("registration failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Registration completed successfully.", "subdomain", *subdomain)
	logger.Info("Certificate artifacts written.", "dir", cfg.CertDir)
}
