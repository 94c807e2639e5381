package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"exposure-distribution-service/config"
	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/signing/signingtest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	kp := signingtest.NewECDSA(t)
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(keyPath, kp.KeyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certPath, kp.CertPEM, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(dir, "dist.db")
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Signing.KMSKeyName = ""
	cfg.Signing.PrivateKeyPath = keyPath
	cfg.Signing.CertificatePath = certPath
	cfg.Bundle.SupportedCountries = []string{"DE"}
	cfg.Bundle.OriginCountry = "DE"
	cfg.Bundle.TraceWarnings = false
	cfg.Federation.Enabled = false
	cfg.ObjectStore.Endpoint = ""
	cfg.AppConfigPath = ""
	cfg.DerivationPath = ""
	return cfg
}

func TestNew_RunsDistributionAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Upload != nil || a.Download != nil || a.Publisher != nil {
		t.Error("disabled components must be nil")
	}
	if err := a.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	if err := a.DB.Exec(`CREATE TABLE diagnosis_key (
		key_data BLOB PRIMARY KEY,
		rolling_start_interval_number INTEGER NOT NULL,
		rolling_period INTEGER NOT NULL,
		submission_timestamp INTEGER NOT NULL,
		transmission_risk_level INTEGER NOT NULL,
		origin_country TEXT NOT NULL,
		visited_countries TEXT NOT NULL DEFAULT '',
		report_type INTEGER NOT NULL,
		days_since_onset_of_symptoms INTEGER NOT NULL,
		consent_to_federation BOOLEAN NOT NULL DEFAULT 0
	)`).Error; err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	// 前回の実行の残骸は消える
	stale := filepath.Join(cfg.OutputDir, "stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := a.Distribution.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FilesWritten == 0 {
		t.Error("no files written")
	}
	b, err := os.ReadFile(filepath.Join(cfg.OutputDir, "version", "index"))
	if err != nil {
		t.Fatalf("version/index not written: %v", err)
	}
	if string(b) != `["v1"]` {
		t.Errorf("version/index = %s", b)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale directory still exists: %v", err)
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bundle.OriginCountry = "de"
	if _, err := New(context.Background(), cfg); !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("error = %v, want ErrInvalidConfiguration", err)
	}

	cfg = testConfig(t)
	cfg.Signing.CertificatePath = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := New(context.Background(), cfg); !errors.Is(err, domain.ErrInvalidSigningKey) {
		t.Errorf("error = %v, want ErrInvalidSigningKey", err)
	}
}

func TestLoadDistributionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppConfigPath = "../appconfig/testdata/app-config.yaml"
	cfg.DerivationPath = "../appconfig/testdata/tek-field-derivations.yaml"

	dc, derivations, err := LoadDistributionConfig(cfg, signing.AlgorithmECDSAP256SHA256)
	if err != nil {
		t.Fatalf("LoadDistributionConfig() error = %v", err)
	}
	if dc.AppConfig == nil {
		t.Error("AppConfig not loaded")
	}
	if dc.Tree.SignatureInfo.SignatureAlgorithm != signing.AlgorithmECDSAP256SHA256 {
		t.Errorf("SignatureAlgorithm = %s", dc.Tree.SignatureInfo.SignatureAlgorithm)
	}
	if len(derivations.TRLFromDSOS) == 0 {
		t.Error("derivations not loaded")
	}

	cfg.DerivationPath = "../appconfig/testdata/invalid-derivations.yaml"
	if _, _, err := LoadDistributionConfig(cfg, signing.AlgorithmECDSAP256SHA256); err == nil {
		t.Error("expected error for invalid derivations")
	}
}
