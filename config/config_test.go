package config

import (
	"errors"
	"slices"
	"testing"
	"time"

	"exposure-distribution-service/internal/domain"
)

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SUPPORTED_COUNTRIES", " de, fr ,,nl")
	t.Setenv("EXPIRY_POLICY", "90m")
	t.Setenv("FEDERATION_ENABLED", "true")
	t.Setenv("FEDERATION_MAX_RETRIES", "7")
	t.Setenv("OBJECTSTORE_SECURE", "false")
	t.Setenv("RETENTION_DAYS", "not-a-number")
	t.Setenv("INCLUDE_INCOMPLETE_HOURS", "true")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %s", cfg.Port)
	}
	if want := []string{"DE", "FR", "NL"}; !slices.Equal(cfg.Bundle.SupportedCountries, want) {
		t.Errorf("SupportedCountries = %v, want %v", cfg.Bundle.SupportedCountries, want)
	}
	if cfg.Bundle.ExpiryPolicy != 90*time.Minute {
		t.Errorf("ExpiryPolicy = %v", cfg.Bundle.ExpiryPolicy)
	}
	if !cfg.Federation.Enabled || cfg.Federation.MaxRetries != 7 {
		t.Errorf("Federation = %+v", cfg.Federation)
	}
	if !cfg.Bundle.IncludeIncompleteHours || cfg.Bundle.IncludeIncompleteDays {
		t.Errorf("IncludeIncomplete days/hours = %v/%v, want false/true", cfg.Bundle.IncludeIncompleteDays, cfg.Bundle.IncludeIncompleteHours)
	}
	if cfg.ObjectStore.Secure {
		t.Error("ObjectStore.Secure should be false")
	}
	// 解釈できない値は既定値になる
	if cfg.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14", cfg.RetentionDays)
	}
}

func validConfig() *Config {
	return &Config{
		Signing: SigningConfig{CertificatePath: "cert.pem", PrivateKeyPath: "key.pem"},
		Bundle: BundleConfig{
			SupportedCountries:      []string{"DE", "FR"},
			OriginCountry:           "DE",
			ShiftingPolicyThreshold: 140,
			MaxKeysPerBundle:        600_000,
		},
		Federation: FederationConfig{MinBatchKeyCount: 140, MaxBatchKeyCount: 4000},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "正常", modify: func(c *Config) {}},
		{name: "KMS署名", modify: func(c *Config) {
			c.Signing = SigningConfig{KMSKeyName: "projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"}
		}},
		{name: "対象国なし", modify: func(c *Config) { c.Bundle.SupportedCountries = nil }, wantErr: true},
		{name: "小文字の国コード", modify: func(c *Config) { c.Bundle.OriginCountry = "de" }, wantErr: true},
		{name: "閾値0", modify: func(c *Config) { c.Bundle.ShiftingPolicyThreshold = 0 }, wantErr: true},
		{name: "署名鍵なし", modify: func(c *Config) { c.Signing = SigningConfig{} }, wantErr: true},
		{name: "ゲートウェイURLなし", modify: func(c *Config) { c.Federation.Enabled = true }, wantErr: true},
		{name: "バッチ鍵数の範囲が逆", modify: func(c *Config) {
			c.Federation.Enabled = true
			c.Federation.BaseURL = "https://gateway.example"
			c.Federation.MinBatchKeyCount = 5000
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr && !errors.Is(err, domain.ErrInvalidConfiguration) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfiguration", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}
