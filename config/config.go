// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"exposure-distribution-service/internal/domain"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// OutputDir は配信ツリーの書き出し先。
	OutputDir      string
	MigrationsDir  string
	AppConfigPath  string
	DerivationPath string

	Signing     SigningConfig
	Bundle      BundleConfig
	Federation  FederationConfig
	ObjectStore ObjectStoreConfig

	RetentionDays int
	// RunInterval が0より大きい場合、サーバーは定期的に配信処理を実行する。
	RunInterval time.Duration
}

// SigningConfig は署名鍵の設定を表す。KMSKeyName が設定されていればCloud KMSを使う。
type SigningConfig struct {
	KMSKeyName             string
	CertificatePath        string
	PrivateKeyPath         string
	VerificationKeyID      string
	VerificationKeyVersion string
	AppBundleID            string
	AndroidPackage         string
}

// BundleConfig は鍵の振り分けとアーカイブ生成の設定を表す。
type BundleConfig struct {
	SupportedCountries           []string
	OriginCountry                string
	EUPackageName                string
	ApplyPoliciesForAllCountries bool
	ExpiryPolicy                 time.Duration
	ShiftingPolicyThreshold      int
	MaxKeysPerBundle             int
	IncludeIncompleteDays        bool
	IncludeIncompleteHours       bool
	SizeLimit                    int
	Concurrency                  int
	TraceWarnings                bool
	MaxTraceWarningsPerBundle    int
}

// FederationConfig はフェデレーションゲートウェイの設定を表す。
type FederationConfig struct {
	Enabled           bool
	BaseURL           string
	CertificateSHA256 string
	CertificateDN     string
	Timeout           time.Duration
	MaxRetries        uint64
	RetryInterval     time.Duration
	MinBatchKeyCount  int
	MaxBatchKeyCount  int
}

// ObjectStoreConfig はオブジェクトストアの設定を表す。Endpoint が空なら公開しない。
type ObjectStoreConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	Bucket       string
	Secure       bool
	Prefix       string
	Concurrency  int
	MaxFailures  int
	CacheControl string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "exposure-distribution-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		OutputDir:      getEnv("OUTPUT_DIR", "./out"),
		MigrationsDir:  os.Getenv("MIGRATIONS_DIR"),
		AppConfigPath:  os.Getenv("APP_CONFIG_PATH"),
		DerivationPath: os.Getenv("TEK_FIELD_DERIVATIONS_PATH"),

		Signing: SigningConfig{
			KMSKeyName:             os.Getenv("KMS_KEY_NAME"),
			CertificatePath:        os.Getenv("SIGNING_CERTIFICATE_PATH"),
			PrivateKeyPath:         os.Getenv("SIGNING_PRIVATE_KEY_PATH"),
			VerificationKeyID:      getEnv("VERIFICATION_KEY_ID", "262"),
			VerificationKeyVersion: getEnv("VERIFICATION_KEY_VERSION", "v1"),
			AppBundleID:            os.Getenv("APP_BUNDLE_ID"),
			AndroidPackage:         os.Getenv("ANDROID_PACKAGE"),
		},

		Bundle: BundleConfig{
			SupportedCountries:           getEnvList("SUPPORTED_COUNTRIES", []string{"DE"}),
			OriginCountry:                getEnv("ORIGIN_COUNTRY", "DE"),
			EUPackageName:                os.Getenv("EU_PACKAGE_NAME"),
			ApplyPoliciesForAllCountries: getEnvBool("APPLY_POLICIES_FOR_ALL_COUNTRIES", false),
			ExpiryPolicy:                 getEnvDuration("EXPIRY_POLICY", 2*time.Hour),
			ShiftingPolicyThreshold:      getEnvInt("SHIFTING_POLICY_THRESHOLD", 140),
			MaxKeysPerBundle:             getEnvInt("MAX_KEYS_PER_BUNDLE", 600_000),
			IncludeIncompleteDays:        getEnvBool("INCLUDE_INCOMPLETE_DAYS", false),
			IncludeIncompleteHours:       getEnvBool("INCLUDE_INCOMPLETE_HOURS", false),
			SizeLimit:                    getEnvInt("EXPORT_SIZE_LIMIT", 0),
			Concurrency:                  getEnvInt("ASSEMBLY_CONCURRENCY", 4),
			TraceWarnings:                getEnvBool("TRACE_WARNINGS_ENABLED", false),
			MaxTraceWarningsPerBundle:    getEnvInt("MAX_TRACE_WARNINGS_PER_BUNDLE", 100_000),
		},

		Federation: FederationConfig{
			Enabled:           getEnvBool("FEDERATION_ENABLED", false),
			BaseURL:           os.Getenv("FEDERATION_GATEWAY_URL"),
			CertificateSHA256: os.Getenv("FEDERATION_CERT_SHA256"),
			CertificateDN:     os.Getenv("FEDERATION_CERT_DN"),
			Timeout:           getEnvDuration("FEDERATION_TIMEOUT", 30*time.Second),
			MaxRetries:        uint64(getEnvInt("FEDERATION_MAX_RETRIES", 3)),
			RetryInterval:     getEnvDuration("FEDERATION_RETRY_INTERVAL", 500*time.Millisecond),
			MinBatchKeyCount:  getEnvInt("FEDERATION_MIN_BATCH_KEYS", 140),
			MaxBatchKeyCount:  getEnvInt("FEDERATION_MAX_BATCH_KEYS", 4000),
		},

		ObjectStore: ObjectStoreConfig{
			Endpoint:     os.Getenv("OBJECTSTORE_ENDPOINT"),
			AccessKey:    os.Getenv("OBJECTSTORE_ACCESS_KEY"),
			SecretKey:    os.Getenv("OBJECTSTORE_SECRET_KEY"),
			Region:       os.Getenv("OBJECTSTORE_REGION"),
			Bucket:       getEnv("OBJECTSTORE_BUCKET", "cwa"),
			Secure:       getEnvBool("OBJECTSTORE_SECURE", true),
			Prefix:       os.Getenv("OBJECTSTORE_PREFIX"),
			Concurrency:  getEnvInt("OBJECTSTORE_CONCURRENCY", 8),
			MaxFailures:  getEnvInt("OBJECTSTORE_MAX_FAILURES", 5),
			CacheControl: getEnv("OBJECTSTORE_CACHE_CONTROL", "public,max-age=300"),
		},

		RetentionDays: getEnvInt("RETENTION_DAYS", 14),
		RunInterval:   getEnvDuration("RUN_INTERVAL", 0),
	}
}

// Validate は配信処理に必要な設定を検証する。
func (c *Config) Validate() error {
	var problems []string
	if len(c.Bundle.SupportedCountries) == 0 {
		problems = append(problems, "SUPPORTED_COUNTRIES must not be empty")
	}
	for _, country := range c.Bundle.SupportedCountries {
		if err := domain.ValidateCountry(country); err != nil {
			problems = append(problems, fmt.Sprintf("SUPPORTED_COUNTRIES: %v", err))
		}
	}
	if err := domain.ValidateCountry(c.Bundle.OriginCountry); err != nil {
		problems = append(problems, fmt.Sprintf("ORIGIN_COUNTRY: %v", err))
	}
	if c.Bundle.ShiftingPolicyThreshold < 1 {
		problems = append(problems, "SHIFTING_POLICY_THRESHOLD must be at least 1")
	}
	if c.Bundle.MaxKeysPerBundle < 1 {
		problems = append(problems, "MAX_KEYS_PER_BUNDLE must be at least 1")
	}
	if c.Signing.KMSKeyName == "" && (c.Signing.CertificatePath == "" || c.Signing.PrivateKeyPath == "") {
		problems = append(problems, "either KMS_KEY_NAME or SIGNING_CERTIFICATE_PATH and SIGNING_PRIVATE_KEY_PATH must be set")
	}
	if c.Federation.Enabled {
		if c.Federation.BaseURL == "" {
			problems = append(problems, "FEDERATION_GATEWAY_URL is required when federation is enabled")
		}
		if c.Federation.MinBatchKeyCount > c.Federation.MaxBatchKeyCount {
			problems = append(problems, "FEDERATION_MIN_BATCH_KEYS must not exceed FEDERATION_MAX_BATCH_KEYS")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値を大文字に揃えて返す。
func getEnvList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
