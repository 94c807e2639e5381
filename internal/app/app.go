// Package app は設定からアプリケーションのコンポーネントを組み立てる。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"exposure-distribution-service/config"
	"exposure-distribution-service/internal/appconfig"
	"exposure-distribution-service/internal/assembly/diagnosiskeys"
	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/federation"
	"exposure-distribution-service/internal/infra"
	"exposure-distribution-service/internal/metrics"
	"exposure-distribution-service/internal/objectstore"
	"exposure-distribution-service/internal/repository"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/structure"
	"exposure-distribution-service/internal/usecase"
)

// App は組み立て済みのコンポーネントを保持する。
// フェデレーションとオブジェクトストアが無効な場合、対応するフィールドは nil。
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Distribution *usecase.DistributionService
	Upload       *usecase.FederationUploadService
	Download     *usecase.FederationDownloadService
	Retention    *usecase.RetentionService
	Publisher    *objectstore.Publisher

	closers []func() error
}

// New は設定を検証し、DB接続と署名鍵を用意してコンポーネントを組み立てる。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL is not set", domain.ErrInvalidConfiguration)
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	signer, err := a.newSigner(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	distCfg, derivations, err := LoadDistributionConfig(cfg, signer.Algorithm())
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	keys := repository.NewDiagnosisKeyRepository(db)
	warnings := repository.NewTraceWarningRepository(db)
	uploadKeys := repository.NewFederationUploadKeyRepository(db)
	batchInfos := repository.NewFederationBatchInfoRepository(db)

	var publisher usecase.Publisher
	if cfg.ObjectStore.Endpoint != "" {
		osCfg := objectstore.Config(cfg.ObjectStore)
		client, err := objectstore.NewMinioClient(osCfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Publisher = objectstore.NewPublisher(client, osCfg, cfg.OutputDir, a.Metrics)
		publisher = a.Publisher
	}

	a.Distribution = usecase.NewDistributionService(keys, warnings, signer, structure.NewDiskSink(cfg.OutputDir), publisher, a.Metrics, distCfg)

	if cfg.Federation.Enabled {
		client := federation.NewClient(federation.ClientConfig{
			BaseURL:           cfg.Federation.BaseURL,
			CertificateSHA256: cfg.Federation.CertificateSHA256,
			CertificateDN:     cfg.Federation.CertificateDN,
			Timeout:           cfg.Federation.Timeout,
			MaxRetries:        cfg.Federation.MaxRetries,
			RetryInterval:     cfg.Federation.RetryInterval,
		})
		assembler := federation.NewAssembler(federation.AssemblerConfig{
			MinBatchKeyCount: cfg.Federation.MinBatchKeyCount,
			MaxBatchKeyCount: cfg.Federation.MaxBatchKeyCount,
		}, signer)
		a.Upload = usecase.NewFederationUploadService(uploadKeys, assembler, client, a.Metrics)
		a.Download = usecase.NewFederationDownloadService(batchInfos, keys, client, derivations, a.Metrics)
	}

	a.Retention = &usecase.RetentionService{
		Keys:       keys,
		UploadKeys: uploadKeys,
		Batches:    batchInfos,
		Warnings:   warnings,
		Days:       cfg.RetentionDays,
		Metrics:    a.Metrics,
	}
	if a.Publisher != nil {
		a.Retention.Objects = a.Publisher
	}
	return a, nil
}

func (a *App) newSigner(ctx context.Context) (signing.Signer, error) {
	sc := a.Config.Signing
	if sc.KMSKeyName != "" {
		s, err := infra.NewKMSSigner(ctx, sc.KMSKeyName, sc.CertificatePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		slog.InfoContext(ctx, "using Cloud KMS signer", "key", sc.KMSKeyName)
		return s, nil
	}
	return signing.LoadLocalSigner(sc.PrivateKeyPath, sc.CertificatePath)
}

// LoadDistributionConfig は環境設定と設定ファイルから配信処理の設定を組み立てる。
// 設定ファイルは読み込んだ時点で検証する。
func LoadDistributionConfig(cfg *config.Config, algorithm string) (usecase.DistributionConfig, domain.TekFieldDerivations, error) {
	info := export.SignatureInfo{
		AppBundleID:            cfg.Signing.AppBundleID,
		AndroidPackage:         cfg.Signing.AndroidPackage,
		VerificationKeyID:      cfg.Signing.VerificationKeyID,
		VerificationKeyVersion: cfg.Signing.VerificationKeyVersion,
		SignatureAlgorithm:     algorithm,
	}
	dc := usecase.DistributionConfig{
		Bundler: diagnosiskeys.BundlerConfig{
			SupportedCountries:           cfg.Bundle.SupportedCountries,
			OriginCountry:                cfg.Bundle.OriginCountry,
			EUPackageName:                cfg.Bundle.EUPackageName,
			ApplyPoliciesForAllCountries: cfg.Bundle.ApplyPoliciesForAllCountries,
			ExpiryPolicy:                 cfg.Bundle.ExpiryPolicy,
			ShiftingPolicyThreshold:      cfg.Bundle.ShiftingPolicyThreshold,
			MaxKeysPerBundle:             cfg.Bundle.MaxKeysPerBundle,
			IncludeIncompleteDays:        cfg.Bundle.IncludeIncompleteDays,
			IncludeIncompleteHours:       cfg.Bundle.IncludeIncompleteHours,
		},
		Tree: diagnosiskeys.Options{
			SignatureInfo: info,
			SizeLimit:     cfg.Bundle.SizeLimit,
			Concurrency:   cfg.Bundle.Concurrency,
		},
		SignatureInfo:             info,
		TraceWarnings:             cfg.Bundle.TraceWarnings,
		MaxTraceWarningsPerBundle: cfg.Bundle.MaxTraceWarningsPerBundle,
	}

	if cfg.AppConfigPath != "" {
		appCfg, err := appconfig.Load(cfg.AppConfigPath)
		if err != nil {
			return dc, domain.TekFieldDerivations{}, err
		}
		if err := appconfig.Validate(appCfg).Err(); err != nil {
			return dc, domain.TekFieldDerivations{}, err
		}
		dc.AppConfig = appCfg
	}

	derivations := domain.DefaultTekFieldDerivations()
	if cfg.DerivationPath != "" {
		d, err := appconfig.LoadTekFieldDerivations(cfg.DerivationPath)
		if err != nil {
			return dc, domain.TekFieldDerivations{}, err
		}
		derivations = d
	}
	return dc, derivations, nil
}

// Health はDBの疎通を確認する。
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close は保持している接続を閉じる。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
