// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"exposure-distribution-service/internal/appconfig"
	"exposure-distribution-service/internal/assembly/diagnosiskeys"
	"exposure-distribution-service/internal/assembly/tracewarnings"
	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/metrics"
	"exposure-distribution-service/internal/objectstore"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/structure"
)

const tracerName = "exposure-distribution-service/usecase"

// ルートのディレクトリ名。
const (
	VersionDirectoryName = "version"
	APIVersion           = "v1"
)

// DiagnosisKeyRepository は配信対象の鍵を読み出すリポジトリのインターフェース。
type DiagnosisKeyRepository interface {
	FindAll(ctx context.Context) ([]domain.DiagnosisKey, error)
}

// TraceWarningRepository はチェックイン警告を読み出すリポジトリのインターフェース。
type TraceWarningRepository interface {
	FindAll(ctx context.Context) ([]domain.TraceTimeIntervalWarning, error)
}

// Publisher は書き出し済みのツリーを公開する。
type Publisher interface {
	Publish(ctx context.Context) (*objectstore.Result, error)
}

// DistributionConfig は配信処理の設定を表す。
type DistributionConfig struct {
	Bundler       diagnosiskeys.BundlerConfig
	Tree          diagnosiskeys.Options
	SignatureInfo export.SignatureInfo
	// AppConfig が nil の場合は configuration ツリーを生成しない。
	AppConfig *appconfig.ApplicationConfiguration
	// TraceWarnings が false の場合は twp ツリーを生成しない。
	TraceWarnings             bool
	MaxTraceWarningsPerBundle int
}

// RunResult は1回の配信処理の結果を表す。
type RunResult struct {
	RunID            string              `json:"run_id"`
	DistributionTime time.Time           `json:"distribution_time"`
	Keys             int                 `json:"keys"`
	InvalidKeys      int                 `json:"invalid_keys"`
	TraceWarnings    int                 `json:"trace_warnings"`
	FilesWritten     int                 `json:"files_written"`
	Published        *objectstore.Result `json:"published,omitempty"`
}

// DistributionService は配信ツリーを組み立てて書き出す。
type DistributionService struct {
	keys      DiagnosisKeyRepository
	warnings  TraceWarningRepository
	signer    signing.Signer
	sink      structure.Sink
	publisher Publisher
	metrics   *metrics.Metrics
	cfg       DistributionConfig
	now       func() time.Time
	running   sync.Mutex
}

// NewDistributionService は新しいDistributionServiceを生成する。
// warnings と publisher は nil でもよい。
func NewDistributionService(
	keys DiagnosisKeyRepository,
	warnings TraceWarningRepository,
	signer signing.Signer,
	sink structure.Sink,
	publisher Publisher,
	m *metrics.Metrics,
	cfg DistributionConfig,
) *DistributionService {
	return &DistributionService{
		keys:      keys,
		warnings:  warnings,
		signer:    signer,
		sink:      sink,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run は鍵を読み出し、ツリーを準備してから書き出し、公開する。
// 準備中のエラーでは1バイトも書き出さない。同時に実行された場合は ErrRunInProgress を返す。
func (s *DistributionService) Run(ctx context.Context) (result *RunResult, err error) {
	if !s.running.TryLock() {
		return nil, domain.ErrRunInProgress
	}
	defer s.running.Unlock()

	started := s.now()
	result = &RunResult{RunID: uuid.New().String(), DistributionTime: started.UTC().Truncate(time.Hour)}
	defer func() { s.metrics.ObserveRun("distribution", started, err) }()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "distribution.run",
		trace.WithAttributes(attribute.String("run.id", result.RunID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := slog.With("run_id", result.RunID)
	logger.InfoContext(ctx, "distribution run started",
		"operation", "distribution_run",
		"distribution_time", result.DistributionTime,
	)

	root, err := s.buildTree(ctx, result)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build distribution tree",
			"operation", "distribution_run",
			"error", err,
		)
		return nil, err
	}

	if err := s.prepare(ctx, root); err != nil {
		logger.ErrorContext(ctx, "failed to prepare distribution tree",
			"operation", "distribution_run",
			"error", err,
		)
		return nil, err
	}

	if r, ok := s.sink.(structure.Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting output: %w", err)
		}
	}
	sink := &countingSink{Sink: s.sink, metrics: s.metrics}
	if err := s.write(ctx, root, sink); err != nil {
		logger.ErrorContext(ctx, "failed to write distribution tree",
			"operation", "distribution_run",
			"error", err,
		)
		return nil, err
	}
	result.FilesWritten = sink.count()

	if s.publisher != nil {
		published, err := s.publisher.Publish(ctx)
		result.Published = published
		if err != nil {
			logger.ErrorContext(ctx, "failed to publish distribution tree",
				"operation", "distribution_run",
				"error", err,
			)
			return result, err
		}
	}

	logger.InfoContext(ctx, "distribution run finished",
		"operation", "distribution_run",
		"keys", result.Keys,
		"invalid_keys", result.InvalidKeys,
		"trace_warnings", result.TraceWarnings,
		"files_written", result.FilesWritten,
		"elapsed", time.Since(started),
	)
	return result, nil
}

// buildTree はリポジトリを1回だけ参照してツリーを組み立てる。
func (s *DistributionService) buildTree(ctx context.Context, result *RunResult) (structure.Writable, error) {
	all, err := s.keys.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading diagnosis keys: %w", err)
	}
	keys := make([]domain.DiagnosisKey, 0, len(all))
	for _, k := range all {
		if err := k.Validate(); err != nil {
			result.InvalidKeys++
			continue
		}
		keys = append(keys, k)
	}
	if result.InvalidKeys > 0 {
		slog.WarnContext(ctx, "skipping invalid diagnosis keys",
			"operation", "distribution_run",
			"run_id", result.RunID,
			"invalid_keys", result.InvalidKeys,
		)
	}
	result.Keys = len(keys)
	s.metrics.SetKeysDistributed(len(keys))

	var warnings []domain.TraceTimeIntervalWarning
	if s.cfg.TraceWarnings && s.warnings != nil {
		warnings, err = s.warnings.FindAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading trace warnings: %w", err)
		}
		result.TraceWarnings = len(warnings)
	}

	bundler := diagnosiskeys.NewBundler(s.cfg.Bundler)
	bundler.SetDiagnosisKeys(keys, result.DistributionTime)

	version := structure.NewIndexDirectory(VersionDirectoryName,
		func(structure.Indices) ([]string, error) { return []string{APIVersion}, nil },
		func(v string) any { return v },
	)
	version.AddWritableToAll(func(structure.Indices) ([]structure.Writable, error) {
		var children []structure.Writable

		dk, err := diagnosiskeys.NewDirectory(bundler, s.signer, s.cfg.Tree)
		if err != nil {
			return nil, err
		}
		children = append(children, dk)

		if s.cfg.AppConfig != nil {
			cfgDir, err := appconfig.NewDirectory(s.cfg.AppConfig, s.cfg.Bundler.SupportedCountries, s.signer)
			if err != nil {
				return nil, err
			}
			children = append(children, cfgDir)
		}

		if s.cfg.TraceWarnings {
			twBundler := tracewarnings.NewBundler(s.cfg.Bundler.OriginCountry, s.cfg.MaxTraceWarningsPerBundle)
			twBundler.SetWarnings(warnings, result.DistributionTime)
			twDir, err := tracewarnings.NewDirectory(twBundler, s.signer, s.cfg.SignatureInfo)
			if err != nil {
				return nil, err
			}
			children = append(children, twDir)
		}
		return children, nil
	})
	return structure.NewIndexingDecorator[string](version), nil
}

func (s *DistributionService) prepare(ctx context.Context, root structure.Writable) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "distribution.prepare")
	defer span.End()
	if err := root.Prepare(ctx, structure.NewIndices()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("preparing tree: %w", err)
	}
	return nil
}

func (s *DistributionService) write(ctx context.Context, root structure.Writable, sink structure.Sink) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "distribution.write")
	defer span.End()
	if err := root.Write(ctx, sink); err != nil {
		span.RecordError(err)
		return fmt.Errorf("writing tree: %w", err)
	}
	return nil
}

// countingSink は書き出したファイル数を数える。
type countingSink struct {
	structure.Sink
	metrics *metrics.Metrics
	mu      sync.Mutex
	files   int
}

func (c *countingSink) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := c.Sink.WriteFile(ctx, path, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.files++
	c.mu.Unlock()
	c.metrics.FileWritten()
	return nil
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files
}
