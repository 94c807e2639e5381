package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/metrics"
)

// SubmissionRetention は提出時刻で古い行を削除できるリポジトリのインターフェース。
type SubmissionRetention interface {
	DeleteSubmittedBefore(ctx context.Context, submissionHour int64) (int64, error)
}

// BatchInfoRetention は古いバッチ処理記録を削除できるリポジトリのインターフェース。
type BatchInfoRetention interface {
	DeleteBefore(ctx context.Context, date time.Time) (int64, error)
}

// ObjectRetention は公開済みの古い日付ディレクトリを削除できる公開先のインターフェース。
type ObjectRetention interface {
	DeleteDatesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionSummary は保持期間処理で削除した件数を表す。
type RetentionSummary struct {
	Cutoff         time.Time `json:"cutoff"`
	DiagnosisKeys  int64     `json:"diagnosis_keys"`
	UploadKeys     int64     `json:"upload_keys"`
	BatchInfos     int64     `json:"batch_infos"`
	TraceWarnings  int64     `json:"trace_warnings"`
	PublishedFiles int       `json:"published_files"`
}

// RetentionService は保持期間を過ぎたデータを削除する。
// nil のリポジトリと公開先は対象外として扱う。
type RetentionService struct {
	Keys       SubmissionRetention
	UploadKeys SubmissionRetention
	Batches    BatchInfoRetention
	Warnings   SubmissionRetention
	Objects    ObjectRetention
	Days       int
	Metrics    *metrics.Metrics
	now        func() time.Time
}

// Run は今日の0時(UTC)から Days 日前より古いデータを削除する。
func (s *RetentionService) Run(ctx context.Context) (summary *RetentionSummary, err error) {
	if s.Days <= 0 {
		return nil, fmt.Errorf("%w: retention days must be positive, got %d", domain.ErrInvalidConfiguration, s.Days)
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	started := now()
	defer func() { s.Metrics.ObserveRun("retention", started, err) }()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "retention.run")
	defer span.End()

	cutoff := started.UTC().Truncate(24*time.Hour).AddDate(0, 0, -s.Days)
	cutoffHour := domain.SubmissionHour(cutoff)
	summary = &RetentionSummary{Cutoff: cutoff}

	if s.Keys != nil {
		if summary.DiagnosisKeys, err = s.Keys.DeleteSubmittedBefore(ctx, cutoffHour); err != nil {
			return summary, fmt.Errorf("deleting diagnosis keys: %w", err)
		}
	}
	if s.UploadKeys != nil {
		if summary.UploadKeys, err = s.UploadKeys.DeleteSubmittedBefore(ctx, cutoffHour); err != nil {
			return summary, fmt.Errorf("deleting upload keys: %w", err)
		}
	}
	if s.Batches != nil {
		if summary.BatchInfos, err = s.Batches.DeleteBefore(ctx, cutoff); err != nil {
			return summary, fmt.Errorf("deleting batch infos: %w", err)
		}
	}
	if s.Warnings != nil {
		if summary.TraceWarnings, err = s.Warnings.DeleteSubmittedBefore(ctx, cutoffHour); err != nil {
			return summary, fmt.Errorf("deleting trace warnings: %w", err)
		}
	}
	if s.Objects != nil {
		if summary.PublishedFiles, err = s.Objects.DeleteDatesBefore(ctx, cutoff); err != nil {
			return summary, fmt.Errorf("deleting published dates: %w", err)
		}
	}

	slog.InfoContext(ctx, "retention finished",
		"operation", "retention",
		"cutoff", cutoff.Format(time.DateOnly),
		"diagnosis_keys", summary.DiagnosisKeys,
		"upload_keys", summary.UploadKeys,
		"batch_infos", summary.BatchInfos,
		"trace_warnings", summary.TraceWarnings,
		"published_files", summary.PublishedFiles,
	)
	return summary, nil
}
