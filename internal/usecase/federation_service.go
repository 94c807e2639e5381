package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/federation"
	"exposure-distribution-service/internal/metrics"
)

// GatewayClient はフェデレーションゲートウェイとの通信のインターフェース。
type GatewayClient interface {
	Download(ctx context.Context, date time.Time, batchTag string) (*domain.FederationBatch, error)
	Upload(ctx context.Context, batch federation.UploadBatch) (*domain.UploadResult, error)
}

// UploadKeyRepository は送信待ちの鍵のリポジトリのインターフェース。
type UploadKeyRepository interface {
	FindPending(ctx context.Context) ([]domain.FederationUploadKey, error)
	MarkUploaded(ctx context.Context, keys []domain.FederationUploadKey, batchTag string) error
}

// BatchAssembler は送信待ちの鍵から署名付きバッチを組み立てる。
type BatchAssembler interface {
	Assemble(ctx context.Context, pending []domain.FederationUploadKey) ([]federation.UploadBatch, error)
}

// BatchInfoRepository はダウンロードしたバッチの処理記録のリポジトリのインターフェース。
type BatchInfoRepository interface {
	Save(ctx context.Context, info domain.FederationBatchInfo) (bool, error)
	FindByStatus(ctx context.Context, status domain.FederationBatchStatus) ([]domain.FederationBatchInfo, error)
	UpdateStatus(ctx context.Context, batchTag string, status domain.FederationBatchStatus) error
}

// KeyStore はダウンロードした鍵の保存先のインターフェース。
type KeyStore interface {
	SaveAll(ctx context.Context, keys []domain.DiagnosisKey) (int, error)
}

// UploadSummary はアップロード処理の結果を表す。
type UploadSummary struct {
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Delivered     int `json:"delivered"`
	Conflicts     int `json:"conflicts"`
	Retry         int `json:"retry"`
}

// FederationUploadService は送信待ちの鍵をゲートウェイへ送る。
type FederationUploadService struct {
	repo      UploadKeyRepository
	assembler BatchAssembler
	client    GatewayClient
	metrics   *metrics.Metrics
}

// NewFederationUploadService は新しいFederationUploadServiceを生成する。
func NewFederationUploadService(repo UploadKeyRepository, assembler BatchAssembler, client GatewayClient, m *metrics.Metrics) *FederationUploadService {
	return &FederationUploadService{repo: repo, assembler: assembler, client: client, metrics: m}
}

// Run はバッチを1件ずつ順に送信する。
// "500" の鍵は送信待ちのまま残し、次回の実行で再送する。"409" の鍵は送信済みとして扱う。
// 送信に失敗したバッチの鍵も送信待ちのまま残る。証明書が拒否された場合は中断する。
func (s *FederationUploadService) Run(ctx context.Context) (summary *UploadSummary, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun("upload", started, err) }()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "federation.upload")
	defer span.End()

	pending, err := s.repo.FindPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pending upload keys: %w", err)
	}
	batches, err := s.assembler.Assemble(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("assembling upload batches: %w", err)
	}

	summary = &UploadSummary{Batches: len(batches)}
	for _, batch := range batches {
		result, err := s.client.Upload(ctx, batch)
		if err != nil {
			if errors.Is(err, domain.ErrGatewayUnauthorized) {
				return summary, err
			}
			slog.ErrorContext(ctx, "failed to upload batch",
				"operation", "federation_upload",
				"batch_tag", batch.Tag,
				"keys", len(batch.Keys),
				"error", err,
			)
			summary.FailedBatches++
			s.metrics.FederationBatch("upload", metrics.StatusError)
			continue
		}

		delivered := federation.DeliveredKeys(batch, result)
		retry := federation.RetryKeys(batch, result)
		if err := s.repo.MarkUploaded(ctx, delivered, batch.Tag); err != nil {
			return summary, fmt.Errorf("marking batch %s as uploaded: %w", batch.Tag, err)
		}

		summary.Delivered += len(delivered)
		summary.Conflicts += len(result.Conflict)
		summary.Retry += len(retry)
		s.metrics.FederationBatch("upload", metrics.StatusSuccess)
		s.metrics.AddFederationKeys("upload", "created", len(result.Created))
		s.metrics.AddFederationKeys("upload", "conflict", len(result.Conflict))
		s.metrics.AddFederationKeys("upload", "retry", len(retry))

		slog.InfoContext(ctx, "batch uploaded",
			"operation", "federation_upload",
			"batch_tag", batch.Tag,
			"created", len(result.Created),
			"conflict", len(result.Conflict),
			"retry", len(retry),
		)
	}
	return summary, nil
}

// DownloadSummary はダウンロード処理の結果を表す。
type DownloadSummary struct {
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	KeysInserted int `json:"keys_inserted"`
}

// FederationDownloadService はゲートウェイからバッチを取り込む。
type FederationDownloadService struct {
	batches     BatchInfoRepository
	keys        KeyStore
	client      GatewayClient
	derivations domain.TekFieldDerivations
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewFederationDownloadService は新しいFederationDownloadServiceを生成する。
func NewFederationDownloadService(batches BatchInfoRepository, keys KeyStore, client GatewayClient, derivations domain.TekFieldDerivations, m *metrics.Metrics) *FederationDownloadService {
	return &FederationDownloadService{
		batches:     batches,
		keys:        keys,
		client:      client,
		derivations: derivations,
		metrics:     m,
		now:         time.Now,
	}
}

// Run は指定日の最初のバッチを登録し、エラー状態のバッチを1回だけ再処理してから未処理のバッチを順に取り込む。
func (s *FederationDownloadService) Run(ctx context.Context, date time.Time) (summary *DownloadSummary, err error) {
	started := s.now()
	defer func() { s.metrics.ObserveRun("download", started, err) }()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "federation.download",
		trace.WithAttributes(attribute.String("date", date.Format(time.DateOnly))))
	defer span.End()

	summary = &DownloadSummary{}
	if err := s.saveFirstBatchInfo(ctx, date); err != nil {
		return summary, err
	}
	if err := s.processErrorBatches(ctx, summary); err != nil {
		return summary, err
	}
	if err := s.processUnprocessedBatches(ctx, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *FederationDownloadService) saveFirstBatchInfo(ctx context.Context, date time.Time) error {
	batch, err := s.client.Download(ctx, date, "")
	switch {
	case errors.Is(err, domain.ErrGatewayUnauthorized):
		return err
	case errors.Is(err, domain.ErrBatchNotFound):
		slog.InfoContext(ctx, "no batch available for date",
			"operation", "federation_download",
			"date", date.Format(time.DateOnly),
		)
		return nil
	case batch == nil || batch.BatchTag == "":
		slog.ErrorContext(ctx, "downloading first batch failed",
			"operation", "federation_download",
			"date", date.Format(time.DateOnly),
			"error", err,
		)
		return nil
	}

	if _, err := s.batches.Save(ctx, domain.FederationBatchInfo{
		BatchTag: batch.BatchTag,
		Date:     date,
		Status:   domain.FederationBatchStatusUnprocessed,
	}); err != nil {
		return fmt.Errorf("saving batch info %s: %w", batch.BatchTag, err)
	}
	return nil
}

func (s *FederationDownloadService) processErrorBatches(ctx context.Context, summary *DownloadSummary) error {
	errored, err := s.batches.FindByStatus(ctx, domain.FederationBatchStatusError)
	if err != nil {
		return fmt.Errorf("loading errored batches: %w", err)
	}
	slog.InfoContext(ctx, "reprocessing errored federation batches",
		"operation", "federation_download",
		"count", len(errored),
	)
	for _, info := range errored {
		next, err := s.processBatch(ctx, info, domain.FederationBatchStatusErrorWontRetry, summary)
		if err != nil {
			return err
		}
		if next != "" {
			if _, err := s.batches.Save(ctx, domain.FederationBatchInfo{BatchTag: next, Date: info.Date}); err != nil {
				return fmt.Errorf("saving batch info %s: %w", next, err)
			}
		}
	}
	return nil
}

func (s *FederationDownloadService) processUnprocessedBatches(ctx context.Context, summary *DownloadSummary) error {
	queue, err := s.batches.FindByStatus(ctx, domain.FederationBatchStatusUnprocessed)
	if err != nil {
		return fmt.Errorf("loading unprocessed batches: %w", err)
	}
	for len(queue) > 0 {
		info := queue[0]
		queue = queue[1:]

		next, err := s.processBatch(ctx, info, domain.FederationBatchStatusError, summary)
		if err != nil {
			return err
		}
		if next == "" {
			continue
		}
		nextInfo := domain.FederationBatchInfo{BatchTag: next, Date: info.Date, Status: domain.FederationBatchStatusUnprocessed}
		inserted, err := s.batches.Save(ctx, nextInfo)
		if err != nil {
			return fmt.Errorf("saving batch info %s: %w", next, err)
		}
		if inserted {
			queue = append(queue, nextInfo)
		}
	}
	return nil
}

// processBatch は1バッチを取り込み、次のバッチタグを返す。
// 取り込みに失敗したバッチは errorStatus になるが、次のバッチタグが分かれば処理を続ける。
func (s *FederationDownloadService) processBatch(ctx context.Context, info domain.FederationBatchInfo, errorStatus domain.FederationBatchStatus, summary *DownloadSummary) (string, error) {
	logger := slog.With("batch_tag", info.BatchTag, "date", info.Date.Format(time.DateOnly))

	batch, err := s.client.Download(ctx, info.Date, info.BatchTag)
	if errors.Is(err, domain.ErrGatewayUnauthorized) {
		return "", err
	}
	if err == nil {
		keys := federation.NormalizeKeys(ctx, batch.Keys, s.derivations, s.now())
		var inserted int
		inserted, err = s.keys.SaveAll(ctx, keys)
		if err == nil {
			if err := s.batches.UpdateStatus(ctx, info.BatchTag, domain.FederationBatchStatusProcessed); err != nil {
				return "", fmt.Errorf("updating batch %s: %w", info.BatchTag, err)
			}
			summary.Processed++
			summary.KeysInserted += inserted
			s.metrics.FederationBatch("download", string(domain.FederationBatchStatusProcessed))
			s.metrics.AddFederationKeys("download", "inserted", inserted)
			logger.InfoContext(ctx, "federation batch processed",
				"operation", "federation_download",
				"downloaded", len(batch.Keys),
				"inserted", inserted,
			)
			return batch.NextBatchTag, nil
		}
	}

	logger.ErrorContext(ctx, "federation batch processing failed",
		"operation", "federation_download",
		"status", errorStatus,
		"error", err,
	)
	if err := s.batches.UpdateStatus(ctx, info.BatchTag, errorStatus); err != nil {
		return "", fmt.Errorf("updating batch %s: %w", info.BatchTag, err)
	}
	summary.Failed++
	s.metrics.FederationBatch("download", string(errorStatus))
	if batch != nil {
		return batch.NextBatchTag, nil
	}
	return "", nil
}
