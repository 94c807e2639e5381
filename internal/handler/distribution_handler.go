// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/middleware"
	"exposure-distribution-service/internal/usecase"
	"exposure-distribution-service/pkg/httputil"
)

// DistributionRunner は配信処理を実行する。
type DistributionRunner interface {
	Run(ctx context.Context) (*usecase.RunResult, error)
}

// FederationUploader はフェデレーションへのアップロードを実行する。
type FederationUploader interface {
	Run(ctx context.Context) (*usecase.UploadSummary, error)
}

// FederationDownloader はフェデレーションからのダウンロードを実行する。
type FederationDownloader interface {
	Run(ctx context.Context, date time.Time) (*usecase.DownloadSummary, error)
}

// HealthChecker は依存先の疎通を確認する。
type HealthChecker func(ctx context.Context) error

// DistributionHandler は配信処理とフェデレーション処理の起動を受け付ける。
type DistributionHandler struct {
	runner     DistributionRunner
	uploader   FederationUploader
	downloader FederationDownloader
	health     HealthChecker
	now        func() time.Time
}

// NewDistributionHandler は新しいDistributionHandlerを生成する。
// uploader と downloader が nil の場合、対応するエンドポイントは404を返す。
func NewDistributionHandler(runner DistributionRunner, uploader FederationUploader, downloader FederationDownloader, health HealthChecker) *DistributionHandler {
	return &DistributionHandler{
		runner:     runner,
		uploader:   uploader,
		downloader: downloader,
		health:     health,
		now:        time.Now,
	}
}

// TriggerRun は配信処理を同期実行する。
func (h *DistributionHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.Run(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			middleware.WriteAuditLog(r.Context(), "DISTRIBUTION_RUN", "", "CONFLICT")
			httputil.Error(w, http.StatusConflict, "RUN_IN_PROGRESS", "a distribution run is already in progress")
			return
		}
		runID := ""
		if result != nil {
			runID = result.RunID
		}
		middleware.WriteAuditLog(r.Context(), "DISTRIBUTION_RUN", runID, "FAILED")
		if errors.Is(err, domain.ErrPublishFailed) {
			httputil.Error(w, http.StatusBadGateway, "PUBLISH_FAILED", "distribution was written but publishing failed")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "DISTRIBUTION_RUN", result.RunID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, result)
}

// TriggerUpload は送信待ちの鍵をゲートウェイへ送る。
func (h *DistributionHandler) TriggerUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		httputil.Error(w, http.StatusNotFound, "FEDERATION_DISABLED", "federation is not enabled")
		return
	}
	summary, err := h.uploader.Run(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "FEDERATION_UPLOAD", "", "FAILED")
		writeFederationError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "FEDERATION_UPLOAD", "", "SUCCESS")
	httputil.JSON(w, http.StatusOK, summary)
}

// TriggerDownload は date クエリ(YYYY-MM-DD、省略時は前日)のバッチを取り込む。
func (h *DistributionHandler) TriggerDownload(w http.ResponseWriter, r *http.Request) {
	if h.downloader == nil {
		httputil.Error(w, http.StatusNotFound, "FEDERATION_DISABLED", "federation is not enabled")
		return
	}
	date := h.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
	if q := r.URL.Query().Get("date"); q != "" {
		parsed, err := time.Parse(time.DateOnly, q)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_DATE", "date must be formatted as YYYY-MM-DD")
			return
		}
		date = parsed
	}

	summary, err := h.downloader.Run(r.Context(), date)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "FEDERATION_DOWNLOAD", "", "FAILED")
		writeFederationError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "FEDERATION_DOWNLOAD", "", "SUCCESS")
	httputil.JSON(w, http.StatusOK, summary)
}

// Health は依存先の疎通を確認する。
func (h *DistributionHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			httputil.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeFederationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrGatewayUnauthorized):
		httputil.Error(w, http.StatusBadGateway, "GATEWAY_UNAUTHORIZED", "federation gateway rejected the client certificate")
	case errors.Is(err, domain.ErrGatewayUnavailable):
		httputil.Error(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "federation gateway is unavailable")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
