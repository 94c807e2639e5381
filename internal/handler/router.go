package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"exposure-distribution-service/internal/middleware"
	"exposure-distribution-service/internal/usecase"
)

// NewRouter はルーターを生成する。
// outputDir が空でなければ書き出し済みの配信ツリーを /version/ 以下で配信する。
func NewRouter(h *DistributionHandler, outputDir string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/distribution/runs", h.TriggerRun)
		r.Post("/federation/upload", h.TriggerUpload)
		r.Post("/federation/download", h.TriggerDownload)
	})

	if outputDir != "" {
		files := http.FileServer(http.Dir(outputDir))
		r.Handle("/"+usecase.VersionDirectoryName+"/*", files)
	}

	return otelhttp.NewHandler(r, "distribution-server")
}
