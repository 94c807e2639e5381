package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/metrics"
	"exposure-distribution-service/internal/usecase"
)

// mockRunner はテスト用のモック。
type mockRunner struct {
	result *usecase.RunResult
	err    error
}

func (m *mockRunner) Run(ctx context.Context) (*usecase.RunResult, error) {
	return m.result, m.err
}

// mockUploader はテスト用のモック。
type mockUploader struct {
	summary *usecase.UploadSummary
	err     error
}

func (m *mockUploader) Run(ctx context.Context) (*usecase.UploadSummary, error) {
	return m.summary, m.err
}

// mockDownloader はテスト用のモック。
type mockDownloader struct {
	date time.Time
	err  error
}

func (m *mockDownloader) Run(ctx context.Context, date time.Time) (*usecase.DownloadSummary, error) {
	m.date = date
	if m.err != nil {
		return nil, m.err
	}
	return &usecase.DownloadSummary{Processed: 1}, nil
}

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name       string
		runner     *mockRunner
		wantStatus int
		wantCode   string
	}{
		{
			name:       "成功",
			runner:     &mockRunner{result: &usecase.RunResult{RunID: "run-1", Keys: 3}},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "実行中",
			runner:     &mockRunner{err: domain.ErrRunInProgress},
			wantStatus: http.StatusConflict,
			wantCode:   "RUN_IN_PROGRESS",
		},
		{
			name:       "公開失敗",
			runner:     &mockRunner{result: &usecase.RunResult{RunID: "run-2"}, err: domain.ErrPublishFailed},
			wantStatus: http.StatusBadGateway,
			wantCode:   "PUBLISH_FAILED",
		},
		{
			name:       "内部エラー",
			runner:     &mockRunner{err: errors.New("db down")},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewDistributionHandler(tt.runner, nil, nil, nil)
			rec := httptest.NewRecorder()
			h.TriggerRun(rec, httptest.NewRequest(http.MethodPost, "/v1/distribution/runs", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			var resp map[string]any
			json.NewDecoder(rec.Body).Decode(&resp)
			if tt.wantCode != "" && resp["code"] != tt.wantCode {
				t.Errorf("want code %s, got %v", tt.wantCode, resp["code"])
			}
			if tt.wantCode == "" && resp["run_id"] != "run-1" {
				t.Errorf("want run_id run-1, got %v", resp["run_id"])
			}
		})
	}
}

func TestTriggerUpload(t *testing.T) {
	h := NewDistributionHandler(&mockRunner{}, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.TriggerUpload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/upload", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled federation: want status 404, got %d", rec.Code)
	}

	h = NewDistributionHandler(&mockRunner{}, &mockUploader{err: domain.ErrGatewayUnauthorized}, nil, nil)
	rec = httptest.NewRecorder()
	h.TriggerUpload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/upload", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unauthorized: want status 502, got %d", rec.Code)
	}

	h = NewDistributionHandler(&mockRunner{}, &mockUploader{summary: &usecase.UploadSummary{Batches: 2}}, nil, nil)
	rec = httptest.NewRecorder()
	h.TriggerUpload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/upload", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}
}

func TestTriggerDownload(t *testing.T) {
	downloader := &mockDownloader{}
	h := NewDistributionHandler(&mockRunner{}, nil, downloader, nil)
	h.now = func() time.Time { return time.Date(2020, 9, 2, 8, 0, 0, 0, time.UTC) }

	rec := httptest.NewRecorder()
	h.TriggerDownload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/download", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if want := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC); !downloader.date.Equal(want) {
		t.Errorf("default date = %v, want %v", downloader.date, want)
	}

	rec = httptest.NewRecorder()
	h.TriggerDownload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/download?date=2020-08-15", nil))
	if want := time.Date(2020, 8, 15, 0, 0, 0, 0, time.UTC); !downloader.date.Equal(want) {
		t.Errorf("date = %v, want %v", downloader.date, want)
	}

	rec = httptest.NewRecorder()
	h.TriggerDownload(rec, httptest.NewRequest(http.MethodPost, "/v1/federation/download?date=15.08.2020", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid date: want status 400, got %d", rec.Code)
	}
}

func TestRouter(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "version"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "version", "index"), []byte(`["v1"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.FileWritten()

	var unhealthy atomic.Bool
	h := NewDistributionHandler(&mockRunner{result: &usecase.RunResult{RunID: "run-1"}}, nil, nil, func(ctx context.Context) error {
		if unhealthy.Load() {
			return errors.New("database unreachable")
		}
		return nil
	})
	srv := httptest.NewServer(NewRouter(h, dir, reg))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	if code, body := get("/version/index"); code != http.StatusOK || body != `["v1"]` {
		t.Errorf("GET /version/index = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "exposure_distribution_files_written_total 1") {
		t.Errorf("GET /metrics = %d, missing files_written_total", code)
	}
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}
	unhealthy.Store(true)
	if code, _ := get("/healthz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /healthz = %d, want 503", code)
	}

	resp, err := http.Post(srv.URL+"/v1/distribution/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /v1/distribution/runs = %d, want 201", resp.StatusCode)
	}
}
