package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/federation"
)

// mockGatewayClient はテスト用のモック。
type mockGatewayClient struct {
	batches   map[string]*domain.FederationBatch // バッチタグ -> バッチ。"" は日付の最初のバッチ
	errs      map[string]error
	downloads []string

	uploadResults []*domain.UploadResult
	uploadErrs    []error
	uploaded      []federation.UploadBatch
}

func (m *mockGatewayClient) Download(ctx context.Context, date time.Time, batchTag string) (*domain.FederationBatch, error) {
	m.downloads = append(m.downloads, batchTag)
	return m.batches[batchTag], m.errs[batchTag]
}

func (m *mockGatewayClient) Upload(ctx context.Context, batch federation.UploadBatch) (*domain.UploadResult, error) {
	i := len(m.uploaded)
	m.uploaded = append(m.uploaded, batch)
	var err error
	if i < len(m.uploadErrs) {
		err = m.uploadErrs[i]
	}
	if err != nil {
		return nil, err
	}
	return m.uploadResults[i], nil
}

// mockUploadKeyRepository はテスト用のモック。
type mockUploadKeyRepository struct {
	pending []domain.FederationUploadKey
	marked  map[string][]domain.FederationUploadKey
	markErr error
}

func (m *mockUploadKeyRepository) FindPending(ctx context.Context) ([]domain.FederationUploadKey, error) {
	return m.pending, nil
}

func (m *mockUploadKeyRepository) MarkUploaded(ctx context.Context, keys []domain.FederationUploadKey, batchTag string) error {
	if m.markErr != nil {
		return m.markErr
	}
	if m.marked == nil {
		m.marked = make(map[string][]domain.FederationUploadKey)
	}
	m.marked[batchTag] = append(m.marked[batchTag], keys...)
	return nil
}

// stubAssembler は渡された鍵を固定サイズで区切ってバッチにする。
type stubAssembler struct {
	size int
}

func (a stubAssembler) Assemble(ctx context.Context, pending []domain.FederationUploadKey) ([]federation.UploadBatch, error) {
	var batches []federation.UploadBatch
	for i := 0; i < len(pending); i += a.size {
		end := min(i+a.size, len(pending))
		batches = append(batches, federation.UploadBatch{
			Tag:  "tag-" + string(rune('a'+len(batches))),
			Keys: pending[i:end],
		})
	}
	return batches, nil
}

// mockBatchInfoRepository はテスト用のモック。保存順を保持する。
type mockBatchInfoRepository struct {
	infos []domain.FederationBatchInfo
}

func (m *mockBatchInfoRepository) Save(ctx context.Context, info domain.FederationBatchInfo) (bool, error) {
	for _, existing := range m.infos {
		if existing.BatchTag == info.BatchTag {
			return false, nil
		}
	}
	if info.Status == "" {
		info.Status = domain.FederationBatchStatusUnprocessed
	}
	m.infos = append(m.infos, info)
	return true, nil
}

func (m *mockBatchInfoRepository) FindByStatus(ctx context.Context, status domain.FederationBatchStatus) ([]domain.FederationBatchInfo, error) {
	var out []domain.FederationBatchInfo
	for _, info := range m.infos {
		if info.Status == status {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *mockBatchInfoRepository) UpdateStatus(ctx context.Context, batchTag string, status domain.FederationBatchStatus) error {
	for i := range m.infos {
		if m.infos[i].BatchTag == batchTag {
			m.infos[i].Status = status
			return nil
		}
	}
	return errors.New("not found")
}

func (m *mockBatchInfoRepository) status(tag string) domain.FederationBatchStatus {
	for _, info := range m.infos {
		if info.BatchTag == tag {
			return info.Status
		}
	}
	return ""
}

// mockKeyStore はテスト用のモック。
type mockKeyStore struct {
	saved []domain.DiagnosisKey
}

func (m *mockKeyStore) SaveAll(ctx context.Context, keys []domain.DiagnosisKey) (int, error) {
	m.saved = append(m.saved, keys...)
	return len(keys), nil
}

func uploadKey(seed byte) domain.FederationUploadKey {
	k := distributableKey(seed, testDayHour)
	k.ConsentToFederation = true
	return domain.FederationUploadKey{DiagnosisKey: k}
}

func gatewayKey(seed byte) domain.DiagnosisKey {
	return domain.DiagnosisKey{
		KeyData:                    bytes.Repeat([]byte{seed}, domain.KeyDataLength),
		RollingStartIntervalNumber: testDayInterval,
		RollingPeriod:              144,
		TransmissionRiskLevel:      5,
		DaysSinceOnsetOfSymptoms:   1,
		ReportType:                 domain.ReportTypeConfirmedTest,
		OriginCountry:              "FR",
		VisitedCountries:           []string{"DE", "FR"},
	}
}

func TestFederationUploadService_Run(t *testing.T) {
	repo := &mockUploadKeyRepository{pending: []domain.FederationUploadKey{
		uploadKey(1), uploadKey(2), uploadKey(3), uploadKey(4), uploadKey(5),
	}}
	client := &mockGatewayClient{
		uploadResults: []*domain.UploadResult{
			{Created: []int{0}, Conflict: []int{1}},
			nil,
			{Created: []int{0}},
		},
		uploadErrs: []error{nil, domain.ErrGatewayUnavailable, nil},
	}
	s := NewFederationUploadService(repo, stubAssembler{size: 2}, client, nil)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Batches != 3 || summary.FailedBatches != 1 {
		t.Errorf("Batches = %d, FailedBatches = %d, want 3 and 1", summary.Batches, summary.FailedBatches)
	}
	if summary.Delivered != 3 || summary.Conflicts != 1 {
		t.Errorf("Delivered = %d, Conflicts = %d, want 3 and 1", summary.Delivered, summary.Conflicts)
	}
	if len(repo.marked["tag-a"]) != 2 {
		t.Errorf("tag-a marked %d keys, want 2", len(repo.marked["tag-a"]))
	}
	if _, ok := repo.marked["tag-b"]; ok {
		t.Error("keys of a failed batch must stay pending")
	}
}

func TestFederationUploadService_Run_RetryKeysStayPending(t *testing.T) {
	repo := &mockUploadKeyRepository{pending: []domain.FederationUploadKey{uploadKey(1), uploadKey(2), uploadKey(3)}}
	client := &mockGatewayClient{uploadResults: []*domain.UploadResult{
		{Created: []int{0}, Failed: []int{1, 2}},
	}}
	s := NewFederationUploadService(repo, stubAssembler{size: 10}, client, nil)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Retry != 2 {
		t.Errorf("Retry = %d, want 2", summary.Retry)
	}
	marked := repo.marked["tag-a"]
	if len(marked) != 1 || !bytes.Equal(marked[0].KeyData, uploadKey(1).KeyData) {
		t.Errorf("marked = %v, want only the created key", marked)
	}
}

func TestFederationUploadService_Run_Unauthorized(t *testing.T) {
	repo := &mockUploadKeyRepository{pending: []domain.FederationUploadKey{uploadKey(1), uploadKey(2)}}
	client := &mockGatewayClient{
		uploadResults: []*domain.UploadResult{nil, {Created: []int{0}}},
		uploadErrs:    []error{domain.ErrGatewayUnauthorized},
	}
	s := NewFederationUploadService(repo, stubAssembler{size: 1}, client, nil)

	if _, err := s.Run(context.Background()); !errors.Is(err, domain.ErrGatewayUnauthorized) {
		t.Errorf("error = %v, want ErrGatewayUnauthorized", err)
	}
	if len(client.uploaded) != 1 {
		t.Errorf("uploaded %d batches, want 1", len(client.uploaded))
	}
}

func TestFederationDownloadService_Run_FollowsBatchChain(t *testing.T) {
	client := &mockGatewayClient{
		batches: map[string]*domain.FederationBatch{
			"":   {BatchTag: "b1", NextBatchTag: "b2"},
			"b1": {BatchTag: "b1", NextBatchTag: "b2", Keys: []domain.DiagnosisKey{gatewayKey(1)}},
			"b2": {BatchTag: "b2", NextBatchTag: "b3"},
			"b3": {BatchTag: "b3", Keys: []domain.DiagnosisKey{gatewayKey(3), gatewayKey(4)}},
		},
		errs: map[string]error{"b2": domain.ErrMalformedBatch},
	}
	batches := &mockBatchInfoRepository{}
	keys := &mockKeyStore{}
	s := NewFederationDownloadService(batches, keys, client, domain.DefaultTekFieldDerivations(), nil)
	s.now = func() time.Time { return time.Date(2020, 7, 8, 3, 15, 0, 0, time.UTC) }

	summary, err := s.Run(context.Background(), time.Date(2020, 7, 7, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Processed != 2 || summary.Failed != 1 || summary.KeysInserted != 3 {
		t.Errorf("summary = %+v, want 2 processed, 1 failed, 3 keys", summary)
	}
	want := map[string]domain.FederationBatchStatus{
		"b1": domain.FederationBatchStatusProcessed,
		"b2": domain.FederationBatchStatusError,
		"b3": domain.FederationBatchStatusProcessed,
	}
	for tag, status := range want {
		if got := batches.status(tag); got != status {
			t.Errorf("status(%s) = %s, want %s", tag, got, status)
		}
	}
	wantHour := domain.SubmissionHour(time.Date(2020, 7, 8, 3, 0, 0, 0, time.UTC))
	for _, k := range keys.saved {
		if k.ConsentToFederation {
			t.Error("downloaded keys must not be re-federated")
		}
		if k.SubmissionTimestamp != wantHour {
			t.Errorf("SubmissionTimestamp = %d, want %d", k.SubmissionTimestamp, wantHour)
		}
	}
}

func TestFederationDownloadService_Run_RetriesErrorBatchesOnce(t *testing.T) {
	date := time.Date(2020, 7, 7, 0, 0, 0, 0, time.UTC)
	batches := &mockBatchInfoRepository{infos: []domain.FederationBatchInfo{
		{BatchTag: "old-ok", Date: date, Status: domain.FederationBatchStatusError},
		{BatchTag: "old-bad", Date: date, Status: domain.FederationBatchStatusError},
	}}
	client := &mockGatewayClient{
		batches: map[string]*domain.FederationBatch{
			"old-ok": {BatchTag: "old-ok", Keys: []domain.DiagnosisKey{gatewayKey(1)}},
		},
		errs: map[string]error{
			"":        domain.ErrBatchNotFound,
			"old-bad": domain.ErrGatewayUnavailable,
		},
	}
	s := NewFederationDownloadService(batches, &mockKeyStore{}, client, domain.DefaultTekFieldDerivations(), nil)

	if _, err := s.Run(context.Background(), date.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := batches.status("old-ok"); got != domain.FederationBatchStatusProcessed {
		t.Errorf("status(old-ok) = %s, want PROCESSED", got)
	}
	if got := batches.status("old-bad"); got != domain.FederationBatchStatusErrorWontRetry {
		t.Errorf("status(old-bad) = %s, want ERROR_WONT_RETRY", got)
	}
}

func TestFederationDownloadService_Run_Unauthorized(t *testing.T) {
	client := &mockGatewayClient{errs: map[string]error{"": domain.ErrGatewayUnauthorized}}
	batches := &mockBatchInfoRepository{}
	s := NewFederationDownloadService(batches, &mockKeyStore{}, client, domain.DefaultTekFieldDerivations(), nil)

	if _, err := s.Run(context.Background(), time.Now()); !errors.Is(err, domain.ErrGatewayUnauthorized) {
		t.Errorf("error = %v, want ErrGatewayUnauthorized", err)
	}
	if len(batches.infos) != 0 {
		t.Errorf("saved %d batch infos, want 0", len(batches.infos))
	}
}
