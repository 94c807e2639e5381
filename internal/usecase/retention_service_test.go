package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"exposure-distribution-service/internal/domain"
)

// mockSubmissionRetention はテスト用のモック。
type mockSubmissionRetention struct {
	deleted int64
	err     error
	hour    int64
}

func (m *mockSubmissionRetention) DeleteSubmittedBefore(ctx context.Context, submissionHour int64) (int64, error) {
	m.hour = submissionHour
	return m.deleted, m.err
}

// mockBatchInfoRetention はテスト用のモック。
type mockBatchInfoRetention struct {
	date time.Time
}

func (m *mockBatchInfoRetention) DeleteBefore(ctx context.Context, date time.Time) (int64, error) {
	m.date = date
	return 4, nil
}

// mockObjectRetention はテスト用のモック。
type mockObjectRetention struct {
	cutoff time.Time
}

func (m *mockObjectRetention) DeleteDatesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.cutoff = cutoff
	return 7, nil
}

func TestRetentionService_Run(t *testing.T) {
	keys := &mockSubmissionRetention{deleted: 10}
	uploadKeys := &mockSubmissionRetention{deleted: 3}
	batches := &mockBatchInfoRetention{}
	objects := &mockObjectRetention{}
	s := &RetentionService{
		Keys:       keys,
		UploadKeys: uploadKeys,
		Batches:    batches,
		Objects:    objects,
		Days:       14,
		now:        func() time.Time { return time.Date(2020, 7, 21, 13, 45, 0, 0, time.UTC) },
	}

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantCutoff := time.Date(2020, 7, 7, 0, 0, 0, 0, time.UTC)
	if !summary.Cutoff.Equal(wantCutoff) {
		t.Errorf("Cutoff = %v, want %v", summary.Cutoff, wantCutoff)
	}
	if keys.hour != domain.SubmissionHour(wantCutoff) || uploadKeys.hour != keys.hour {
		t.Errorf("submission hour = %d/%d, want %d", keys.hour, uploadKeys.hour, domain.SubmissionHour(wantCutoff))
	}
	if !batches.date.Equal(wantCutoff) || !objects.cutoff.Equal(wantCutoff) {
		t.Errorf("batch cutoff = %v, object cutoff = %v", batches.date, objects.cutoff)
	}
	if summary.DiagnosisKeys != 10 || summary.UploadKeys != 3 || summary.BatchInfos != 4 || summary.PublishedFiles != 7 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRetentionService_Run_Errors(t *testing.T) {
	t.Run("日数が0以下", func(t *testing.T) {
		s := &RetentionService{Days: 0}
		if _, err := s.Run(context.Background()); !errors.Is(err, domain.ErrInvalidConfiguration) {
			t.Errorf("error = %v, want ErrInvalidConfiguration", err)
		}
	})

	t.Run("削除失敗", func(t *testing.T) {
		dbErr := errors.New("lock wait timeout")
		s := &RetentionService{Keys: &mockSubmissionRetention{err: dbErr}, Days: 14}
		if _, err := s.Run(context.Background()); !errors.Is(err, dbErr) {
			t.Errorf("error = %v, want %v", err, dbErr)
		}
	})
}
