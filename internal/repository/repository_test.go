package repository

import (
	"bytes"
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"exposure-distribution-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// SQLite用に型を読み替えたスキーマ
	statements := []string{
		`CREATE TABLE diagnosis_key (
			key_data BLOB PRIMARY KEY,
			rolling_start_interval_number INTEGER NOT NULL,
			rolling_period INTEGER NOT NULL,
			submission_timestamp INTEGER NOT NULL,
			transmission_risk_level INTEGER NOT NULL,
			origin_country TEXT NOT NULL,
			visited_countries TEXT NOT NULL DEFAULT '',
			report_type INTEGER NOT NULL,
			days_since_onset_of_symptoms INTEGER NOT NULL,
			consent_to_federation BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE federation_upload_key (
			key_data BLOB PRIMARY KEY,
			rolling_start_interval_number INTEGER NOT NULL,
			rolling_period INTEGER NOT NULL,
			submission_timestamp INTEGER NOT NULL,
			transmission_risk_level INTEGER NOT NULL,
			origin_country TEXT NOT NULL,
			visited_countries TEXT NOT NULL DEFAULT '',
			report_type INTEGER NOT NULL,
			days_since_onset_of_symptoms INTEGER NOT NULL,
			consent_to_federation BOOLEAN NOT NULL DEFAULT 0,
			batch_tag TEXT NULL
		)`,
		`CREATE TABLE federation_batch_info (
			batch_tag TEXT PRIMARY KEY,
			date DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'UNPROCESSED',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE trace_time_interval_warning (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_location_id_hash BLOB NOT NULL,
			start_interval_number INTEGER NOT NULL,
			period INTEGER NOT NULL,
			transmission_risk_level INTEGER NOT NULL,
			submission_timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("failed to create table: %v", err)
		}
	}

	return db
}

func testKey(b byte, submissionHour int64, visited ...string) domain.DiagnosisKey {
	return domain.DiagnosisKey{
		KeyData:                    bytes.Repeat([]byte{b}, domain.KeyDataLength),
		RollingStartIntervalNumber: 2656800,
		RollingPeriod:              144,
		TransmissionRiskLevel:      5,
		DaysSinceOnsetOfSymptoms:   -1,
		ReportType:                 domain.ReportTypeConfirmedTest,
		OriginCountry:              "DE",
		VisitedCountries:           visited,
		ConsentToFederation:        true,
		SubmissionTimestamp:        submissionHour,
	}
}

func TestDiagnosisKeyRepository_SaveAllAndFindAll(t *testing.T) {
	ctx := context.Background()
	repo := NewDiagnosisKeyRepository(setupTestDB(t))

	inserted, err := repo.SaveAll(ctx, []domain.DiagnosisKey{
		testKey(2, 100, "FR", "DK"),
		testKey(1, 101),
	})
	if err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}
	if inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", inserted)
	}

	// 同じ鍵データは無視される
	inserted, err = repo.SaveAll(ctx, []domain.DiagnosisKey{testKey(2, 105), testKey(3, 102)})
	if err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("expected 1 inserted, got %d", inserted)
	}

	keys, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	if keys[0].SubmissionTimestamp != 100 || keys[2].SubmissionTimestamp != 102 {
		t.Errorf("unexpected order: %d, %d", keys[0].SubmissionTimestamp, keys[2].SubmissionTimestamp)
	}
	if got := keys[0].VisitedCountries; len(got) != 2 || got[0] != "FR" || got[1] != "DK" {
		t.Errorf("expected visited [FR DK], got %v", got)
	}
	if keys[1].VisitedCountries != nil {
		t.Errorf("expected no visited countries, got %v", keys[1].VisitedCountries)
	}
	if keys[0].ReportType != domain.ReportTypeConfirmedTest || keys[0].DaysSinceOnsetOfSymptoms != -1 {
		t.Errorf("unexpected key fields: %+v", keys[0])
	}
}

func TestDiagnosisKeyRepository_DeleteSubmittedBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewDiagnosisKeyRepository(setupTestDB(t))

	if _, err := repo.SaveAll(ctx, []domain.DiagnosisKey{testKey(1, 10), testKey(2, 20), testKey(3, 30)}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	deleted, err := repo.DeleteSubmittedBefore(ctx, 20)
	if err != nil {
		t.Fatalf("DeleteSubmittedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	keys, _ := repo.FindAll(ctx)
	if len(keys) != 2 {
		t.Errorf("expected 2 remaining keys, got %d", len(keys))
	}
}

func TestFederationUploadKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewFederationUploadKeyRepository(setupTestDB(t))

	if _, err := repo.SaveAll(ctx, []domain.DiagnosisKey{testKey(3, 1), testKey(1, 1), testKey(2, 1)}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	pending, err := repo.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending keys, got %d", len(pending))
	}
	if pending[0].KeyData[0] != 1 {
		t.Errorf("expected key data order, got first %d", pending[0].KeyData[0])
	}

	if err := repo.MarkUploaded(ctx, pending[:2], "2020-9-1-AAAAAA==-1"); err != nil {
		t.Fatalf("MarkUploaded failed: %v", err)
	}

	pending, err = repo.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].KeyData[0] != 3 {
		t.Errorf("expected only key 3 pending, got %+v", pending)
	}
}

func TestFederationBatchInfoRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewFederationBatchInfoRepository(setupTestDB(t))
	day1 := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	saved, err := repo.Save(ctx, domain.FederationBatchInfo{BatchTag: "b", Date: day2})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !saved {
		t.Error("expected first save to insert")
	}
	saved, err = repo.Save(ctx, domain.FederationBatchInfo{BatchTag: "b", Date: day2})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved {
		t.Error("expected duplicate batch tag to be ignored")
	}
	if _, err := repo.Save(ctx, domain.FederationBatchInfo{BatchTag: "a", Date: day1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	unprocessed, err := repo.FindByStatus(ctx, domain.FederationBatchStatusUnprocessed)
	if err != nil {
		t.Fatalf("FindByStatus failed: %v", err)
	}
	if len(unprocessed) != 2 || unprocessed[0].BatchTag != "a" {
		t.Fatalf("expected [a b], got %+v", unprocessed)
	}
	if !unprocessed[0].Date.Equal(day1) {
		t.Errorf("expected date %v, got %v", day1, unprocessed[0].Date)
	}

	if err := repo.UpdateStatus(ctx, "a", domain.FederationBatchStatusError); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	errored, _ := repo.FindByStatus(ctx, domain.FederationBatchStatusError)
	if len(errored) != 1 || errored[0].BatchTag != "a" {
		t.Errorf("expected [a] with ERROR status, got %+v", errored)
	}

	deleted, err := repo.DeleteBefore(ctx, day2)
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestTraceWarningRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTraceWarningRepository(setupTestDB(t))

	warnings := []domain.TraceTimeIntervalWarning{
		{TraceLocationIDHash: []byte{1, 2}, StartIntervalNumber: 10, Period: 6, TransmissionRiskLevel: 3, SubmissionTimestamp: 200},
		{TraceLocationIDHash: []byte{3, 4}, StartIntervalNumber: 20, Period: 6, TransmissionRiskLevel: 1, SubmissionTimestamp: 100},
	}
	if err := repo.SaveAll(ctx, warnings); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	got, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(got) != 2 || got[0].SubmissionTimestamp != 100 {
		t.Fatalf("expected warnings ordered by submission, got %+v", got)
	}
	if !bytes.Equal(got[0].TraceLocationIDHash, []byte{3, 4}) {
		t.Errorf("unexpected location hash %v", got[0].TraceLocationIDHash)
	}

	deleted, err := repo.DeleteSubmittedBefore(ctx, 150)
	if err != nil {
		t.Fatalf("DeleteSubmittedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestMigrationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMigrationRepository(setupTestDB(t))

	if err := repo.RecordMigration(ctx, "002"); err != nil {
		t.Fatalf("RecordMigration failed: %v", err)
	}
	applied, err := repo.IsMigrationApplied(ctx, "002")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if !applied {
		t.Error("expected 002 to be applied")
	}
	applied, _ = repo.IsMigrationApplied(ctx, "003")
	if applied {
		t.Error("expected 003 to be pending")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 1 || all[0].Version != "002" {
		t.Errorf("unexpected applied migrations %+v", all)
	}
}
