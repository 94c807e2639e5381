// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"exposure-distribution-service/internal/domain"
)

// insertBatchSize は一括挿入1回あたりの行数。
const insertBatchSize = 500

// KeyColumns は診断鍵テーブル共通の列定義。
type KeyColumns struct {
	KeyData                    []byte `gorm:"column:key_data;type:varbinary(16);primaryKey"`
	RollingStartIntervalNumber uint32 `gorm:"column:rolling_start_interval_number;not null"`
	RollingPeriod              uint32 `gorm:"column:rolling_period;not null"`
	SubmissionTimestamp        int64  `gorm:"column:submission_timestamp;not null;index:idx_submission_timestamp"`
	TransmissionRiskLevel      int32  `gorm:"column:transmission_risk_level;not null"`
	OriginCountry              string `gorm:"column:origin_country;type:char(2);not null"`
	VisitedCountries           string `gorm:"column:visited_countries;type:varchar(255);not null;default:''"`
	ReportType                 int32  `gorm:"column:report_type;not null"`
	DaysSinceOnsetOfSymptoms   int32  `gorm:"column:days_since_onset_of_symptoms;not null"`
	ConsentToFederation        bool   `gorm:"column:consent_to_federation;not null"`
}

func newKeyColumns(k domain.DiagnosisKey) KeyColumns {
	return KeyColumns{
		KeyData:                    k.KeyData,
		RollingStartIntervalNumber: k.RollingStartIntervalNumber,
		RollingPeriod:              k.RollingPeriod,
		SubmissionTimestamp:        k.SubmissionTimestamp,
		TransmissionRiskLevel:      k.TransmissionRiskLevel,
		OriginCountry:              k.OriginCountry,
		VisitedCountries:           strings.Join(k.VisitedCountries, ","),
		ReportType:                 int32(k.ReportType),
		DaysSinceOnsetOfSymptoms:   k.DaysSinceOnsetOfSymptoms,
		ConsentToFederation:        k.ConsentToFederation,
	}
}

func (c *KeyColumns) toDomain() domain.DiagnosisKey {
	var visited []string
	if c.VisitedCountries != "" {
		visited = strings.Split(c.VisitedCountries, ",")
	}
	return domain.DiagnosisKey{
		KeyData:                    c.KeyData,
		RollingStartIntervalNumber: c.RollingStartIntervalNumber,
		RollingPeriod:              c.RollingPeriod,
		SubmissionTimestamp:        c.SubmissionTimestamp,
		TransmissionRiskLevel:      c.TransmissionRiskLevel,
		OriginCountry:              c.OriginCountry,
		VisitedCountries:           visited,
		ReportType:                 domain.ReportType(c.ReportType),
		DaysSinceOnsetOfSymptoms:   c.DaysSinceOnsetOfSymptoms,
		ConsentToFederation:        c.ConsentToFederation,
	}
}

// DiagnosisKeyModel はdiagnosis_keyテーブルのモデル。
type DiagnosisKeyModel struct {
	KeyColumns
}

// TableName はテーブル名を返す。
func (DiagnosisKeyModel) TableName() string {
	return "diagnosis_key"
}

// DiagnosisKeyRepository は配信対象の診断鍵へのアクセスを提供する。
type DiagnosisKeyRepository struct {
	db *gorm.DB
}

// NewDiagnosisKeyRepository は新しいDiagnosisKeyRepositoryを生成する。
func NewDiagnosisKeyRepository(db *gorm.DB) *DiagnosisKeyRepository {
	return &DiagnosisKeyRepository{db: db}
}

// FindAll は全ての鍵を提出時刻、鍵データの順に取得する。
func (r *DiagnosisKeyRepository) FindAll(ctx context.Context) ([]domain.DiagnosisKey, error) {
	var models []DiagnosisKeyModel
	err := r.db.WithContext(ctx).
		Order("submission_timestamp ASC, key_data ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find diagnosis keys",
			"operation", "find_all_diagnosis_keys",
			"error", err,
		)
		return nil, err
	}

	keys := make([]domain.DiagnosisKey, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// SaveAll は鍵を保存し、新規に挿入された件数を返す。既存の鍵データは無視する。
func (r *DiagnosisKeyRepository) SaveAll(ctx context.Context, keys []domain.DiagnosisKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	models := make([]DiagnosisKeyModel, len(keys))
	for i, k := range keys {
		models[i] = DiagnosisKeyModel{newKeyColumns(k)}
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(models, insertBatchSize)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to save diagnosis keys",
			"operation", "save_diagnosis_keys",
			"count", len(keys),
			"error", result.Error,
		)
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// DeleteSubmittedBefore は指定した提出時刻（時間単位）より前の鍵を削除し、件数を返す。
func (r *DiagnosisKeyRepository) DeleteSubmittedBefore(ctx context.Context, submissionHour int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("submission_timestamp < ?", submissionHour).
		Delete(&DiagnosisKeyModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete expired diagnosis keys",
			"operation", "delete_diagnosis_keys",
			"submission_hour", submissionHour,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
