package repository

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"exposure-distribution-service/internal/domain"
)

// TraceWarningModel はtrace_time_interval_warningテーブルのモデル。
type TraceWarningModel struct {
	ID                    uint   `gorm:"column:id;primaryKey;autoIncrement"`
	TraceLocationIDHash   []byte `gorm:"column:trace_location_id_hash;type:varbinary(32);not null"`
	StartIntervalNumber   uint32 `gorm:"column:start_interval_number;not null"`
	Period                uint32 `gorm:"column:period;not null"`
	TransmissionRiskLevel int32  `gorm:"column:transmission_risk_level;not null"`
	SubmissionTimestamp   int64  `gorm:"column:submission_timestamp;not null;index:idx_tw_submission_timestamp"`
}

// TableName はテーブル名を返す。
func (TraceWarningModel) TableName() string {
	return "trace_time_interval_warning"
}

// TraceWarningRepository はチェックイン警告へのアクセスを提供する。
type TraceWarningRepository struct {
	db *gorm.DB
}

// NewTraceWarningRepository は新しいTraceWarningRepositoryを生成する。
func NewTraceWarningRepository(db *gorm.DB) *TraceWarningRepository {
	return &TraceWarningRepository{db: db}
}

// FindAll は全ての警告を提出時刻順に取得する。
func (r *TraceWarningRepository) FindAll(ctx context.Context) ([]domain.TraceTimeIntervalWarning, error) {
	var models []TraceWarningModel
	err := r.db.WithContext(ctx).
		Order("submission_timestamp ASC, id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find trace warnings",
			"operation", "find_all_trace_warnings",
			"error", err,
		)
		return nil, err
	}

	warnings := make([]domain.TraceTimeIntervalWarning, len(models))
	for i, m := range models {
		warnings[i] = domain.TraceTimeIntervalWarning{
			TraceLocationIDHash:   m.TraceLocationIDHash,
			StartIntervalNumber:   m.StartIntervalNumber,
			Period:                m.Period,
			TransmissionRiskLevel: m.TransmissionRiskLevel,
			SubmissionTimestamp:   m.SubmissionTimestamp,
		}
	}
	return warnings, nil
}

// SaveAll は警告を保存する。
func (r *TraceWarningRepository) SaveAll(ctx context.Context, warnings []domain.TraceTimeIntervalWarning) error {
	if len(warnings) == 0 {
		return nil
	}
	models := make([]TraceWarningModel, len(warnings))
	for i, w := range warnings {
		models[i] = TraceWarningModel{
			TraceLocationIDHash:   w.TraceLocationIDHash,
			StartIntervalNumber:   w.StartIntervalNumber,
			Period:                w.Period,
			TransmissionRiskLevel: w.TransmissionRiskLevel,
			SubmissionTimestamp:   w.SubmissionTimestamp,
		}
	}
	if err := r.db.WithContext(ctx).CreateInBatches(models, insertBatchSize).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save trace warnings",
			"operation", "save_trace_warnings",
			"count", len(warnings),
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteSubmittedBefore は指定した提出時刻（時間単位）より前の警告を削除し、件数を返す。
func (r *TraceWarningRepository) DeleteSubmittedBefore(ctx context.Context, submissionHour int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("submission_timestamp < ?", submissionHour).
		Delete(&TraceWarningModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete expired trace warnings",
			"operation", "delete_trace_warnings",
			"submission_hour", submissionHour,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
