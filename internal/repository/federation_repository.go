package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"exposure-distribution-service/internal/domain"
)

// FederationUploadKeyModel はfederation_upload_keyテーブルのモデル。
type FederationUploadKeyModel struct {
	KeyColumns
	BatchTag *string `gorm:"column:batch_tag;type:varchar(64);index:idx_batch_tag"`
}

// TableName はテーブル名を返す。
func (FederationUploadKeyModel) TableName() string {
	return "federation_upload_key"
}

func (m *FederationUploadKeyModel) toDomain() domain.FederationUploadKey {
	k := domain.FederationUploadKey{DiagnosisKey: m.KeyColumns.toDomain()}
	if m.BatchTag != nil {
		k.BatchTag = *m.BatchTag
	}
	return k
}

// FederationUploadKeyRepository はゲートウェイへの送信待ちの鍵へのアクセスを提供する。
type FederationUploadKeyRepository struct {
	db *gorm.DB
}

// NewFederationUploadKeyRepository は新しいFederationUploadKeyRepositoryを生成する。
func NewFederationUploadKeyRepository(db *gorm.DB) *FederationUploadKeyRepository {
	return &FederationUploadKeyRepository{db: db}
}

// FindPending はバッチタグ未設定の鍵を鍵データ順に取得する。
func (r *FederationUploadKeyRepository) FindPending(ctx context.Context) ([]domain.FederationUploadKey, error) {
	var models []FederationUploadKeyModel
	err := r.db.WithContext(ctx).
		Where("batch_tag IS NULL OR batch_tag = ''").
		Order("key_data ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find pending upload keys",
			"operation", "find_pending_upload_keys",
			"error", err,
		)
		return nil, err
	}

	keys := make([]domain.FederationUploadKey, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// SaveAll は送信待ちの鍵を保存する。既存の鍵データは無視する。
func (r *FederationUploadKeyRepository) SaveAll(ctx context.Context, keys []domain.DiagnosisKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	models := make([]FederationUploadKeyModel, len(keys))
	for i, k := range keys {
		models[i] = FederationUploadKeyModel{KeyColumns: newKeyColumns(k)}
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(models, insertBatchSize)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to save upload keys",
			"operation", "save_upload_keys",
			"count", len(keys),
			"error", result.Error,
		)
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// MarkUploaded は鍵にバッチタグを設定する。
func (r *FederationUploadKeyRepository) MarkUploaded(ctx context.Context, keys []domain.FederationUploadKey, batchTag string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([][]byte, len(keys))
	for i, k := range keys {
		ids[i] = k.KeyData
	}
	err := r.db.WithContext(ctx).
		Model(&FederationUploadKeyModel{}).
		Where("key_data IN ?", ids).
		Update("batch_tag", batchTag).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark keys as uploaded",
			"operation", "mark_uploaded",
			"batch_tag", batchTag,
			"count", len(keys),
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteSubmittedBefore は指定した提出時刻（時間単位）より前の鍵を削除し、件数を返す。
func (r *FederationUploadKeyRepository) DeleteSubmittedBefore(ctx context.Context, submissionHour int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("submission_timestamp < ?", submissionHour).
		Delete(&FederationUploadKeyModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete expired upload keys",
			"operation", "delete_upload_keys",
			"submission_hour", submissionHour,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// FederationBatchInfoModel はfederation_batch_infoテーブルのモデル。
type FederationBatchInfoModel struct {
	BatchTag  string    `gorm:"column:batch_tag;type:varchar(64);primaryKey"`
	Date      time.Time `gorm:"column:date;type:date;not null;index:idx_date"`
	Status    string    `gorm:"column:status;type:varchar(20);not null;default:'UNPROCESSED';index:idx_status"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (FederationBatchInfoModel) TableName() string {
	return "federation_batch_info"
}

func (m *FederationBatchInfoModel) toDomain() domain.FederationBatchInfo {
	return domain.FederationBatchInfo{
		BatchTag: m.BatchTag,
		Date:     m.Date.UTC(),
		Status:   domain.FederationBatchStatus(m.Status),
	}
}

// FederationBatchInfoRepository はダウンロードしたバッチの処理記録へのアクセスを提供する。
type FederationBatchInfoRepository struct {
	db *gorm.DB
}

// NewFederationBatchInfoRepository は新しいFederationBatchInfoRepositoryを生成する。
func NewFederationBatchInfoRepository(db *gorm.DB) *FederationBatchInfoRepository {
	return &FederationBatchInfoRepository{db: db}
}

// Save はバッチ記録を保存する。同じバッチタグが既にある場合は何もせず false を返す。
func (r *FederationBatchInfoRepository) Save(ctx context.Context, info domain.FederationBatchInfo) (bool, error) {
	status := info.Status
	if status == "" {
		status = domain.FederationBatchStatusUnprocessed
	}
	model := &FederationBatchInfoModel{
		BatchTag: info.BatchTag,
		Date:     info.Date.UTC(),
		Status:   string(status),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to save batch info",
			"operation", "save_batch_info",
			"batch_tag", info.BatchTag,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindByStatus は指定した状態のバッチ記録を日付、タグの順に取得する。
func (r *FederationBatchInfoRepository) FindByStatus(ctx context.Context, status domain.FederationBatchStatus) ([]domain.FederationBatchInfo, error) {
	var models []FederationBatchInfoModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("date ASC, batch_tag ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find batch info by status",
			"operation", "find_batch_info_by_status",
			"status", status,
			"error", err,
		)
		return nil, err
	}

	infos := make([]domain.FederationBatchInfo, len(models))
	for i := range models {
		infos[i] = models[i].toDomain()
	}
	return infos, nil
}

// UpdateStatus はバッチ記録の状態を更新する。
func (r *FederationBatchInfoRepository) UpdateStatus(ctx context.Context, batchTag string, status domain.FederationBatchStatus) error {
	err := r.db.WithContext(ctx).
		Model(&FederationBatchInfoModel{}).
		Where("batch_tag = ?", batchTag).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update batch status",
			"operation", "update_batch_status",
			"batch_tag", batchTag,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteBefore は指定日より前のバッチ記録を削除し、件数を返す。
func (r *FederationBatchInfoRepository) DeleteBefore(ctx context.Context, date time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("date < ?", date.UTC()).
		Delete(&FederationBatchInfoModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete batch info",
			"operation", "delete_batch_info",
			"date", date,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
