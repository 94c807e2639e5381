package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は配信用テーブルのスキーマ変更1件を表す。
// FilePath はマイグレーションを読み込む fs.FS 内のパス。
type Migration struct {
	Version   string          `json:"version"`
	Name      string          `json:"name"`
	AppliedAt *time.Time      `json:"applied_at,omitempty"`
	FilePath  string          `json:"file"`
	Status    MigrationStatus `json:"status"`
}
