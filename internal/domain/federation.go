package domain

import "time"

// FederationBatchStatus はダウンロードしたバッチの処理状態を表す。
type FederationBatchStatus string

const (
	FederationBatchStatusUnprocessed    FederationBatchStatus = "UNPROCESSED"
	FederationBatchStatusProcessed      FederationBatchStatus = "PROCESSED"
	FederationBatchStatusError          FederationBatchStatus = "ERROR"
	FederationBatchStatusErrorWontRetry FederationBatchStatus = "ERROR_WONT_RETRY"
)

// FederationBatchInfo はゲートウェイ上の1バッチの処理記録を表す。
type FederationBatchInfo struct {
	BatchTag string
	Date     time.Time
	Status   FederationBatchStatus
}

// FederationBatch はダウンロードしたバッチ本体と次バッチへのカーソルを表す。
type FederationBatch struct {
	BatchTag     string
	NextBatchTag string // 次バッチが存在しない場合は空
	Keys         []DiagnosisKey
}

// FederationUploadKey はアップロード待ちの鍵を表す。
// BatchTag が空の鍵は未送信。
type FederationUploadKey struct {
	DiagnosisKey
	BatchTag string
}

// UploadResult はアップロードの多重ステータス応答を表す。
// 各スライスは送信した鍵リスト内のインデックス。
type UploadResult struct {
	Created  []int
	Conflict []int
	Failed   []int
}

// TraceTimeIntervalWarning はチェックイン由来の警告を表す。
type TraceTimeIntervalWarning struct {
	TraceLocationIDHash   []byte
	StartIntervalNumber   uint32
	Period                uint32
	TransmissionRiskLevel int32
	// SubmissionTimestamp はエポックからの経過時間（時間単位）。
	SubmissionTimestamp int64
}
