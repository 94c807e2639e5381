package domain

import "errors"

var (
	// ErrInvalidKeyData は鍵データの長さが不正な場合のエラー。
	ErrInvalidKeyData = errors.New("invalid key data")

	// ErrInvalidRollingPeriod はローリング期間が範囲外の場合のエラー。
	ErrInvalidRollingPeriod = errors.New("invalid rolling period")

	// ErrInvalidTransmissionRiskLevel は送信リスクレベルが範囲外の場合のエラー。
	ErrInvalidTransmissionRiskLevel = errors.New("invalid transmission risk level")

	// ErrInvalidDaysSinceOnsetOfSymptoms はDSOSが範囲外の場合のエラー。
	ErrInvalidDaysSinceOnsetOfSymptoms = errors.New("invalid days since onset of symptoms")

	// ErrInvalidCountry は国コードがISO 3166-1 alpha-2でない場合のエラー。
	ErrInvalidCountry = errors.New("invalid country code")

	// ErrSigningFailed は署名生成に失敗した場合のエラー。
	ErrSigningFailed = errors.New("signing failed")

	// ErrInvalidSigningKey は署名鍵・証明書の設定が不正な場合のエラー。
	ErrInvalidSigningKey = errors.New("invalid signing key")

	// ErrInvalidConfiguration は設定値が不正な場合のエラー。
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrMalformedBatch はフェデレーションバッチの本文が解析できない場合のエラー。
	ErrMalformedBatch = errors.New("malformed federation batch")

	// ErrBatchNotFound は指定日のバッチがゲートウェイに存在しない場合のエラー。
	ErrBatchNotFound = errors.New("federation batch not found")

	// ErrGatewayUnavailable はゲートウェイが一時的に利用できない場合のエラー。
	ErrGatewayUnavailable = errors.New("federation gateway unavailable")

	// ErrGatewayUnauthorized はゲートウェイがクライアント証明書を拒否した場合のエラー。
	ErrGatewayUnauthorized = errors.New("federation gateway rejected client certificate")

	// ErrPublishFailed はオブジェクトストアへの公開で失敗数が閾値を超えた場合のエラー。
	ErrPublishFailed = errors.New("object store publish failed")

	// ErrRunInProgress は配信処理が既に実行中の場合のエラー。
	ErrRunInProgress = errors.New("distribution run already in progress")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
