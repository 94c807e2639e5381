// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"slices"
	"time"
)

const (
	// KeyDataLength は鍵データのバイト長。
	KeyDataLength = 16
	// RollingIntervalMinutes はローリング区間1単位の長さ（分）。
	RollingIntervalMinutes = 10
	// MinRollingPeriod / MaxRollingPeriod はローリング期間の範囲。
	MinRollingPeriod = 1
	MaxRollingPeriod = 144
	// MinTransmissionRiskLevel / MaxTransmissionRiskLevel は送信リスクレベルの範囲。
	MinTransmissionRiskLevel = 1
	MaxTransmissionRiskLevel = 8
	// MinDaysSinceOnsetOfSymptoms / MaxDaysSinceOnsetOfSymptoms はDSOSの範囲。
	MinDaysSinceOnsetOfSymptoms = -14
	MaxDaysSinceOnsetOfSymptoms = 4000
)

// ReportType は診断の種別を表す。
type ReportType int32

const (
	ReportTypeUnknown                    ReportType = 0
	ReportTypeConfirmedTest              ReportType = 1
	ReportTypeConfirmedClinicalDiagnosis ReportType = 2
	ReportTypeSelfReport                 ReportType = 3
	ReportTypeRecursive                  ReportType = 4
	ReportTypeRevoked                    ReportType = 5
)

// DiagnosisKey は陽性者から提出された一時暴露鍵を表す。
// 一度読み込まれた後は変更しない。
type DiagnosisKey struct {
	KeyData                    []byte
	RollingStartIntervalNumber uint32
	RollingPeriod              uint32
	TransmissionRiskLevel      int32
	DaysSinceOnsetOfSymptoms   int32
	ReportType                 ReportType
	OriginCountry              string
	VisitedCountries           []string
	ConsentToFederation        bool
	// SubmissionTimestamp はエポックからの経過時間（時間単位）。
	SubmissionTimestamp int64
}

// Validate は鍵の不変条件を検証する。
func (k *DiagnosisKey) Validate() error {
	if len(k.KeyData) != KeyDataLength {
		return fmt.Errorf("%w: key data length %d", ErrInvalidKeyData, len(k.KeyData))
	}
	if k.RollingPeriod < MinRollingPeriod || k.RollingPeriod > MaxRollingPeriod {
		return fmt.Errorf("%w: %d", ErrInvalidRollingPeriod, k.RollingPeriod)
	}
	if k.TransmissionRiskLevel < MinTransmissionRiskLevel || k.TransmissionRiskLevel > MaxTransmissionRiskLevel {
		return fmt.Errorf("%w: %d", ErrInvalidTransmissionRiskLevel, k.TransmissionRiskLevel)
	}
	if k.DaysSinceOnsetOfSymptoms < MinDaysSinceOnsetOfSymptoms || k.DaysSinceOnsetOfSymptoms > MaxDaysSinceOnsetOfSymptoms {
		return fmt.Errorf("%w: %d", ErrInvalidDaysSinceOnsetOfSymptoms, k.DaysSinceOnsetOfSymptoms)
	}
	if err := ValidateCountry(k.OriginCountry); err != nil {
		return err
	}
	for _, c := range k.VisitedCountries {
		if err := ValidateCountry(c); err != nil {
			return err
		}
	}
	return nil
}

// SubmissionTime は提出時刻（時間単位に切り捨て済み）を返す。
func (k *DiagnosisKey) SubmissionTime() time.Time {
	return time.Unix(k.SubmissionTimestamp*3600, 0).UTC()
}

// ExpiryTime はローリング期間の終了時刻を返す。
func (k *DiagnosisKey) ExpiryTime() time.Time {
	start := int64(k.RollingStartIntervalNumber) * RollingIntervalMinutes * 60
	return time.Unix(start, 0).UTC().Add(time.Duration(k.RollingPeriod) * RollingIntervalMinutes * time.Minute)
}

// IsVisited は指定された国が訪問国に含まれるかを返す。
func (k *DiagnosisKey) IsVisited(country string) bool {
	return slices.Contains(k.VisitedCountries, country)
}

// SubmissionHour は時刻をエポックからの経過時間（時間単位）に変換する。
func SubmissionHour(t time.Time) int64 {
	return t.Unix() / 3600
}
