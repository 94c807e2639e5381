package federation

import (
	"context"
	"log/slog"
	"time"

	"exposure-distribution-service/internal/domain"
)

// NormalizeKeys はダウンロードした鍵を保存できる形に整える。
// 範囲外のTRLはDSOSから、範囲外のDSOSはTRLから補完し、それでも不正な鍵は除外する。
// 提出時刻は receivedAt の時間単位になり、受信した鍵は再送の対象にしない。
func NormalizeKeys(ctx context.Context, keys []domain.DiagnosisKey, d domain.TekFieldDerivations, receivedAt time.Time) []domain.DiagnosisKey {
	submission := domain.SubmissionHour(receivedAt)
	out := make([]domain.DiagnosisKey, 0, len(keys))
	invalid := 0
	for _, k := range keys {
		if !inRange(k.TransmissionRiskLevel, domain.MinTransmissionRiskLevel, domain.MaxTransmissionRiskLevel) {
			k.TransmissionRiskLevel = d.TRL(k.DaysSinceOnsetOfSymptoms)
		}
		if !inRange(k.DaysSinceOnsetOfSymptoms, domain.MinDaysSinceOnsetOfSymptoms, domain.MaxDaysSinceOnsetOfSymptoms) {
			dsos, err := d.DSOS(k.TransmissionRiskLevel)
			if err != nil {
				invalid++
				continue
			}
			k.DaysSinceOnsetOfSymptoms = dsos
		}
		k.SubmissionTimestamp = submission
		k.ConsentToFederation = false
		if err := k.Validate(); err != nil {
			slog.DebugContext(ctx, "dropping invalid federation key",
				"operation", "normalize_keys",
				"error", err,
			)
			invalid++
			continue
		}
		out = append(out, k)
	}
	if invalid > 0 {
		slog.WarnContext(ctx, "federation batch contained invalid keys",
			"operation", "normalize_keys",
			"invalid", invalid,
			"valid", len(out),
		)
	}
	return out
}

func inRange(v, lo, hi int32) bool {
	return v >= lo && v <= hi
}
