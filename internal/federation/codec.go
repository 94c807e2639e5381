// Package federation は欧州フェデレーションゲートウェイとの鍵の送受信を提供する。
package federation

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"exposure-distribution-service/internal/domain"
)

// MarshalBatch は鍵リストをDiagnosisKeyBatchとしてエンコードする。鍵の順序はそのまま保たれる。
func MarshalBatch(keys []domain.DiagnosisKey) []byte {
	var b []byte
	for i := range keys {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalKey(&keys[i]))
	}
	return b
}

// UnmarshalBatch はDiagnosisKeyBatchを解析する。
// 解析できない場合は ErrMalformedBatch を返す。
func UnmarshalBatch(b []byte) ([]domain.DiagnosisKey, error) {
	var keys []domain.DiagnosisKey
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		raw, _ := protowire.ConsumeBytes(v)
		k, err := unmarshalKey(raw)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func marshalKey(k *domain.DiagnosisKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, k.KeyData)
	b = appendVarint(b, 2, uint64(k.RollingStartIntervalNumber))
	b = appendVarint(b, 3, uint64(k.RollingPeriod))
	b = appendVarint(b, 4, uint64(int64(k.TransmissionRiskLevel)))
	for _, c := range k.VisitedCountries {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendString(b, k.OriginCountry)
	b = appendVarint(b, 7, uint64(int64(k.ReportType)))
	b = appendVarint(b, 8, protowire.EncodeZigZag(int64(k.DaysSinceOnsetOfSymptoms)))
	return b
}

func unmarshalKey(b []byte) (domain.DiagnosisKey, error) {
	var k domain.DiagnosisKey
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch typ {
		case protowire.BytesType:
			raw, _ := protowire.ConsumeBytes(v)
			switch num {
			case 1:
				k.KeyData = append([]byte(nil), raw...)
			case 5:
				k.VisitedCountries = append(k.VisitedCountries, string(raw))
			case 6:
				k.OriginCountry = string(raw)
			}
		case protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			switch num {
			case 2:
				k.RollingStartIntervalNumber = uint32(n)
			case 3:
				k.RollingPeriod = uint32(n)
			case 4:
				k.TransmissionRiskLevel = int32(n)
			case 7:
				k.ReportType = domain.ReportType(int32(n))
			case 8:
				k.DaysSinceOnsetOfSymptoms = int32(protowire.DecodeZigZag(n))
			}
		}
		return nil
	})
	return k, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", domain.ErrMalformedBatch, protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %v", domain.ErrMalformedBatch, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
