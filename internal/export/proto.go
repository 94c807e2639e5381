// Package export はTemporaryExposureKeyExport形式のエンコード・デコードとバッチ分割を提供する。
package export

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FileHeader はexport.binの先頭に置かれる固定長ヘッダ。
const (
	FileHeader      = "EK Export v1"
	FileHeaderWidth = 16
)

// ErrMalformed はバイト列がエクスポート形式として解析できない場合のエラー。
var ErrMalformed = errors.New("malformed export payload")

// Key はエクスポートファイル内の1鍵を表す。
type Key struct {
	KeyData                    []byte
	TransmissionRiskLevel      int32
	RollingStartIntervalNumber int32
	RollingPeriod              int32
	ReportType                 int32
	DaysSinceOnsetOfSymptoms   int32
}

// SignatureInfo は署名の検証に必要なメタデータを表す。
type SignatureInfo struct {
	AppBundleID            string
	AndroidPackage         string
	VerificationKeyVersion string
	VerificationKeyID      string
	SignatureAlgorithm     string
}

// Export はTemporaryExposureKeyExportメッセージを表す。
// 時刻はエポックからのミリ秒。
type Export struct {
	StartTimestamp uint64
	EndTimestamp   uint64
	Region         string
	BatchNum       int32
	BatchSize      int32
	SignatureInfos []SignatureInfo
	Keys           []Key
	RevisedKeys    []Key
}

// Marshal はヘッダなしのメッセージ本体をエンコードする。
func (e *Export) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.StartTimestamp)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.EndTimestamp)
	b = appendString(b, 3, e.Region)
	b = appendInt32(b, 4, e.BatchNum)
	b = appendInt32(b, 5, e.BatchSize)
	for _, info := range e.SignatureInfos {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, info.Marshal())
	}
	for _, k := range e.Keys {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, k.Marshal())
	}
	for _, k := range e.RevisedKeys {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, k.Marshal())
	}
	return b
}

// MarshalFile はヘッダ付きのexport.binを返す。
func (e *Export) MarshalFile() []byte {
	return append(headerBytes(), e.Marshal()...)
}

// SerializedSize はヘッダ付きのファイルサイズを返す。
func (e *Export) SerializedSize() int {
	return FileHeaderWidth + len(e.Marshal())
}

// UnmarshalFile はヘッダ付きのexport.binを解析する。
func UnmarshalFile(b []byte) (*Export, error) {
	header := headerBytes()
	if !bytes.HasPrefix(b, header) {
		return nil, fmt.Errorf("%w: missing %q header", ErrMalformed, FileHeader)
	}
	return Unmarshal(b[len(header):])
}

// Unmarshal はヘッダなしのメッセージ本体を解析する。
func Unmarshal(b []byte) (*Export, error) {
	e := &Export{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			e.StartTimestamp, _ = protowire.ConsumeFixed64(v)
		case num == 2 && typ == protowire.Fixed64Type:
			e.EndTimestamp, _ = protowire.ConsumeFixed64(v)
		case num == 3 && typ == protowire.BytesType:
			s, _ := protowire.ConsumeBytes(v)
			e.Region = string(s)
		case num == 4 && typ == protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			e.BatchNum = int32(n)
		case num == 5 && typ == protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			e.BatchSize = int32(n)
		case num == 6 && typ == protowire.BytesType:
			s, _ := protowire.ConsumeBytes(v)
			info, err := UnmarshalSignatureInfo(s)
			if err != nil {
				return err
			}
			e.SignatureInfos = append(e.SignatureInfos, *info)
		case (num == 7 || num == 8) && typ == protowire.BytesType:
			s, _ := protowire.ConsumeBytes(v)
			k, err := UnmarshalKey(s)
			if err != nil {
				return err
			}
			if num == 7 {
				e.Keys = append(e.Keys, *k)
			} else {
				e.RevisedKeys = append(e.RevisedKeys, *k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Marshal は鍵1件をエンコードする。
func (k *Key) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, k.KeyData)
	b = appendInt32(b, 2, k.TransmissionRiskLevel)
	b = appendInt32(b, 3, k.RollingStartIntervalNumber)
	b = appendInt32(b, 4, k.RollingPeriod)
	b = appendInt32(b, 5, k.ReportType)
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(k.DaysSinceOnsetOfSymptoms)))
	return b
}

// UnmarshalKey は鍵1件を解析する。
func UnmarshalKey(b []byte) (*Key, error) {
	k := &Key{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			s, _ := protowire.ConsumeBytes(v)
			k.KeyData = append([]byte(nil), s...)
			return nil
		}
		if typ != protowire.VarintType {
			return nil
		}
		n, _ := protowire.ConsumeVarint(v)
		switch num {
		case 2:
			k.TransmissionRiskLevel = int32(n)
		case 3:
			k.RollingStartIntervalNumber = int32(n)
		case 4:
			k.RollingPeriod = int32(n)
		case 5:
			k.ReportType = int32(n)
		case 6:
			k.DaysSinceOnsetOfSymptoms = int32(protowire.DecodeZigZag(n))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Marshal は署名情報をエンコードする。
func (s *SignatureInfo) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, s.AppBundleID)
	b = appendString(b, 2, s.AndroidPackage)
	b = appendString(b, 3, s.VerificationKeyVersion)
	b = appendString(b, 4, s.VerificationKeyID)
	b = appendString(b, 5, s.SignatureAlgorithm)
	return b
}

// UnmarshalSignatureInfo は署名情報を解析する。
func UnmarshalSignatureInfo(b []byte) (*SignatureInfo, error) {
	s := &SignatureInfo{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		raw, _ := protowire.ConsumeBytes(v)
		switch num {
		case 1:
			s.AppBundleID = string(raw)
		case 2:
			s.AndroidPackage = string(raw)
		case 3:
			s.VerificationKeyVersion = string(raw)
		case 4:
			s.VerificationKeyID = string(raw)
		case 5:
			s.SignatureAlgorithm = string(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func headerBytes() []byte {
	return []byte(fmt.Sprintf("%-*s", FileHeaderWidth, FileHeader))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// consumeFields はメッセージのフィールドを順に fn へ渡す。
// v はタグを除いたフィールド値のバイト列。
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
