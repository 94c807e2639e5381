package export

import (
	"context"

	"google.golang.org/protobuf/encoding/protowire"

	"exposure-distribution-service/internal/structure"
)

// TraceWarning はチェックイン由来の警告1件を表す。
type TraceWarning struct {
	LocationIDHash        []byte
	StartIntervalNumber   uint32
	Period                uint32
	TransmissionRiskLevel int32
}

// TraceWarningPackage は配信単位ごとの警告をまとめたパッケージを表す。
type TraceWarningPackage struct {
	// IntervalNumber は配信単位の先頭時刻のエポックからの経過時間（時間単位）。
	IntervalNumber uint32
	Region         string
	Warnings       []TraceWarning
}

// Marshal はパッケージをエンコードする。
func (p *TraceWarningPackage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.IntervalNumber))
	b = appendString(b, 2, p.Region)
	for _, w := range p.Warnings {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, w.LocationIDHash)
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(w.StartIntervalNumber))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(w.Period))
		m = appendInt32(m, 4, w.TransmissionRiskLevel)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalTraceWarningPackage はパッケージを解析する。
func UnmarshalTraceWarningPackage(b []byte) (*TraceWarningPackage, error) {
	p := &TraceWarningPackage{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			p.IntervalNumber = uint32(n)
		case num == 2 && typ == protowire.BytesType:
			raw, _ := protowire.ConsumeBytes(v)
			p.Region = string(raw)
		case num == 3 && typ == protowire.BytesType:
			raw, _ := protowire.ConsumeBytes(v)
			w := TraceWarning{}
			err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					h, _ := protowire.ConsumeBytes(v)
					w.LocationIDHash = append([]byte(nil), h...)
				case typ == protowire.VarintType:
					n, _ := protowire.ConsumeVarint(v)
					switch num {
					case 2:
						w.StartIntervalNumber = uint32(n)
					case 3:
						w.Period = uint32(n)
					case 4:
						w.TransmissionRiskLevel = int32(n)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Warnings = append(p.Warnings, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TraceWarningFile は警告パッケージを Prepare 時にエンコードするファイル要素。
// 署名用に常にバッチ 1/1 として扱われる。
type TraceWarningFile struct {
	*structure.File
	pkg *TraceWarningPackage
}

// NewTraceWarningFile は新しいTraceWarningFileを生成する。
func NewTraceWarningFile(pkg *TraceWarningPackage) *TraceWarningFile {
	return &TraceWarningFile{File: structure.NewFile(ExportFileName, nil), pkg: pkg}
}

// Prepare はパッケージをエンコードする。
func (f *TraceWarningFile) Prepare(ctx context.Context, indices structure.Indices) error {
	f.SetBytes(f.pkg.Marshal())
	return f.File.Prepare(ctx, indices)
}

func (f *TraceWarningFile) BatchNum() int32 { return 1 }

func (f *TraceWarningFile) BatchSize() int32 { return 1 }
