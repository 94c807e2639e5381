package export

import (
	"bytes"
	"cmp"
	"slices"
	"time"
)

// DefaultSizeLimit は1ファイルあたりの既定の上限バイト数。
const DefaultSizeLimit = 500_000

// Header はバッチに共通するヘッダ情報。
type Header struct {
	Start          time.Time
	End            time.Time
	Region         string
	SignatureInfos []SignatureInfo
}

// Batch は鍵をシリアライズ後サイズが limit 以下に収まるよう分割する。
//
// まず全鍵を1ファイルとして試しにシリアライズし、そのサイズ S が limit 以下なら1ファイルを返す。
// 超える場合は N = ceil(S/limit)+1 個に分割する。各ファイルの鍵数の差は高々1。
// 分割後の各ファイルを再計測し、2鍵以上を含むファイルがなお limit を超える場合は
// N を増やして分割し直す。返される各ファイルの BatchNum は1始まり、BatchSize は N。
// N が鍵数を超える場合、末尾のファイルは空になる。
func Batch(keys []Key, header Header, limit int) []*Export {
	sorted := SortKeys(keys)

	single := header.build(sorted, 1, 1)
	size := single.SerializedSize()
	if size <= limit || len(sorted) <= 1 {
		return []*Export{single}
	}

	n := ceilDiv(size, limit) + 1
	for {
		batches := header.split(sorted, n)
		if fits(batches, limit) || n >= len(sorted) {
			return batches
		}
		n++
	}
}

// BatchCount は Batch が返すファイル数の初期見積もり ceil(S/limit)+1 を返す。
// S が limit 以下の場合は1。
func BatchCount(size, limit int) int {
	if size <= limit {
		return 1
	}
	return ceilDiv(size, limit) + 1
}

// SortKeys は鍵データ順に並べた複製を返す。
func SortKeys(keys []Key) []Key {
	sorted := slices.Clone(keys)
	slices.SortStableFunc(sorted, func(a, b Key) int {
		if c := bytes.Compare(a.KeyData, b.KeyData); c != 0 {
			return c
		}
		return cmp.Compare(a.RollingStartIntervalNumber, b.RollingStartIntervalNumber)
	})
	return sorted
}

// split は keys を順序を保ったまま n 個に分ける。先頭の len(keys)%n 個が1鍵多い。
func (h Header) split(keys []Key, n int) []*Export {
	base, extra := len(keys)/n, len(keys)%n
	out := make([]*Export, n)
	start := 0
	for i := range out {
		end := start + base
		if i < extra {
			end++
		}
		out[i] = h.build(keys[start:end], i+1, n)
		start = end
	}
	return out
}

func (h Header) build(keys []Key, batchNum, batchSize int) *Export {
	return &Export{
		StartTimestamp: uint64(h.Start.UnixMilli()),
		EndTimestamp:   uint64(h.End.UnixMilli()),
		Region:         h.Region,
		BatchNum:       int32(batchNum),
		BatchSize:      int32(batchSize),
		SignatureInfos: h.SignatureInfos,
		Keys:           keys,
	}
}

func fits(batches []*Export, limit int) bool {
	for _, b := range batches {
		if len(b.Keys) > 1 && b.SerializedSize() > limit {
			return false
		}
	}
	return true
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
