package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/signing"
)

// UploadBatch はゲートウェイへ送信する1バッチを表す。
// Keys は鍵データ順に並んでおり、応答のインデックスはこの順序を指す。
type UploadBatch struct {
	Tag       string
	Keys      []domain.FederationUploadKey
	Body      []byte
	Signature string
}

// AssemblerConfig はバッチ組み立ての設定を表す。
type AssemblerConfig struct {
	MinBatchKeyCount int
	MaxBatchKeyCount int
}

// Assembler は送信待ちの鍵から署名付きバッチを組み立てる。
type Assembler struct {
	cfg    AssemblerConfig
	signer signing.Signer
	now    func() time.Time
	rand   io.Reader
}

// NewAssembler は新しいAssemblerを生成する。
func NewAssembler(cfg AssemblerConfig, signer signing.Signer) *Assembler {
	return &Assembler{cfg: cfg, signer: signer, now: time.Now, rand: rand.Reader}
}

// Assemble は送信待ちの鍵をバッチに分割して署名する。
// 連合に同意していない鍵は除外し、残りが MinBatchKeyCount 未満の場合は何も送らない。
func (a *Assembler) Assemble(ctx context.Context, pending []domain.FederationUploadKey) ([]UploadBatch, error) {
	var consented []domain.FederationUploadKey
	for _, k := range pending {
		if k.ConsentToFederation {
			consented = append(consented, k)
		}
	}
	if len(consented) == 0 || len(consented) < a.cfg.MinBatchKeyCount {
		return nil, nil
	}

	hash, err := a.runnerHash()
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()

	var batches []UploadBatch
	for i, part := range Partition(consented, a.cfg.MaxBatchKeyCount) {
		SortByKeyData(part)
		keys := make([]domain.DiagnosisKey, len(part))
		for j := range part {
			keys[j] = part[j].DiagnosisKey
		}
		sig, err := a.signer.Sign(ctx, BytesToSign(keys))
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d: %v", domain.ErrSigningFailed, i, err)
		}
		batches = append(batches, UploadBatch{
			Tag:       BatchTag(now, hash, i+1),
			Keys:      part,
			Body:      MarshalBatch(keys),
			Signature: base64.StdEncoding.EncodeToString(sig),
		})
	}
	return batches, nil
}

func (a *Assembler) runnerHash() (string, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(a.rand, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// BatchTag はバッチタグ「年-月-日-実行ハッシュ-連番」を生成する。
func BatchTag(date time.Time, runnerHash string, counter int) string {
	return fmt.Sprintf("%d-%d-%d-%s-%d", date.Year(), int(date.Month()), date.Day(), runnerHash, counter)
}

// Partition は鍵を最大 size 件ずつに分割する。size が0以下の場合は分割しない。
func Partition(keys []domain.FederationUploadKey, size int) [][]domain.FederationUploadKey {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]domain.FederationUploadKey{slices.Clone(keys)}
	}
	var parts [][]domain.FederationUploadKey
	for chunk := range slices.Chunk(keys, size) {
		parts = append(parts, slices.Clone(chunk))
	}
	return parts
}

// SortByKeyData は鍵を鍵データの辞書順に並べる。
func SortByKeyData(keys []domain.FederationUploadKey) {
	slices.SortStableFunc(keys, func(x, y domain.FederationUploadKey) int {
		return bytes.Compare(x.KeyData, y.KeyData)
	})
}

// BytesToSign はバッチ署名の対象となるバイト列を生成する。
// 鍵データ順に、各フィールドをBase64化して "." で連結する。
// 訪問国と発行国の間には区切りを置かない。
func BytesToSign(keys []domain.DiagnosisKey) []byte {
	sorted := slices.Clone(keys)
	slices.SortStableFunc(sorted, func(x, y domain.DiagnosisKey) int {
		return bytes.Compare(x.KeyData, y.KeyData)
	})

	var buf bytes.Buffer
	enc := func(b []byte) { buf.WriteString(base64.StdEncoding.EncodeToString(b)) }
	dot := func() { buf.WriteByte('.') }
	for _, k := range sorted {
		enc(k.KeyData)
		dot()
		enc(int32Bytes(int32(k.RollingStartIntervalNumber)))
		dot()
		enc(int32Bytes(int32(k.RollingPeriod)))
		dot()
		enc(int32Bytes(k.TransmissionRiskLevel))
		dot()
		visited := slices.Clone(k.VisitedCountries)
		slices.Sort(visited)
		enc([]byte(strings.Join(visited, ",")))
		enc([]byte(k.OriginCountry))
		dot()
		enc(int32Bytes(int32(k.ReportType)))
		dot()
		enc(int32Bytes(k.DaysSinceOnsetOfSymptoms))
		dot()
	}
	return buf.Bytes()
}

// RetryKeys は応答の "500" インデックスに対応する鍵を返す。範囲外のインデックスは無視する。
func RetryKeys(batch UploadBatch, result *domain.UploadResult) []domain.FederationUploadKey {
	var out []domain.FederationUploadKey
	for _, i := range result.Failed {
		if i >= 0 && i < len(batch.Keys) {
			out = append(out, batch.Keys[i])
		}
	}
	return out
}

// DeliveredKeys は再送対象を除いた鍵を返す。"409" の鍵は送信済みとみなす。
func DeliveredKeys(batch UploadBatch, result *domain.UploadResult) []domain.FederationUploadKey {
	failed := make(map[int]struct{}, len(result.Failed))
	for _, i := range result.Failed {
		failed[i] = struct{}{}
	}
	var out []domain.FederationUploadKey
	for i, k := range batch.Keys {
		if _, ok := failed[i]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func int32Bytes(v int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(v))
}
