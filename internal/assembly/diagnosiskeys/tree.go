package diagnosiskeys

import (
	"fmt"
	"time"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/structure"
)

// ディレクトリ名。
const (
	DirectoryName        = "diagnosis-keys"
	CountryDirectoryName = "country"
	DateDirectoryName    = "date"
	HourDirectoryName    = "hour"
)

// DateFormat は日付ディレクトリ名の書式。
const DateFormat = "2006-01-02"

// Options は配信ツリーの生成設定。
type Options struct {
	SignatureInfo export.SignatureInfo
	// SizeLimit は export.bin 1ファイルの上限バイト数。
	SizeLimit int
	// Concurrency は国ディレクトリを並列に準備する数。
	Concurrency int
}

type tree struct {
	bundler *Bundler
	signer  signing.Signer
	opts    Options
}

// NewDirectory は diagnosis-keys/country/<国>/date/<日付>/hour/<時> のツリーを生成する。
// 各国の index は国一覧、各日付の index は日付一覧、各時間の index は時一覧のJSON配列になる。
func NewDirectory(bundler *Bundler, signer signing.Signer, opts Options) (*structure.Directory, error) {
	if opts.SizeLimit <= 0 {
		opts.SizeLimit = export.DefaultSizeLimit
	}
	t := &tree{bundler: bundler, signer: signer, opts: opts}

	countries := structure.NewIndexDirectory(CountryDirectoryName,
		func(structure.Indices) ([]string, error) { return bundler.Countries(), nil },
		func(c string) any { return c },
		structure.WithConcurrency(opts.Concurrency),
	)
	countries.AddWritableToAll(t.dateDirectory)

	root := structure.NewDirectory(DirectoryName)
	if err := root.AddWritable(structure.NewIndexingDecorator[string](countries)); err != nil {
		return nil, err
	}
	return root, nil
}

func (t *tree) dateDirectory(structure.Indices) ([]structure.Writable, error) {
	dates := structure.NewIndexDirectory(DateDirectoryName,
		func(indices structure.Indices) ([]time.Time, error) {
			country, err := structure.IndexAt[string](indices, 0)
			if err != nil {
				return nil, err
			}
			return t.bundler.Dates(country), nil
		},
		func(d time.Time) any { return d.Format(DateFormat) },
	)
	dates.AddWritableToAll(t.hourDirectory)
	return structure.One(newAggregatingDecorator(structure.NewIndexingDecorator[time.Time](dates), t))
}

func (t *tree) hourDirectory(structure.Indices) ([]structure.Writable, error) {
	hours := structure.NewIndexDirectory(HourDirectoryName,
		func(indices structure.Indices) ([]time.Time, error) {
			date, err := structure.IndexAt[time.Time](indices, 0)
			if err != nil {
				return nil, err
			}
			country, err := structure.IndexAt[string](indices, 1)
			if err != nil {
				return nil, err
			}
			return t.bundler.Hours(country, date), nil
		},
		func(h time.Time) any { return h.Hour() },
	)
	hours.AddWritableToAll(t.hourArchives)
	return structure.One(structure.NewIndexingDecorator[time.Time](hours))
}

func (t *tree) hourArchives(indices structure.Indices) ([]structure.Writable, error) {
	hour, err := structure.IndexAt[time.Time](indices, 0)
	if err != nil {
		return nil, err
	}
	country, err := structure.IndexAt[string](indices, 2)
	if err != nil {
		return nil, err
	}

	keys := ToExportKeys(t.bundler.KeysForHour(country, hour))
	return t.signedArchives(export.Batch(keys, t.header(country, hour, hour.Add(time.Hour)), t.opts.SizeLimit))
}

func (t *tree) header(region string, start, end time.Time) export.Header {
	return export.Header{
		Start:          start,
		End:            end,
		Region:         region,
		SignatureInfos: []export.SignatureInfo{t.opts.SignatureInfo},
	}
}

// signedArchives はバッチごとに署名済みアーカイブを生成する。1件目は index、以降は index_<番号>。
func (t *tree) signedArchives(batches []*export.Export) ([]structure.Writable, error) {
	out := make([]structure.Writable, 0, len(batches))
	for i, batch := range batches {
		archive := structure.NewArchive(ArchiveName(i + 1))
		file := export.NewFile(batch)
		if err := archive.AddWritable(file); err != nil {
			return nil, err
		}
		out = append(out, signing.NewArchiveSigningDecorator(archive, file, t.signer, t.opts.SignatureInfo))
	}
	return out, nil
}

// ArchiveName はバッチ番号に対応するアーカイブ名を返す。
func ArchiveName(batchNum int) string {
	if batchNum <= 1 {
		return structure.IndexFileName
	}
	return fmt.Sprintf("%s_%d", structure.IndexFileName, batchNum)
}

// ToExportKeys は診断鍵をエクスポート用の鍵に変換する。
func ToExportKeys(keys []domain.DiagnosisKey) []export.Key {
	out := make([]export.Key, 0, len(keys))
	for _, k := range keys {
		out = append(out, export.Key{
			KeyData:                    k.KeyData,
			TransmissionRiskLevel:      k.TransmissionRiskLevel,
			RollingStartIntervalNumber: int32(k.RollingStartIntervalNumber),
			RollingPeriod:              int32(k.RollingPeriod),
			ReportType:                 int32(k.ReportType),
			DaysSinceOnsetOfSymptoms:   k.DaysSinceOnsetOfSymptoms,
		})
	}
	return out
}
