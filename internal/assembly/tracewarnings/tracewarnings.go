// Package tracewarnings はチェックイン警告の配信ツリー（国/日付）を組み立てる。
package tracewarnings

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/structure"
)

// ディレクトリ名。
const (
	DirectoryName        = "twp"
	CountryDirectoryName = "country"
	DateDirectoryName    = "date"
)

// Bundler は警告を提出日ごとに振り分ける。
type Bundler struct {
	country      string
	maxPerBundle int
	byDate       map[time.Time][]domain.TraceTimeIntervalWarning
}

// NewBundler は新しいBundlerを生成する。maxPerBundle が0以下の場合は上限なし。
func NewBundler(country string, maxPerBundle int) *Bundler {
	return &Bundler{country: country, maxPerBundle: maxPerBundle, byDate: make(map[time.Time][]domain.TraceTimeIntervalWarning)}
}

// SetWarnings は警告を振り分ける。配信時刻の時間以降に提出された警告は含まれない。
func (b *Bundler) SetWarnings(warnings []domain.TraceTimeIntervalWarning, distributionTime time.Time) {
	cutoff := distributionTime.UTC().Truncate(time.Hour)
	b.byDate = make(map[time.Time][]domain.TraceTimeIntervalWarning)
	for _, w := range warnings {
		submitted := time.Unix(w.SubmissionTimestamp*3600, 0).UTC()
		if !submitted.Before(cutoff) {
			continue
		}
		day := truncateDay(submitted)
		b.byDate[day] = append(b.byDate[day], w)
	}
}

// Countries は配信対象の国を返す。
func (b *Bundler) Countries() []string {
	return []string{b.country}
}

// Dates は警告を持つ日付を昇順で返す。
func (b *Bundler) Dates() []time.Time {
	var out []time.Time
	for _, d := range slices.SortedFunc(maps.Keys(b.byDate), func(x, y time.Time) int { return x.Compare(y) }) {
		n := len(b.byDate[d])
		if b.maxPerBundle > 0 && n > b.maxPerBundle {
			slog.Error("number of trace warnings exceeds the configured maximum",
				"operation", "bundle_trace_warnings",
				"warnings", n,
				"date", d,
				"maximum", b.maxPerBundle,
			)
			continue
		}
		out = append(out, d)
	}
	return out
}

// WarningsForDate は指定日の警告を返す。
func (b *Bundler) WarningsForDate(date time.Time) []domain.TraceTimeIntervalWarning {
	return b.byDate[truncateDay(date)]
}

// NewDirectory は twp/country/<国>/date/<日付>/index のツリーを生成する。
func NewDirectory(bundler *Bundler, signer signing.Signer, info export.SignatureInfo) (*structure.Directory, error) {
	countries := structure.NewIndexDirectory(CountryDirectoryName,
		func(structure.Indices) ([]string, error) { return bundler.Countries(), nil },
		func(c string) any { return c },
	)
	countries.AddWritableToAll(func(structure.Indices) ([]structure.Writable, error) {
		dates := structure.NewIndexDirectory(DateDirectoryName,
			func(structure.Indices) ([]time.Time, error) { return bundler.Dates(), nil },
			func(d time.Time) any { return d.Format(time.DateOnly) },
		)
		dates.AddWritableToAll(func(indices structure.Indices) ([]structure.Writable, error) {
			return dateArchive(bundler, signer, info, indices)
		})
		return structure.One(structure.NewIndexingDecorator[time.Time](dates))
	})

	root := structure.NewDirectory(DirectoryName)
	if err := root.AddWritable(structure.NewIndexingDecorator[string](countries)); err != nil {
		return nil, err
	}
	return root, nil
}

func dateArchive(bundler *Bundler, signer signing.Signer, info export.SignatureInfo, indices structure.Indices) ([]structure.Writable, error) {
	date, err := structure.IndexAt[time.Time](indices, 0)
	if err != nil {
		return nil, err
	}
	country, err := structure.IndexAt[string](indices, 1)
	if err != nil {
		return nil, err
	}

	pkg := &export.TraceWarningPackage{
		IntervalNumber: uint32(date.Unix() / 3600),
		Region:         country,
	}
	for _, w := range bundler.WarningsForDate(date) {
		pkg.Warnings = append(pkg.Warnings, export.TraceWarning{
			LocationIDHash:        w.TraceLocationIDHash,
			StartIntervalNumber:   w.StartIntervalNumber,
			Period:                w.Period,
			TransmissionRiskLevel: w.TransmissionRiskLevel,
		})
	}

	archive := structure.NewArchive(structure.IndexFileName)
	file := export.NewTraceWarningFile(pkg)
	if err := archive.AddWritable(file); err != nil {
		return nil, err
	}
	return structure.One(signing.NewArchiveSigningDecorator(archive, file, signer, info))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
