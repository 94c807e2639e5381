package diagnosiskeys

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/structure"
)

// AggregatingDecorator は日付ディレクトリの準備後、各日にその日の全時間ファイルを
// 集約した署名済みアーカイブ index を追加する。配信時刻と同じ日は IncludeIncompleteDays が
// true の場合だけ集約する。
type AggregatingDecorator struct {
	structure.IndexedDecorator[time.Time]
	tree *tree
}

func newAggregatingDecorator(dates structure.Indexed[time.Time], t *tree) *AggregatingDecorator {
	return &AggregatingDecorator{IndexedDecorator: structure.IndexedDecorator[time.Time]{Indexed: dates}, tree: t}
}

// Prepare は日付ディレクトリを準備した後、日ごとの集約アーカイブを追加する。
func (d *AggregatingDecorator) Prepare(ctx context.Context, indices structure.Indices) error {
	if err := d.Indexed.Prepare(ctx, indices); err != nil {
		return err
	}

	days := structure.Containers(d)
	slices.SortFunc(days, func(a, b structure.Container) int { return strings.Compare(a.Name(), b.Name()) })

	for _, day := range days {
		date, err := time.Parse(DateFormat, day.Name())
		if err != nil {
			return fmt.Errorf("parsing date directory %s: %w", day.Path(), err)
		}
		if d.tree.bundler.IsIncompleteDay(date) {
			continue
		}
		exports, err := hourExports(day)
		if err != nil {
			return err
		}
		if len(exports) == 0 {
			continue
		}

		archives, err := d.tree.signedArchives(d.aggregate(exports))
		if err != nil {
			return err
		}
		for _, a := range archives {
			if err := day.AddWritable(a); err != nil {
				return err
			}
			if err := a.Prepare(ctx, indices); err != nil {
				return err
			}
		}
		slog.Debug("aggregated day",
			"operation", "aggregate_day",
			"path", day.Path(),
			"hour_files", len(exports),
			"archives", len(archives),
		)
	}
	return nil
}

// aggregate は時間ファイルの鍵を重複なく結合し、期間を全体の最小開始から最大終了までとする。
func (d *AggregatingDecorator) aggregate(exports []*export.Export) []*export.Export {
	var keys []export.Key
	seen := make(map[keyID]struct{})
	start, end := exports[0].StartTimestamp, exports[0].EndTimestamp
	for _, e := range exports {
		start = min(start, e.StartTimestamp)
		end = max(end, e.EndTimestamp)
		for _, k := range e.Keys {
			id := keyID{data: string(k.KeyData), rsin: k.RollingStartIntervalNumber}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, k)
		}
	}
	header := d.tree.header(exports[0].Region,
		time.UnixMilli(int64(start)).UTC(),
		time.UnixMilli(int64(end)).UTC(),
	)
	return export.Batch(keys, header, d.tree.opts.SizeLimit)
}

// hourExports は day/hour/<時>/<アーカイブ>/export.bin を全て解析する。
func hourExports(day structure.Container) ([]*export.Export, error) {
	var out []*export.Export
	for _, hourDir := range structure.Containers(day) {
		for _, hour := range structure.Containers(hourDir) {
			for _, archive := range structure.Archives(hour) {
				file, ok := structure.FileNamed(archive, export.ExportFileName)
				if !ok {
					return nil, fmt.Errorf("%s: %s not found", archive.Path(), export.ExportFileName)
				}
				e, err := export.UnmarshalFile(file.Bytes())
				if err != nil {
					return nil, fmt.Errorf("%s: %w", archive.Path(), err)
				}
				out = append(out, e)
			}
		}
	}
	return out, nil
}

type keyID struct {
	data string
	rsin int32
}
