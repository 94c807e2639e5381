package structure

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"
)

// IndexFunction は祖先インデックスから子ディレクトリのインデックス値を計算する。
// 副作用を持たない純粋関数でなければならない。
type IndexFunction[T any] func(indices Indices) ([]T, error)

// Formatter はインデックス値を index ファイルに載せる値へ変換する。
// ディレクトリ名はこの値の文字列表現になる。
type Formatter[T any] func(v T) any

// Indexed はインデックス値から子ディレクトリを生成するディレクトリを表す。
type Indexed[T any] interface {
	Container
	Index(indices Indices) ([]T, error)
	FormatIndex(v T) any
	AddWritableToAll(fn WritableFunction)
}

// IndexDirectory はインデックス値ごとに子ディレクトリを1つ生成するディレクトリ。
type IndexDirectory[T any] struct {
	*Directory
	indexFn     IndexFunction[T]
	formatter   Formatter[T]
	toAll       []WritableFunction
	concurrency int
}

// IndexOption はIndexDirectoryの挙動を変更する。
type IndexOption func(*indexOptions)

type indexOptions struct {
	concurrency int
}

// WithConcurrency は子ディレクトリの準備を最大 n 並列で行う。
func WithConcurrency(n int) IndexOption {
	return func(o *indexOptions) { o.concurrency = n }
}

// NewIndexDirectory は新しいIndexDirectoryを生成する。
func NewIndexDirectory[T any](name string, indexFn IndexFunction[T], formatter Formatter[T], opts ...IndexOption) *IndexDirectory[T] {
	o := indexOptions{concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return &IndexDirectory[T]{
		Directory:   NewDirectory(name),
		indexFn:     indexFn,
		formatter:   formatter,
		concurrency: o.concurrency,
	}
}

// Index はインデックス値を計算する。
func (d *IndexDirectory[T]) Index(indices Indices) ([]T, error) {
	return d.indexFn(indices)
}

// FormatIndex はインデックス値を整形する。
func (d *IndexDirectory[T]) FormatIndex(v T) any {
	return d.formatter(v)
}

// AddWritableToAll は全ての子ディレクトリに追加する要素の生成関数を登録する。
func (d *IndexDirectory[T]) AddWritableToAll(fn WritableFunction) {
	d.toAll = append(d.toAll, fn)
}

// Prepare は手動で追加された子要素を準備した後、インデックス値ごとに子ディレクトリを生成して準備する。
func (d *IndexDirectory[T]) Prepare(ctx context.Context, indices Indices) error {
	if err := d.Directory.Prepare(ctx, indices); err != nil {
		return err
	}

	values, err := d.indexFn(indices)
	if err != nil {
		return fmt.Errorf("computing index of %s: %w", d.Path(), err)
	}

	type pending struct {
		dir     *Directory
		indices Indices
	}
	subs := make([]pending, 0, len(values))
	for _, v := range values {
		sub := NewDirectory(fmt.Sprint(d.formatter(v)))
		if err := d.Directory.AddWritable(sub); err != nil {
			return err
		}
		subs = append(subs, pending{dir: sub, indices: indices.Push(v)})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.concurrency, 1))
	for _, p := range subs {
		g.Go(func() error {
			return d.prepareSubDirectory(gctx, p.dir, p.indices)
		})
	}
	return g.Wait()
}

func (d *IndexDirectory[T]) prepareSubDirectory(ctx context.Context, sub *Directory, indices Indices) error {
	for _, fn := range d.toAll {
		writables, err := fn(indices)
		if err != nil {
			return fmt.Errorf("generating writables for %s: %w", sub.Path(), err)
		}
		for _, w := range writables {
			if isNil(w) {
				continue
			}
			if err := sub.AddWritable(w); err != nil {
				return err
			}
		}
	}
	return sub.Prepare(ctx, indices)
}

// isNil は w が nil か、nil ポインタを保持したインターフェースかを返す。
func isNil(w Writable) bool {
	if w == nil {
		return true
	}
	v := reflect.ValueOf(w)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
