package structure

import (
	"context"
	"encoding/json"
	"fmt"
)

// IndexFileName はインデックスファイルおよび集約アーカイブの名前。
const IndexFileName = "index"

// ContainerDecorator は Container を包み、全ての操作を委譲する。
// デコレータはこれを埋め込み、Prepare のみを上書きする。
type ContainerDecorator struct {
	Container
}

// Delegate は包まれた要素を返す。
func (d ContainerDecorator) Delegate() Container {
	return d.Container
}

// IndexedDecorator は Indexed を包み、全ての操作を委譲する。
type IndexedDecorator[T any] struct {
	Indexed[T]
}

// IndexingDecorator は委譲先の準備後に、整形済みインデックス値のJSON配列を index ファイルとして追加する。
type IndexingDecorator[T any] struct {
	IndexedDecorator[T]
}

// NewIndexingDecorator は新しいIndexingDecoratorを生成する。
func NewIndexingDecorator[T any](dir Indexed[T]) *IndexingDecorator[T] {
	return &IndexingDecorator[T]{IndexedDecorator: IndexedDecorator[T]{Indexed: dir}}
}

// Prepare は委譲先を準備した後に index ファイルを追加する。
func (d *IndexingDecorator[T]) Prepare(ctx context.Context, indices Indices) error {
	if err := d.Indexed.Prepare(ctx, indices); err != nil {
		return err
	}

	values, err := d.Index(indices)
	if err != nil {
		return fmt.Errorf("computing index of %s: %w", d.Path(), err)
	}
	formatted := make([]any, 0, len(values))
	for _, v := range values {
		formatted = append(formatted, d.FormatIndex(v))
	}
	content, err := json.Marshal(formatted)
	if err != nil {
		return fmt.Errorf("encoding index of %s: %w", d.Path(), err)
	}

	file := NewFile(IndexFileName, content)
	if err := d.AddWritable(file); err != nil {
		return err
	}
	return file.Prepare(ctx, indices)
}
