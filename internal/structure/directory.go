package structure

import (
	"context"
	"fmt"
)

// Directory は子要素を追加順に保持するディレクトリ。
type Directory struct {
	node
	children []Writable
	names    map[string]struct{}
}

// NewDirectory は新しいDirectoryを生成する。
func NewDirectory(name string) *Directory {
	return &Directory{node: node{name: name}, names: make(map[string]struct{})}
}

func (d *Directory) Kind() Kind { return KindDirectory }

// AddWritable は子要素を追加する。同名の要素が既にある場合は ErrDuplicateName を返す。
func (d *Directory) AddWritable(w Writable) error {
	if _, exists := d.names[w.Name()]; exists {
		return fmt.Errorf("%w: %q in %q", ErrDuplicateName, w.Name(), d.Path())
	}
	d.names[w.Name()] = struct{}{}
	d.children = append(d.children, w)
	w.SetParent(d)
	return nil
}

// Writables は子要素を追加順に返す。
func (d *Directory) Writables() []Writable {
	return d.children
}

// Prepare は子要素を深さ優先で準備する。準備中に追加された子要素も対象になる。
func (d *Directory) Prepare(ctx context.Context, indices Indices) error {
	for i := 0; i < len(d.children); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.children[i].Prepare(ctx, indices); err != nil {
			return err
		}
	}
	d.prepared = true
	return nil
}

// Write はディレクトリを作成し、子要素を書き出す。
func (d *Directory) Write(ctx context.Context, sink Sink) error {
	if !d.prepared {
		return fmt.Errorf("%w: %s", ErrNotPrepared, d.Path())
	}
	if err := sink.MakeDir(ctx, d.Path()); err != nil {
		return fmt.Errorf("creating directory %s: %w", d.Path(), err)
	}
	for _, w := range d.children {
		if err := w.Write(ctx, sink); err != nil {
			return err
		}
	}
	return nil
}
