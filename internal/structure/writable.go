// Package structure はエクスポートツリー（ディレクトリ・ファイル・アーカイブ）を提供する。
//
// ツリーは2段階で処理される。Prepare で内容と子要素を計算し、Write で Sink に書き出す。
// Write は入出力のみを行い、計算は一切しない。
package structure

import (
	"context"
	"errors"
	"path"
)

var (
	// ErrDuplicateName は同じディレクトリに同名の要素を追加した場合のエラー。
	ErrDuplicateName = errors.New("duplicate writable name")

	// ErrNotPrepared は Prepare 前に Write した場合のエラー。
	ErrNotPrepared = errors.New("writable not prepared")

	// ErrNotAFile はアーカイブにファイル以外を追加した場合のエラー。
	ErrNotAFile = errors.New("archive accepts files only")

	// ErrIndexType は祖先インデックスの型が期待と異なる場合のエラー。
	ErrIndexType = errors.New("unexpected index type")
)

// Kind はツリー要素の種別。
type Kind int

const (
	KindFile Kind = iota + 1
	KindDirectory
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Writable はツリーの1要素を表す。
type Writable interface {
	Name() string
	Kind() Kind
	Parent() Container
	SetParent(parent Container)
	// Path はルートからの相対パスを返す。
	Path() string
	Prepare(ctx context.Context, indices Indices) error
	Write(ctx context.Context, sink Sink) error
}

// Container は子要素を持つ要素（ディレクトリ・アーカイブ）を表す。
type Container interface {
	Writable
	AddWritable(w Writable) error
	Writables() []Writable
}

// FileWritable はバイト列を保持する要素を表す。
type FileWritable interface {
	Writable
	Bytes() []byte
}

// WritableFunction は祖先インデックスから子要素を生成する。
// 空スライスを返した場合は何も追加しない。nil の要素（nil ポインタを含む）は読み飛ばす。
type WritableFunction func(indices Indices) ([]Writable, error)

// Sink はツリーの書き出し先を表す。
type Sink interface {
	MakeDir(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Resetter は書き出し前に以前の内容を破棄できる Sink が実装する。
type Resetter interface {
	Reset(ctx context.Context) error
}

// node は全要素に共通する名前と親への参照を保持する。
type node struct {
	name     string
	parent   Container
	prepared bool
}

func (n *node) Name() string { return n.name }

func (n *node) Parent() Container { return n.parent }

func (n *node) SetParent(parent Container) { n.parent = parent }

func (n *node) Path() string {
	if n.parent == nil {
		return n.name
	}
	return path.Join(n.parent.Path(), n.name)
}

// Containers は c の直下にあるディレクトリを返す。
func Containers(c Container) []Container {
	var out []Container
	for _, w := range c.Writables() {
		if w.Kind() != KindDirectory {
			continue
		}
		if sub, ok := w.(Container); ok {
			out = append(out, sub)
		}
	}
	return out
}

// Archives は c の直下にあるアーカイブを返す。
func Archives(c Container) []Container {
	var out []Container
	for _, w := range c.Writables() {
		if w.Kind() != KindArchive {
			continue
		}
		if sub, ok := w.(Container); ok {
			out = append(out, sub)
		}
	}
	return out
}

// FileNamed は c の直下にある name という名前のファイルを返す。
func FileNamed(c Container, name string) (FileWritable, bool) {
	for _, w := range c.Writables() {
		if w.Kind() != KindFile || w.Name() != name {
			continue
		}
		f, ok := w.(FileWritable)
		return f, ok
	}
	return nil, false
}

// One は単一の要素を WritableFunction の戻り値に変換する。
func One(w Writable) ([]Writable, error) {
	return []Writable{w}, nil
}
