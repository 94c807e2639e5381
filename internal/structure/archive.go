package structure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"
)

// zipModified はアーカイブ内エントリの固定更新日時。
// 同じ内容から常に同じバイト列を得るため、実時刻は使わない。
var zipModified = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Archive は子ファイルをzipにまとめた1ファイルとして書き出される要素。
// チェックサムファイル（<name>.checksum）を併せて書き出す。
type Archive struct {
	node
	children         []Writable
	names            map[string]struct{}
	bytesForChecksum []byte
}

// NewArchive は新しいArchiveを生成する。
func NewArchive(name string) *Archive {
	return &Archive{node: node{name: name}, names: make(map[string]struct{})}
}

func (a *Archive) Kind() Kind { return KindArchive }

// AddWritable はファイルを追加する。ファイル以外は ErrNotAFile を返す。
func (a *Archive) AddWritable(w Writable) error {
	if w.Kind() != KindFile {
		return fmt.Errorf("%w: %q is a %s", ErrNotAFile, w.Name(), w.Kind())
	}
	if _, ok := w.(FileWritable); !ok {
		return fmt.Errorf("%w: %q has no content", ErrNotAFile, w.Name())
	}
	if _, exists := a.names[w.Name()]; exists {
		return fmt.Errorf("%w: %q in archive %q", ErrDuplicateName, w.Name(), a.Path())
	}
	a.names[w.Name()] = struct{}{}
	a.children = append(a.children, w)
	w.SetParent(a)
	return nil
}

// Writables は格納されたファイルを追加順に返す。
func (a *Archive) Writables() []Writable {
	return a.children
}

// Prepare は格納されたファイルを準備し、チェックサム対象（先頭ファイル）を確定させる。
func (a *Archive) Prepare(ctx context.Context, indices Indices) error {
	for i := 0; i < len(a.children); i++ {
		if err := a.children[i].Prepare(ctx, indices); err != nil {
			return err
		}
	}
	if len(a.children) > 0 {
		a.bytesForChecksum = a.children[0].(FileWritable).Bytes()
	}
	a.prepared = true
	return nil
}

// Bytes は格納されたファイルをzipにまとめたバイト列を返す。
// 準備前は ErrNotPrepared を返す。Prepare 後に追加されたファイルも含める。
func (a *Archive) Bytes() ([]byte, error) {
	if !a.prepared {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, a.Path())
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, w := range a.children {
		hdr := &zip.FileHeader{
			Name:     w.Name(),
			Method:   zip.Deflate,
			Modified: zipModified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(w.(FileWritable).Bytes()); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write はzipとチェックサムファイルを書き出す。
func (a *Archive) Write(ctx context.Context, sink Sink) error {
	content, err := a.Bytes()
	if errors.Is(err, ErrNotPrepared) {
		return err
	}
	if err != nil {
		return fmt.Errorf("building archive %s: %w", a.Path(), err)
	}
	if err := sink.WriteFile(ctx, a.Path(), content); err != nil {
		return err
	}
	return sink.WriteFile(ctx, a.Path()+ChecksumSuffix, []byte(Checksum(a.bytesForChecksum)))
}
