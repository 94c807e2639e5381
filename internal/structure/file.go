package structure

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// ChecksumSuffix はチェックサムファイルの拡張子。
const ChecksumSuffix = ".checksum"

// File はバイト列を保持する葉要素。
type File struct {
	node
	bytes []byte
}

// NewFile は新しいFileを生成する。
func NewFile(name string, bytes []byte) *File {
	return &File{node: node{name: name}, bytes: bytes}
}

func (f *File) Kind() Kind { return KindFile }

// Bytes は内容を返す。
func (f *File) Bytes() []byte { return f.bytes }

// SetBytes は内容を置き換える。
func (f *File) SetBytes(b []byte) { f.bytes = b }

// Prepare は内容を確定させる。
func (f *File) Prepare(ctx context.Context, indices Indices) error {
	f.prepared = true
	return nil
}

// Write は内容を書き出す。
func (f *File) Write(ctx context.Context, sink Sink) error {
	if !f.prepared {
		return fmt.Errorf("%w: %s", ErrNotPrepared, f.Path())
	}
	return sink.WriteFile(ctx, f.Path(), f.bytes)
}

// Checksum は内容のMD5ダイジェストをさらにMD5した値を16進文字列で返す。
// 配信先クライアントの差分判定に使われる。
func Checksum(content []byte) string {
	first := md5.Sum(content)
	second := md5.Sum(first[:])
	return hex.EncodeToString(second[:])
}
