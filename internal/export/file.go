package export

import (
	"context"

	"exposure-distribution-service/internal/structure"
)

// ExportFileName はアーカイブ内のエクスポートファイル名。
const ExportFileName = "export.bin"

// File はエクスポート1件を Prepare 時にエンコードするファイル要素。
type File struct {
	*structure.File
	export *Export
}

// NewFile は新しいFileを生成する。
func NewFile(e *Export) *File {
	return &File{File: structure.NewFile(ExportFileName, nil), export: e}
}

// Prepare はヘッダ付きのエクスポートをエンコードする。
func (f *File) Prepare(ctx context.Context, indices structure.Indices) error {
	f.SetBytes(f.export.MarshalFile())
	return f.File.Prepare(ctx, indices)
}

// BatchNum はバッチ番号を返す。
func (f *File) BatchNum() int32 { return f.export.BatchNum }

// BatchSize はバッチ総数を返す。
func (f *File) BatchSize() int32 { return f.export.BatchSize }

// Export は元のエクスポートを返す。
func (f *File) Export() *Export { return f.export }
