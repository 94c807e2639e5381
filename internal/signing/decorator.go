package signing

import (
	"context"
	"fmt"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/structure"
)

// SignatureFileName はアーカイブ内の署名ファイル名。
const SignatureFileName = "export.sig"

// BatchedFile は署名対象のバイト列とバッチ位置を持つファイル。
type BatchedFile interface {
	structure.FileWritable
	BatchNum() int32
	BatchSize() int32
}

// ArchiveSigningDecorator はアーカイブの準備後に対象ファイルへ署名し、export.sig を追加する。
type ArchiveSigningDecorator struct {
	structure.ContainerDecorator
	file   BatchedFile
	signer Signer
	info   export.SignatureInfo
}

// NewArchiveSigningDecorator は新しいArchiveSigningDecoratorを生成する。
// file は archive に格納済みの署名対象ファイル。
func NewArchiveSigningDecorator(archive structure.Container, file BatchedFile, signer Signer, info export.SignatureInfo) *ArchiveSigningDecorator {
	return &ArchiveSigningDecorator{
		ContainerDecorator: structure.ContainerDecorator{Container: archive},
		file:               file,
		signer:             signer,
		info:               info,
	}
}

// Prepare はアーカイブを準備した後、署名リストを追加する。
func (d *ArchiveSigningDecorator) Prepare(ctx context.Context, indices structure.Indices) error {
	if err := d.Container.Prepare(ctx, indices); err != nil {
		return err
	}

	signature, err := d.signer.Sign(ctx, d.file.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrSigningFailed, d.Path(), err)
	}
	list := export.TEKSignatureList{Signatures: []export.TEKSignature{{
		SignatureInfo: d.info,
		BatchNum:      d.file.BatchNum(),
		BatchSize:     d.file.BatchSize(),
		Signature:     signature,
	}}}

	sig := structure.NewFile(SignatureFileName, list.Marshal())
	if err := d.AddWritable(sig); err != nil {
		return err
	}
	return sig.Prepare(ctx, indices)
}

// MutableFile は内容を置き換え可能なファイル。
type MutableFile interface {
	structure.FileWritable
	SetBytes(b []byte)
}

// FileSigningDecorator はファイルの準備後に内容を SignedPayload で包む。
type FileSigningDecorator struct {
	MutableFile
	signer Signer
}

// NewFileSigningDecorator は新しいFileSigningDecoratorを生成する。
func NewFileSigningDecorator(file MutableFile, signer Signer) *FileSigningDecorator {
	return &FileSigningDecorator{MutableFile: file, signer: signer}
}

// Prepare はファイルを準備した後、内容を署名付き封筒に置き換える。
func (d *FileSigningDecorator) Prepare(ctx context.Context, indices structure.Indices) error {
	if err := d.MutableFile.Prepare(ctx, indices); err != nil {
		return err
	}

	payload := d.Bytes()
	signature, err := d.signer.Sign(ctx, payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrSigningFailed, d.Path(), err)
	}
	envelope := export.SignedPayload{
		CertificateChain: d.signer.CertificateChain(),
		Signature:        signature,
		Payload:          payload,
	}
	d.SetBytes(envelope.Marshal())
	return nil
}
