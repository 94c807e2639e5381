package signing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/signing/signingtest"
	"exposure-distribution-service/internal/structure"
)

func TestLocalSigner_RoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := []byte("export payload")

	for name, pair := range map[string]signingtest.KeyPair{
		"ed25519": signingtest.NewEd25519(t),
		"ecdsa":   signingtest.NewECDSA(t),
	} {
		t.Run(name, func(t *testing.T) {
			signer := pair.Signer(t)
			sig, err := signer.Sign(ctx, payload)
			require.NoError(t, err)

			assert.NoError(t, signing.Verify(signer.CertificateChain(), payload, sig))

			other := signingtest.NewECDSA(t).Signer(t)
			err = signing.Verify(other.CertificateChain(), payload, sig)
			assert.Error(t, err)

			err = signing.Verify(signer.CertificateChain(), []byte("tampered"), sig)
			assert.ErrorIs(t, err, domain.ErrSigningFailed)
		})
	}
}

func TestNewLocalSigner_MismatchedCertificate(t *testing.T) {
	a := signingtest.NewEd25519(t)
	b := signingtest.NewEd25519(t)

	_, err := signing.NewLocalSigner(a.KeyPEM, b.CertPEM)
	assert.ErrorIs(t, err, domain.ErrInvalidSigningKey)

	_, err = signing.NewLocalSigner([]byte("garbage"), a.CertPEM)
	assert.ErrorIs(t, err, domain.ErrInvalidSigningKey)
}

func testExport() *export.Export {
	start := time.Date(2020, 7, 7, 4, 0, 0, 0, time.UTC)
	keys := []export.Key{{KeyData: make([]byte, 16), TransmissionRiskLevel: 3, RollingStartIntervalNumber: 2656800, RollingPeriod: 144}}
	return export.Batch(keys, export.Header{Start: start, End: start.Add(time.Hour), Region: "DE"}, export.DefaultSizeLimit)[0]
}

func TestArchiveSigningDecorator_AddsSignatureList(t *testing.T) {
	ctx := context.Background()
	signer := signingtest.NewEd25519(t).Signer(t)
	info := export.SignatureInfo{VerificationKeyID: "262", VerificationKeyVersion: "v1", SignatureAlgorithm: signer.Algorithm()}

	archive := structure.NewArchive("index")
	file := export.NewFile(testExport())
	require.NoError(t, archive.AddWritable(file))
	signed := signing.NewArchiveSigningDecorator(archive, file, signer, info)

	root := structure.NewDirectory("out")
	require.NoError(t, root.AddWritable(signed))
	require.NoError(t, root.Prepare(ctx, structure.NewIndices()))

	sigFile, ok := structure.FileNamed(archive, signing.SignatureFileName)
	require.True(t, ok)
	list, err := export.UnmarshalTEKSignatureList(sigFile.Bytes())
	require.NoError(t, err)
	require.Len(t, list.Signatures, 1)
	assert.Equal(t, info, list.Signatures[0].SignatureInfo)
	assert.Equal(t, int32(1), list.Signatures[0].BatchNum)
	assert.Equal(t, int32(1), list.Signatures[0].BatchSize)
	assert.NoError(t, signing.Verify(signer.CertificateChain(), file.Bytes(), list.Signatures[0].Signature))

	sink := structure.NewMemorySink()
	require.NoError(t, root.Write(ctx, sink))
	assert.Equal(t, []string{"out/index", "out/index.checksum"}, sink.Files())
}

type failingSigner struct{ signing.Signer }

func (failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func TestArchiveSigningDecorator_SigningFailureIsFatal(t *testing.T) {
	archive := structure.NewArchive("index")
	file := export.NewFile(testExport())
	require.NoError(t, archive.AddWritable(file))
	signed := signing.NewArchiveSigningDecorator(archive, file, failingSigner{}, export.SignatureInfo{})

	err := signed.Prepare(context.Background(), structure.NewIndices())
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestFileSigningDecorator_WrapsPayload(t *testing.T) {
	signer := signingtest.NewECDSA(t).Signer(t)
	file := structure.NewFile("index", []byte("configuration"))
	signed := signing.NewFileSigningDecorator(file, signer)

	require.NoError(t, signed.Prepare(context.Background(), structure.NewIndices()))

	envelope, err := export.UnmarshalSignedPayload(signed.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("configuration"), envelope.Payload)
	assert.Equal(t, signer.CertificateChain(), envelope.CertificateChain)
	assert.NoError(t, signing.Verify(envelope.CertificateChain, envelope.Payload, envelope.Signature))
}
