package infra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"hash/crc32"
	"os"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/signing"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

type asymmetricSignFunc func(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error)

// KMSSigner はCloud KMSの非対称鍵(EC_SIGN_P256_SHA256)で署名する。
// 証明書はKMSの外で管理し、ファイルから読み込む。
type KMSSigner struct {
	client  *kms.KeyManagementClient
	sign    asymmetricSignFunc
	keyName string
	cert    *x509.Certificate
}

// NewKMSSigner はKMSクライアントを生成し、keyName の鍵版で署名する KMSSigner を返す。
func NewKMSSigner(ctx context.Context, keyName, certPath string) (*KMSSigner, error) {
	if keyName == "" {
		return nil, fmt.Errorf("%w: KMS_KEY_NAME is required", domain.ErrInvalidSigningKey)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading certificate: %v", domain.ErrInvalidSigningKey, err)
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	s, err := newKMSSigner(keyName, certPEM, func(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
		return client.AsymmetricSign(ctx, req)
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

func newKMSSigner(keyName string, certPEM []byte, sign asymmetricSignFunc) (*KMSSigner, error) {
	cert, err := signing.ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: KMS signing requires an ECDSA P-256 certificate", domain.ErrInvalidSigningKey)
	}
	return &KMSSigner{sign: sign, keyName: keyName, cert: cert}, nil
}

// Sign はペイロードのSHA-256ダイジェストをKMSで署名する。署名はASN.1 DER形式。
func (s *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	req := &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest[:]},
		},
		DigestCrc32C: wrapperspb.Int64(int64(crc32.Checksum(digest[:], crc32c))),
	}
	resp, err := s.sign(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: asymmetric sign: %v", domain.ErrSigningFailed, err)
	}
	if !resp.GetVerifiedDigestCrc32C() {
		return nil, fmt.Errorf("%w: digest corrupted in transit", domain.ErrSigningFailed)
	}
	if resp.GetName() != s.keyName {
		return nil, fmt.Errorf("%w: response for unexpected key %s", domain.ErrSigningFailed, resp.GetName())
	}
	if int64(crc32.Checksum(resp.GetSignature(), crc32c)) != resp.GetSignatureCrc32C().GetValue() {
		return nil, fmt.Errorf("%w: signature corrupted in transit", domain.ErrSigningFailed)
	}
	return resp.GetSignature(), nil
}

func (s *KMSSigner) CertificateChain() []byte { return s.cert.Raw }

func (s *KMSSigner) Algorithm() string { return signing.AlgorithmECDSAP256SHA256 }

// Close はKMSクライアントを閉じる。
func (s *KMSSigner) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
