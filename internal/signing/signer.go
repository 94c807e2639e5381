// Package signing はペイロード署名と署名デコレータを提供する。
package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"exposure-distribution-service/internal/domain"
)

// 署名アルゴリズムのOID。
const (
	AlgorithmECDSAP256SHA256 = "1.2.840.10045.4.3.2"
	AlgorithmEd25519         = "1.3.101.112"
)

// Signer はペイロードに署名する。
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	// CertificateChain は検証用証明書のDERを返す。
	CertificateChain() []byte
	// Algorithm は署名アルゴリズムのOIDを返す。
	Algorithm() string
}

// LocalSigner はPEM形式の秘密鍵と証明書で署名する。
type LocalSigner struct {
	key       crypto.Signer
	cert      *x509.Certificate
	algorithm string
}

// LoadLocalSigner はファイルから秘密鍵と証明書を読み込む。
func LoadLocalSigner(keyPath, certPath string) (*LocalSigner, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key: %v", domain.ErrInvalidSigningKey, err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading certificate: %v", domain.ErrInvalidSigningKey, err)
	}
	return NewLocalSigner(keyPEM, certPEM)
}

// NewLocalSigner はPEMから LocalSigner を生成する。
// 秘密鍵はECDSA P-256またはEd25519で、証明書の公開鍵と対でなければならない。
func NewLocalSigner(keyPEM, certPEM []byte) (*LocalSigner, error) {
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	s := &LocalSigner{key: key, cert: cert}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: unsupported curve %s", domain.ErrInvalidSigningKey, k.Curve.Params().Name)
		}
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok || !pub.Equal(&k.PublicKey) {
			return nil, fmt.Errorf("%w: certificate does not match private key", domain.ErrInvalidSigningKey)
		}
		s.algorithm = AlgorithmECDSAP256SHA256
	case ed25519.PrivateKey:
		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok || !pub.Equal(k.Public()) {
			return nil, fmt.Errorf("%w: certificate does not match private key", domain.ErrInvalidSigningKey)
		}
		s.algorithm = AlgorithmEd25519
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", domain.ErrInvalidSigningKey, key)
	}
	return s, nil
}

// Sign はペイロードに署名する。ECDSAの署名はASN.1 DER形式。
func (s *LocalSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	switch s.algorithm {
	case AlgorithmEd25519:
		return s.key.Sign(nil, payload, crypto.Hash(0))
	default:
		digest := sha256.Sum256(payload)
		return s.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
}

func (s *LocalSigner) CertificateChain() []byte { return s.cert.Raw }

func (s *LocalSigner) Algorithm() string { return s.algorithm }

// Verify は証明書の公開鍵で署名を検証する。
func Verify(certDER, payload, signature []byte) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSigningKey, err)
	}
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return fmt.Errorf("%w: signature mismatch", domain.ErrSigningFailed)
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, payload, signature) {
			return fmt.Errorf("%w: signature mismatch", domain.ErrSigningFailed)
		}
	default:
		return fmt.Errorf("%w: unsupported public key %T", domain.ErrInvalidSigningKey, pub)
	}
	return nil
}

// ParseCertificate はPEM形式の証明書を解析する。
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate PEM block", domain.ErrInvalidSigningKey)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSigningKey, err)
	}
	return cert, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no private key PEM block", domain.ErrInvalidSigningKey)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", domain.ErrInvalidSigningKey, key)
		}
		return signer, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSigningKey, err)
	}
	return key, nil
}
