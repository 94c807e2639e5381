// Package signingtest はテスト用の使い捨て署名鍵を提供する。
package signingtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"exposure-distribution-service/internal/signing"
)

// KeyPair はPEM形式の秘密鍵と自己署名証明書。
type KeyPair struct {
	KeyPEM  []byte
	CertPEM []byte
}

// NewEd25519 はEd25519の鍵対を生成する。
func NewEd25519(t testing.TB) KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ed25519 key: %v", err)
	}
	return newKeyPair(t, pub, priv)
}

// NewECDSA はECDSA P-256の鍵対を生成する。
func NewECDSA(t testing.TB) KeyPair {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ecdsa key: %v", err)
	}
	return newKeyPair(t, &priv.PublicKey, priv)
}

// Signer は鍵対から LocalSigner を生成する。
func (k KeyPair) Signer(t testing.TB) *signing.LocalSigner {
	t.Helper()
	s, err := signing.NewLocalSigner(k.KeyPEM, k.CertPEM)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return s
}

func newKeyPair(t testing.TB, pub crypto.PublicKey, priv crypto.Signer) KeyPair {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "distribution-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	return KeyPair{
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}
