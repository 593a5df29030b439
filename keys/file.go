// Package keys provides the VAPID signers used to authenticate push
// messages, backed by a PEM file or by Cloud KMS.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
)

// FileSigner signs with a P-256 private key held in memory.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

func newFileSigner(priv *ecdsa.PrivateKey) (*FileSigner, error) {
	if priv.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}
	pub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	return &FileSigner{privateKey: priv, publicKey: pub.Bytes()}, nil
}

// NewFileSigner loads a VAPID key from a PEM file.
func NewFileSigner(privateKeyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	return ParsePEM(data)
}

// ParsePEM parses an "EC PRIVATE KEY" PEM block.
func ParsePEM(data []byte) (*FileSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	privKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	return newFileSigner(privKey)
}

// NewFileSignerFromBase64 creates a FileSigner from the base64url-encoded
// 32-byte private scalar, the format web-push tooling prints.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	d, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(d) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(d))
	}

	privKey := new(ecdsa.PrivateKey)
	privKey.Curve = elliptic.P256()
	privKey.D = new(big.Int).SetBytes(d)
	privKey.X, privKey.Y = privKey.Curve.ScalarBaseMult(d)
	return newFileSigner(privKey)
}

// Sign signs the digest with ECDSA and returns the signature in IEEE P1363
// format (r || s, 32 bytes each).
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *FileSigner) PublicKeyBase64() string {
	return ApplicationServerKey(s.publicKey)
}

// GenerateKey generates a new P-256 key and writes it to path as PEM. An
// existing file is never overwritten.
func GenerateKey(path string) (*FileSigner, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	return newFileSigner(privKey)
}

// LoadOrGenerate loads the key at path, generating it first when the file
// does not exist.
func LoadOrGenerate(path string) (signer *FileSigner, generated bool, err error) {
	signer, err = NewFileSigner(path)
	if err == nil {
		return signer, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	signer, err = GenerateKey(path)
	if err != nil {
		return nil, false, err
	}
	return signer, true, nil
}
