package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func verify(t *testing.T, publicKey, digest, sig []byte) bool {
	t.Helper()
	x, y := elliptic.Unmarshal(elliptic.P256(), publicKey) //nolint:staticcheck
	if x == nil {
		t.Fatal("invalid public key")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}

func TestNewFileSigner(t *testing.T) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test.pem")
	privKeyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: privKeyBytes}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	signer, err := NewFileSigner(keyPath)
	if err != nil {
		t.Fatalf("NewFileSigner() error = %v", err)
	}

	// Uncompressed P-256
	if len(signer.PublicKey()) != 65 || signer.PublicKey()[0] != 0x04 {
		t.Errorf("PublicKey() length = %d, want 65 starting with 0x04", len(signer.PublicKey()))
	}

	digest := sha256.Sum256([]byte("test data"))
	sig, err := signer.Sign(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("Sign() signature length = %d, want 64", len(sig))
	}
	if !verify(t, signer.PublicKey(), digest[:], sig) {
		t.Error("signature does not verify")
	}
}

func TestNewFileSignerFromBase64(t *testing.T) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	d := make([]byte, 32)
	privKey.D.FillBytes(d)

	signer, err := NewFileSignerFromBase64(base64.RawURLEncoding.EncodeToString(d))
	if err != nil {
		t.Fatalf("NewFileSignerFromBase64() error = %v", err)
	}

	want := elliptic.Marshal(elliptic.P256(), privKey.X, privKey.Y) //nolint:staticcheck
	if got := signer.PublicKey(); string(got) != string(want) {
		t.Errorf("PublicKey() = %x, want %x", got, want)
	}

	if _, err := NewFileSignerFromBase64(base64.RawURLEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("NewFileSignerFromBase64(short) expected error")
	}
	if _, err := NewFileSignerFromBase64("!!!"); err == nil {
		t.Error("NewFileSignerFromBase64(garbage) expected error")
	}
}

func TestNewFileSigner_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewFileSigner(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("NewFileSigner(missing) expected error")
	}

	notPEM := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(notPEM, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSigner(notPEM); err == nil {
		t.Error("NewFileSigner(not PEM) expected error")
	}

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(p384)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePEM(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})); err == nil {
		t.Error("ParsePEM(P-384) expected error")
	}
}

func TestGenerateKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vapid.pem")

	signer, err := GenerateKey(keyPath)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	loaded, err := NewFileSigner(keyPath)
	if err != nil {
		t.Fatalf("NewFileSigner() error = %v", err)
	}
	if loaded.PublicKeyBase64() != signer.PublicKeyBase64() {
		t.Error("reloaded key differs from generated key")
	}

	if _, err := GenerateKey(keyPath); err == nil {
		t.Error("GenerateKey() overwrote an existing key")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vapid.pem")

	first, generated, err := LoadOrGenerate(keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}
	if !generated {
		t.Error("LoadOrGenerate() generated = false for missing file")
	}

	second, generated, err := LoadOrGenerate(keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}
	if generated {
		t.Error("LoadOrGenerate() generated = true for existing file")
	}
	if first.PublicKeyBase64() != second.PublicKeyBase64() {
		t.Error("LoadOrGenerate() returned a different key")
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrGenerate(bad); err == nil {
		t.Error("LoadOrGenerate() replaced an unreadable key")
	}
}

func TestApplicationServerKey(t *testing.T) {
	signer, err := GenerateKey(filepath.Join(t.TempDir(), "k.pem"))
	if err != nil {
		t.Fatal(err)
	}

	key := ApplicationServerKey(signer.PublicKey())
	if len(key) != 87 {
		t.Errorf("ApplicationServerKey() length = %d, want 87", len(key))
	}
	decoded, err := DecodeApplicationServerKey(key)
	if err != nil {
		t.Fatalf("DecodeApplicationServerKey() error = %v", err)
	}
	if string(decoded) != string(signer.PublicKey()) {
		t.Error("round trip changed the key")
	}
}

func TestLoad_File(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vapid.pem")

	signer, closer, err := Load(context.Background(), Source{Path: keyPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer closer.Close()

	if _, ok := signer.(*FileSigner); !ok {
		t.Errorf("Load() = %T, want *FileSigner", signer)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Errorf("key not generated: %v", err)
	}
}
