package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// headerLen is salt (16) || rs (4) || idlen (1) || keyid (65).
const headerLen = 86

// encrypt encrypts the payload as a single aes128gcm record (RFC 8291).
func encrypt(sub *Subscription, plaintext []byte) ([]byte, error) {
	p256dh, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh)
	if err != nil {
		return nil, fmt.Errorf("decoding p256dh: %w", err)
	}
	auth, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth)
	if err != nil {
		return nil, fmt.Errorf("decoding auth: %w", err)
	}

	clientPub, err := ecdh.P256().NewPublicKey(p256dh)
	if err != nil {
		return nil, fmt.Errorf("parsing client public key: %w", err)
	}

	// Ephemeral key pair, one per message.
	serverPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}
	serverPub := serverPriv.PublicKey().Bytes()

	shared, err := serverPriv.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	// IKM = HKDF(auth_secret, ecdh_secret, "WebPush: info" || ua_public || as_public)
	info := append([]byte("WebPush: info\x00"), clientPub.Bytes()...)
	info = append(info, serverPub...)
	ikm, err := derive(shared, auth, info, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving IKM: %w", err)
	}

	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, fmt.Errorf("deriving nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// 0x02 delimits the last (only) record.
	padded := make([]byte, 0, len(plaintext)+1)
	padded = append(padded, plaintext...)
	padded = append(padded, 0x02)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	out := make([]byte, 0, headerLen+len(ciphertext))
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ciphertext)+headerLen))
	out = append(out, byte(len(serverPub)))
	out = append(out, serverPub...)
	return append(out, ciphertext...), nil
}

func derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}
