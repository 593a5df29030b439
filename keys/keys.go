package keys

import (
	"context"
	"encoding/base64"
	"io"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/offlinefirst/webpush"
)

// ApplicationServerKey returns the VAPID public key formatted for
// PushManager.subscribe().
func ApplicationServerKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application
// server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(key)
}

// Source selects where the VAPID key lives.
type Source struct {
	// KMSKey is a KMS key version name. It takes precedence over Path.
	KMSKey string
	// Path is a PEM file, generated on first use.
	Path string
}

// Load returns the signer for src. The returned closer releases the
// signer's resources.
func Load(ctx context.Context, src Source) (webpush.Signer, io.Closer, error) {
	if src.KMSKey != "" {
		s, err := NewKMSSigner(ctx, src.KMSKey)
		if err != nil {
			return nil, nil, err
		}
		clog.FromContext(ctx).Infof("using KMS VAPID key %s", src.KMSKey)
		return s, s, nil
	}

	s, generated, err := LoadOrGenerate(src.Path)
	if err != nil {
		return nil, nil, err
	}
	if generated {
		clog.FromContext(ctx).Infof("generated VAPID key at %s", src.Path)
	}
	return s, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
