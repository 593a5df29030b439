package webpush

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// tokenLifetime stays under the 24h maximum of RFC 8292.
const tokenLifetime = 12 * time.Hour

// vapidHeader creates the VAPID Authorization header for endpoint.
func (c *Client) vapidHeader(ctx context.Context, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}

	header, err := json.Marshal(map[string]string{
		"typ": "JWT",
		"alg": "ES256",
	})
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	claims, err := json.Marshal(map[string]any{
		"aud": u.Scheme + "://" + u.Host,
		"exp": c.now().Add(tokenLifetime).Unix(),
		"sub": c.subject,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signingInput))

	signature, err := c.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}

	jwt := signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
	return "vapid t=" + jwt + ", k=" + base64.RawURLEncoding.EncodeToString(c.signer.PublicKey()), nil
}
