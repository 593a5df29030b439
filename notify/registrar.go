package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/imjasonh/offlinefirst/webpush"
)

// Backend paths of the push API.
const (
	SubscribePath   = "/api/push/subscribe"
	UnsubscribePath = "/api/push/unsubscribe"
	PublicKeyPath   = "/api/push/vapid-public-key"
)

// HTTPRegistrar talks to the push API.
type HTTPRegistrar struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPRegistrar creates a registrar for the API at origin.
func NewHTTPRegistrar(origin *url.URL) *HTTPRegistrar {
	return &HTTPRegistrar{client: http.DefaultClient, origin: origin}
}

// WithHTTPClient sets a custom HTTP client.
func (r *HTTPRegistrar) WithHTTPClient(c *http.Client) *HTTPRegistrar {
	r.client = c
	return r
}

func (r *HTTPRegistrar) url(path string) string {
	return r.origin.ResolveReference(&url.URL{Path: path}).String()
}

func (r *HTTPRegistrar) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.url(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// PublicKey fetches the application server key.
func (r *HTTPRegistrar) PublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := r.do(ctx, http.MethodGet, PublicKeyPath, nil, &out); err != nil {
		return "", err
	}
	if out.PublicKey == "" {
		return "", errors.New("empty public key")
	}
	return out.PublicKey, nil
}

// Register stores sub with the backend.
func (r *HTTPRegistrar) Register(ctx context.Context, sub *webpush.Subscription, userAgent string) error {
	return r.do(ctx, http.MethodPost, SubscribePath, struct {
		Endpoint  string       `json:"endpoint"`
		Keys      webpush.Keys `json:"keys"`
		UserAgent string       `json:"userAgent,omitempty"`
	}{sub.Endpoint, sub.Keys, userAgent}, nil)
}

// Unregister deletes the channel at endpoint.
func (r *HTTPRegistrar) Unregister(ctx context.Context, endpoint string) error {
	return r.do(ctx, http.MethodPost, UnsubscribePath, struct {
		Endpoint string `json:"endpoint"`
	}{endpoint}, nil)
}
