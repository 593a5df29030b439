// Package webpush sends Web Push messages (RFC 8030) with aes128gcm payload
// encryption (RFC 8291) and VAPID authentication (RFC 8292).
package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is how long the push service retains an undelivered message.
const DefaultTTL = 4 * 7 * 24 * time.Hour

// Subscription is a push channel registered by a client.
type Subscription struct {
	Endpoint string `json:"endpoint" validate:"required,url,startswith=https://"`
	Keys     Keys   `json:"keys" validate:"required"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh" validate:"required"` // Client's ECDH public key
	Auth   string `json:"auth" validate:"required"`   // Client's authentication secret
}

// Urgency levels from RFC 8030 section 5.3.
const (
	UrgencyVeryLow = "very-low"
	UrgencyLow     = "low"
	UrgencyNormal  = "normal"
	UrgencyHigh    = "high"
)

// Options configures a single push message.
type Options struct {
	TTL     time.Duration // Zero selects DefaultTTL.
	Urgency string
	Topic   string // Replaces a pending message with the same topic.
}

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs the given digest and returns the raw r||s signature.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// StatusError is returned when the push service rejects a message.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the subscription no longer exists and should be
// forgotten.
func (e *StatusError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsGone reports whether err means the subscription has expired.
func IsGone(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Gone()
}

// Client sends web push notifications.
type Client struct {
	signer     Signer
	httpClient *http.Client
	subject    string // VAPID subject (mailto: or https: URL)
	now        func() time.Time
}

// NewClient creates a new web push client.
func NewClient(signer Signer, subject string) *Client {
	return &Client{
		signer:     signer,
		httpClient: http.DefaultClient,
		subject:    subject,
		now:        time.Now,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// PublicKey returns the application server key clients subscribe with.
func (c *Client) PublicKey() []byte {
	return c.signer.PublicKey()
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// A rejection by the push service is returned as a *StatusError.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte, opts *Options) error {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}

	encrypted, err := encrypt(sub, payload)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	vapidHeader, err := c.vapidHeader(ctx, sub.Endpoint)
	if err != nil {
		return fmt.Errorf("creating VAPID header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(encrypted))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", vapidHeader)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(int(o.TTL/time.Second)))

	if o.Urgency != "" {
		req.Header.Set("Urgency", o.Urgency)
	}
	if o.Topic != "" {
		req.Header.Set("Topic", o.Topic)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Validate checks that the subscription can be sent to.
func (s *Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	if s.Keys.P256dh == "" {
		return errors.New("subscription p256dh key is required")
	}
	if s.Keys.Auth == "" {
		return errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("subscription endpoint must use HTTPS")
	}
	return nil
}
