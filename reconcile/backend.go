package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/imjasonh/offlinefirst/offline"
)

// AttemptPath is the backend endpoint recording task attempts.
const AttemptPath = "/api/attempt"

// attempt is the body posted to AttemptPath.
type attempt struct {
	TaskID       string    `json:"taskId"`
	Completed    bool      `json:"completed"`
	CompletedAt  time.Time `json:"completedAt"`
	StudyMinutes int       `json:"studyMinutes"`
}

// HTTPBackend posts completions to the backend API.
type HTTPBackend struct {
	client   *http.Client
	endpoint string
}

// NewHTTPBackend creates a backend rooted at origin.
func NewHTTPBackend(origin *url.URL) *HTTPBackend {
	return &HTTPBackend{
		client:   http.DefaultClient,
		endpoint: origin.ResolveReference(&url.URL{Path: AttemptPath}).String(),
	}
}

// WithHTTPClient sets a custom HTTP client.
func (b *HTTPBackend) WithHTTPClient(c *http.Client) *HTTPBackend {
	b.client = c
	return b
}

// IdempotencyKey identifies one completion of one task, so a redelivery
// after a lost acknowledgment is recognized by the backend.
func IdempotencyKey(t offline.Task) string {
	name := t.ID
	if t.CompletedAt != nil {
		name += "@" + t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(AttemptPath+"/"+name)).String()
}

// RecordCompletion posts the completion. 409 Conflict means the backend
// already has it and counts as success.
func (b *HTTPBackend) RecordCompletion(ctx context.Context, t offline.Task) error {
	a := attempt{
		TaskID:       t.ID,
		Completed:    true,
		StudyMinutes: offline.StudyMinutesPerTask,
	}
	if t.CompletedAt != nil {
		a.CompletedAt = *t.CompletedAt
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling attempt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(t))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}
