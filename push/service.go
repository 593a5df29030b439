// Package push is the backend side of the push boundary: it stores push
// channel registrations and fans notifications out to them.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/offlinefirst/storage"
	"github.com/imjasonh/offlinefirst/webpush"
)

var (
	// ErrNoSubscriptions is returned by Send when the user has no channels.
	ErrNoSubscriptions = errors.New("no active subscriptions")
	// ErrInvalidSubscription is returned by Subscribe for unusable channels.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// DefaultConcurrency bounds concurrent deliveries in Send.
const DefaultConcurrency = 8

// Sender delivers an encrypted message to one channel.
type Sender interface {
	Send(ctx context.Context, sub *webpush.Subscription, payload []byte, opts *webpush.Options) error
	PublicKey() []byte
}

// Notification is what Send delivers.
type Notification struct {
	UserID string `json:"userId,omitempty"`
	Title  string `json:"title" validate:"required"`
	Body   string `json:"body" validate:"required"`
	Icon   string `json:"icon,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Result is the outcome for one channel.
type Result struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	// Removed reports that the channel had expired and was deleted.
	Removed bool `json:"removed,omitempty"`
}

// Tally summarizes a Send.
type Tally struct {
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// Options configures a Service.
type Options struct {
	Store  storage.Storage
	Sender Sender
	// Concurrency bounds concurrent deliveries. Zero selects
	// DefaultConcurrency.
	Concurrency int
	Now         func() time.Time
}

// Service registers channels and sends to them.
type Service struct {
	store       storage.Storage
	sender      Sender
	concurrency int
	now         func() time.Time
}

// NewService creates a service.
func NewService(opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       opts.Store,
		sender:      opts.Sender,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
}

// PublicKey returns the VAPID public key clients subscribe with.
func (s *Service) PublicKey() []byte {
	return s.sender.PublicKey()
}

// Subscribe stores or updates the channel keyed by its endpoint.
func (s *Service) Subscribe(ctx context.Context, sub webpush.Subscription, userID, userAgent string) (*storage.Record, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	_, err := s.store.GetByEndpoint(ctx, sub.Endpoint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("looking up subscription: %w", err)
	}
	existed := err == nil

	rec := &storage.Record{
		Endpoint:  sub.Endpoint,
		Keys:      sub.Keys,
		UserID:    userID,
		UserAgent: userAgent,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving subscription: %w", err)
	}
	if existed {
		clog.FromContext(ctx).Infof("refreshed subscription %s (user %q)", rec.ID, userID)
	} else {
		clog.FromContext(ctx).Infof("subscribed %s (user %q)", rec.ID, userID)
	}
	return rec, nil
}

// DefaultPageSize is the page size of Subscriptions when none is given.
const DefaultPageSize = 50

// Subscriptions lists stored channels, newest first.
func (s *Service) Subscriptions(ctx context.Context, limit, offset int) ([]*storage.Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	records, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return records, nil
}

// Subscription returns the channel with the given ID, or an error wrapping
// storage.ErrNotFound.
func (s *Service) Subscription(ctx context.Context, id string) (*storage.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting subscription %s: %w", id, err)
	}
	return rec, nil
}

// Unsubscribe deletes the channel. Unknown endpoints are not an error.
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) error {
	err := s.store.DeleteByEndpoint(ctx, endpoint)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	clog.FromContext(ctx).Infof("unsubscribed %s", endpoint)
	return nil
}

// Send delivers n to every channel of n.UserID. Channels the push service
// reports as gone are deleted.
func (s *Service) Send(ctx context.Context, n Notification) (*Tally, error) {
	records, err := s.store.GetByUserID(ctx, n.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoSubscriptions
	}

	msg := webpush.Message{
		Title: n.Title,
		Body:  n.Body,
		Icon:  n.Icon,
		Badge: "/icon-192.svg",
		Data:  webpush.NewMessageData(n.URL, s.now()),
	}
	if msg.Icon == "" {
		msg.Icon = "/icon-192.svg"
	}
	if msg.Data.URL == "" {
		msg.Data.URL = "/dashboard"
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}

	log := clog.FromContext(ctx)
	tally := &Tally{Results: make([]Result, len(records))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rec := range records {
		g.Go(func() error {
			res := Result{Endpoint: rec.Endpoint, Success: true}
			if err := s.sender.Send(gctx, rec.Subscription(), payload, &webpush.Options{Urgency: webpush.UrgencyNormal}); err != nil {
				log.Warnf("sending to %s: %v", rec.ID, err)
				res.Success = false
				res.Error = err.Error()
				if webpush.IsGone(err) {
					if err := s.store.DeleteByEndpoint(gctx, rec.Endpoint); err != nil && !errors.Is(err, storage.ErrNotFound) {
						log.Warnf("deleting expired subscription %s: %v", rec.ID, err)
					} else {
						res.Removed = true
					}
				}
			}

			mu.Lock()
			defer mu.Unlock()
			tally.Results[i] = res
			if res.Success {
				tally.Sent++
			} else {
				tally.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Infof("push sent: %d successful, %d failed", tally.Sent, tally.Failed)
	return tally, nil
}
