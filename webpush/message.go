package webpush

import "time"

// Message is the JSON payload pushed to clients and rendered as a
// notification.
type Message struct {
	Title string       `json:"title,omitempty"`
	Body  string       `json:"body,omitempty"`
	Icon  string       `json:"icon,omitempty"`
	Badge string       `json:"badge,omitempty"`
	Image string       `json:"image,omitempty"`
	Tag   string       `json:"tag,omitempty"`
	Data  *MessageData `json:"data,omitempty"`
}

// MessageData travels with the notification and drives click routing.
type MessageData struct {
	// URL is opened or focused when the notification is clicked.
	URL string `json:"url,omitempty"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewMessageData stamps url with t.
func NewMessageData(url string, t time.Time) *MessageData {
	return &MessageData{URL: url, Timestamp: t.UnixMilli()}
}
