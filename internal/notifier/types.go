package notifier

import (
	"context"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled bool
	// RatePerMin caps delivered messages per minute.
	RatePerMin    int
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages sent within the window.
	DedupWindow time.Duration
	// Events lists the event types that produce a notification.
	Events []string
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
