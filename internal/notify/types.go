package notify

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	WebhookURL      string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

// Notification is one operator-facing message. Priority steers the level
// label on the wire: >=9 critical, >=7 warning, >=5 info, below that note.
type Notification struct {
	Priority int
	Title    string
	Text     string
	Meta     map[string]string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// DeliveryEvent is emitted on the event bus for pipeline lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	Key      string    `json:"key"`
	Title    string    `json:"title"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

func levelForPriority(p int) string {
	switch {
	case p >= 9:
		return "critical"
	case p >= 7:
		return "warning"
	case p >= 5:
		return "info"
	default:
		return "note"
	}
}
