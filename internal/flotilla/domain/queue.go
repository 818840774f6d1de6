package domain

import (
	"time"
)

// QueueEntry is one delivery of a job from the queue log. StreamOffset
// identifies the current appearance of the entry; reclaimed entries are
// re-appended and get a new offset.
type QueueEntry struct {
	StreamOffset string
	JobId        string
	Kind         string
	Payload      []byte
	// Number of deliveries including this one; rises with each reclaim
	DeliveryCount int
	// Consumer the entry is delivered to, empty when unclaimed
	ConsumerId     string
	FirstClaimedAt time.Time
}

// DeadLetterEntry is a queue entry routed to the dead-letter stream after
// exceeding its retry budget.
type DeadLetterEntry struct {
	QueueEntry
	LastError    string
	TotalRetries int
}
