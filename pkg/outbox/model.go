package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	LeaseUntil    *time.Time
	RetryCount    int
	LastError     *string
}

// Message is what application code hands to a Publisher.
type Message struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       any
	// PartitionKey overrides AggregateID as the Kafka key, so events about
	// different aggregates of one order stay ordered.
	PartitionKey string
}
