package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names the durable streams the bus exposes. Each is a distinct Redis/Valkey stream with its own consumer
// group, one per derivation and scan concern.
type Queue string

const (
	QueueScan       Queue = "scan"
	QueueThumbnail  Queue = "thumbnail"
	QueueCache      Queue = "cache"
	QueueCreation   Queue = "creation"
	QueueBulk       Queue = "bulk"
	QueueProcessing Queue = "processing"

	// queueDLQ receives envelopes nack-dropped from any of the above queues, playing the role of a dead-letter
	// exchange Redis streams do not provide natively.
	queueDLQ Queue = "dlq"
)

// allQueues lists every queue Setup must idempotently declare, including the DLQ.
var allQueues = []Queue{QueueScan, QueueThumbnail, QueueCache, QueueCreation, QueueBulk, QueueProcessing, queueDLQ}

// Envelope is the wire struct published to every queue: a message id, a correlation id back to the owning
// BackgroundJob, a timestamp, a kind discriminating the payload shape, and the opaque payload itself.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// DeadLetter is the shape appended to the dlq queue: the original envelope plus why it was dropped.
type DeadLetter struct {
	Envelope Envelope `json:"envelope"`
	Queue    Queue    `json:"queue"`
	Reason   string   `json:"reason"`
}

// Decision is the outcome a handler returns for a delivered Envelope.
type Decision int

const (
	// Ack acknowledges successful processing.
	Ack Decision = iota
	// NackRequeue leaves the message unacknowledged so XAUTOCLAIM reclaims it for another attempt.
	NackRequeue
	// NackDrop acknowledges the message but appends it to the dlq queue first.
	NackDrop
)

// Handler processes one Envelope and returns the delivery decision.
type Handler func(ctx context.Context, env Envelope) (Decision, error)
