// Package bus implements the deterministic in-memory coordination message
// bus: typed envelope validation, an idempotency guard on message id,
// per-agent ordered delivery, dead-letter retention for invalid or
// conflicting messages, and optimistic-locking context patches.
package bus

import (
	"encoding/json"

	"coordinator/pkg/proto"
)

// SequencedEnvelope is a message stamped with its bus-wide sequence number.
type SequencedEnvelope struct {
	Sequence uint64                     `json:"sequence"`
	Envelope proto.CoordinationEnvelope `json:"envelope"`
}

// Clone returns a deep copy so inbox snapshots never alias bus state.
func (s SequencedEnvelope) Clone() SequencedEnvelope {
	return SequencedEnvelope{Sequence: s.Sequence, Envelope: s.Envelope.Clone()}
}

// DeadLetter is a rejected or evicted envelope retained for audit.
type DeadLetter struct {
	Envelope proto.CoordinationEnvelope `json:"envelope"`
	Reason   string                     `json:"reason"`
}

// Clone returns a deep copy of the dead letter.
func (d DeadLetter) Clone() DeadLetter {
	return DeadLetter{Envelope: d.Envelope.Clone(), Reason: d.Reason}
}

// SharedContextEntry is a versioned record written through a ContextPatch.
type SharedContextEntry struct {
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	Version       uint64          `json:"version"`
	UpdatedBy     string          `json:"updated_by"`
	LastMessageID string          `json:"last_message_id"`
}

// Clone returns a deep copy, including the raw JSON value buffer.
func (e SharedContextEntry) Clone() SharedContextEntry {
	clone := e
	if e.Value != nil {
		clone.Value = make(json.RawMessage, len(e.Value))
		copy(clone.Value, e.Value)
	}
	return clone
}

// ContextItem pairs a context key with its entry for ordered snapshots.
type ContextItem struct {
	Key   string
	Entry SharedContextEntry
}

// PublishReceipt reports the outcome of a successful publish.
type PublishReceipt struct {
	Sequence    uint64 `json:"sequence"`
	DeliveredTo int    `json:"delivered_to"`
}

// Limits bound the bus retention policies. Zero values are raised to 1 at
// construction so every structure keeps at least one entry.
type Limits struct {
	MaxInboxMessagesPerAgent int `json:"max_inbox_messages_per_agent"`
	MaxDeadLetters           int `json:"max_dead_letters"`
	MaxContextEntries        int `json:"max_context_entries"`
	MaxSeenMessageIDs        int `json:"max_seen_message_ids"`
}

// DefaultLimits returns the standard retention bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxInboxMessagesPerAgent: 256,
		MaxDeadLetters:           256,
		MaxContextEntries:        512,
		MaxSeenMessageIDs:        4096,
	}
}

func (l Limits) normalized() Limits {
	if l.MaxInboxMessagesPerAgent < 1 {
		l.MaxInboxMessagesPerAgent = 1
	}
	if l.MaxDeadLetters < 1 {
		l.MaxDeadLetters = 1
	}
	if l.MaxContextEntries < 1 {
		l.MaxContextEntries = 1
	}
	if l.MaxSeenMessageIDs < 1 {
		l.MaxSeenMessageIDs = 1
	}
	return l
}

// Stats are monotone runtime counters for operational visibility. They only
// ever increase; current occupancy comes from the count accessors instead.
type Stats struct {
	// PublishAttemptsTotal counts publish calls that passed envelope validation.
	PublishAttemptsTotal uint64 `json:"publish_attempts_total"`
	// DeliveriesTotal counts successful deliveries (fan-out count for broadcast).
	DeliveriesTotal uint64 `json:"deliveries_total"`
	// InboxOverflowEvictionsTotal counts inbox messages evicted at capacity.
	InboxOverflowEvictionsTotal uint64 `json:"inbox_overflow_evictions_total"`
	// DeadLettersTotal counts dead-letter entries ever recorded.
	DeadLettersTotal uint64 `json:"dead_letters_total"`
	// DeadLetterEvictionsTotal counts dead letters evicted at capacity.
	DeadLetterEvictionsTotal uint64 `json:"dead_letter_evictions_total"`
	// ContextEvictionsTotal counts shared-context entries evicted at capacity.
	ContextEvictionsTotal uint64 `json:"context_evictions_total"`
	// SeenMessageIDEvictionsTotal counts idempotency ids evicted from the
	// dedupe window.
	SeenMessageIDEvictionsTotal uint64 `json:"seen_message_id_evictions_total"`
}
