package proto

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// DeliveryScope selects how an envelope fans out: to one named agent or to
// every registered inbox.
type DeliveryScope string

const (
	ScopeDirect    DeliveryScope = "direct"
	ScopeBroadcast DeliveryScope = "broadcast"
)

// Validate checks that the scope is one of the known values.
func (s DeliveryScope) Validate() error {
	switch s {
	case ScopeDirect, ScopeBroadcast:
		return nil
	default:
		return &EmptyFieldError{Field: "scope"}
	}
}

// CoordinationEnvelope is the transport unit of the coordination bus.
// To is set only for direct messages; CorrelationID and CausationID are
// optional threading metadata.
type CoordinationEnvelope struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	CorrelationID  string              `json:"correlation_id,omitempty"`
	CausationID    string              `json:"causation_id,omitempty"`
	From           string              `json:"from"`
	To             string              `json:"to,omitempty"`
	Topic          string              `json:"topic"`
	Scope          DeliveryScope       `json:"scope"`
	Payload        CoordinationPayload `json:"payload"`

	// HasTo distinguishes "no target" from "empty target" for broadcast
	// validation: a broadcast that sets any target, even a blank one, is
	// rejected.
	HasTo bool `json:"-"`
}

// NewDirect constructs a direct envelope with a fresh UUID id.
func NewDirect(from, to, conversationID, topic string, payload CoordinationPayload) CoordinationEnvelope {
	return CoordinationEnvelope{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		From:           from,
		To:             to,
		HasTo:          true,
		Topic:          topic,
		Scope:          ScopeDirect,
		Payload:        payload,
	}
}

// NewBroadcast constructs a broadcast envelope with a fresh UUID id.
func NewBroadcast(from, conversationID, topic string, payload CoordinationPayload) CoordinationEnvelope {
	return CoordinationEnvelope{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		From:           from,
		Topic:          topic,
		Scope:          ScopeBroadcast,
		Payload:        payload,
	}
}

// envelopeAlias strips the methods so the wrappers below can reuse the
// field tags without recursing into the custom codec.
type envelopeAlias CoordinationEnvelope

// MarshalJSON emits the target field whenever one was set, even a blank one,
// so the set-but-empty case survives the wire and still fails validation on
// the other side.
func (e CoordinationEnvelope) MarshalJSON() ([]byte, error) {
	wrapper := struct {
		envelopeAlias
		To *string `json:"to,omitempty"`
	}{envelopeAlias: envelopeAlias(e)}
	if e.HasTo {
		wrapper.To = &e.To
	}
	return json.Marshal(wrapper)
}

// UnmarshalJSON restores the target flag from key presence: a missing or
// null "to" means no target.
func (e *CoordinationEnvelope) UnmarshalJSON(data []byte) error {
	wrapper := struct {
		*envelopeAlias
		To *string `json:"to"`
	}{envelopeAlias: (*envelopeAlias)(e)}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	if wrapper.To != nil {
		e.To = *wrapper.To
		e.HasTo = true
	} else {
		e.To = ""
		e.HasTo = false
	}
	return nil
}

// WithCorrelation returns a copy of the envelope carrying the correlation id.
func (e CoordinationEnvelope) WithCorrelation(correlationID string) CoordinationEnvelope {
	e.CorrelationID = correlationID
	return e
}

// WithCausation returns a copy of the envelope carrying the causation id.
func (e CoordinationEnvelope) WithCausation(causationID string) CoordinationEnvelope {
	e.CausationID = causationID
	return e
}

// Clone returns a deep copy of the envelope, including payload buffers.
func (e CoordinationEnvelope) Clone() CoordinationEnvelope {
	clone := e
	clone.Payload = e.Payload.Clone()
	return clone
}

// Validate checks the transport and payload contract before publishing.
// It is pure: no state is consulted or mutated.
//
// Checks run in a fixed order: required envelope fields, scope/target
// agreement, optional threading ids, then per-payload rules.
func (e *CoordinationEnvelope) Validate() error {
	if err := requireNonEmpty(e.ID, "id"); err != nil {
		return err
	}
	if err := requireNonEmpty(e.ConversationID, "conversation_id"); err != nil {
		return err
	}
	if err := requireNonEmpty(e.From, "from"); err != nil {
		return err
	}
	if err := requireNonEmpty(e.Topic, "topic"); err != nil {
		return err
	}

	switch e.Scope {
	case ScopeDirect:
		if !e.HasTo || strings.TrimSpace(e.To) == "" {
			return &MissingTargetError{MessageID: e.ID}
		}
	case ScopeBroadcast:
		if e.HasTo {
			return &BroadcastHasTargetError{MessageID: e.ID}
		}
	default:
		return &EmptyFieldError{Field: "scope"}
	}

	if e.CorrelationID != "" {
		if err := requireNonEmpty(e.CorrelationID, "correlation_id"); err != nil {
			return err
		}
	}
	if e.CausationID != "" {
		if err := requireNonEmpty(e.CausationID, "causation_id"); err != nil {
			return err
		}
	}

	switch e.Payload.Kind {
	case PayloadKindDelegateTask:
		dt := e.Payload.DelegateTask
		if dt == nil {
			return &EmptyFieldError{Field: "payload"}
		}
		if err := requireNonEmpty(dt.TaskID, "task_id"); err != nil {
			return err
		}
		if err := requireNonEmpty(dt.Summary, "summary"); err != nil {
			return err
		}
		if e.Scope != ScopeDirect {
			return &InvalidDeliveryScopeError{
				MessageID: e.ID,
				Expected:  ScopeDirect,
				Actual:    e.Scope,
				Payload:   string(PayloadKindDelegateTask),
			}
		}
	case PayloadKindContextPatch:
		cp := e.Payload.ContextPatch
		if cp == nil {
			return &EmptyFieldError{Field: "payload"}
		}
		if err := requireNonEmpty(cp.Key, "key"); err != nil {
			return err
		}
	case PayloadKindTaskResult:
		tr := e.Payload.TaskResult
		if tr == nil {
			return &EmptyFieldError{Field: "payload"}
		}
		if err := requireNonEmpty(tr.TaskID, "task_id"); err != nil {
			return err
		}
		if err := requireNonEmpty(tr.Output, "output"); err != nil {
			return err
		}
		if strings.TrimSpace(e.CorrelationID) == "" {
			return &MissingCorrelationIDError{MessageID: e.ID}
		}
	case PayloadKindAck:
		ack := e.Payload.Ack
		if ack == nil {
			return &EmptyFieldError{Field: "payload"}
		}
		if err := requireNonEmpty(ack.AckedMessageID, "acked_message_id"); err != nil {
			return err
		}
	case PayloadKindControl:
		ctl := e.Payload.Control
		if ctl == nil {
			return &EmptyFieldError{Field: "payload"}
		}
		if err := requireNonEmpty(ctl.Action, "action"); err != nil {
			return err
		}
	default:
		return &EmptyFieldError{Field: "payload"}
	}

	return nil
}

func requireNonEmpty(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return &EmptyFieldError{Field: field}
	}
	return nil
}
