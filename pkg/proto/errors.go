package proto

import "fmt"

// Coordination errors form a closed taxonomy: every failure the bus or the
// envelope validator reports is one of the types below, so callers can match
// with errors.As and inspect the structured fields.

// EmptyFieldError reports a required envelope or payload field that was empty
// or whitespace-only.
type EmptyFieldError struct {
	Field string
}

func (e *EmptyFieldError) Error() string {
	return fmt.Sprintf("field `%s` must not be empty", e.Field)
}

// MissingTargetError reports a direct message without a usable target agent.
type MissingTargetError struct {
	MessageID string
}

func (e *MissingTargetError) Error() string {
	return fmt.Sprintf("message `%s` requires a direct target agent", e.MessageID)
}

// BroadcastHasTargetError reports a broadcast message that set an explicit
// target.
type BroadcastHasTargetError struct {
	MessageID string
}

func (e *BroadcastHasTargetError) Error() string {
	return fmt.Sprintf("broadcast message `%s` cannot set explicit target", e.MessageID)
}

// MissingCorrelationIDError reports a task_result message without the
// correlation id it needs to be routed back.
type MissingCorrelationIDError struct {
	MessageID string
}

func (e *MissingCorrelationIDError) Error() string {
	return fmt.Sprintf("task result message `%s` requires `correlation_id`", e.MessageID)
}

// InvalidDeliveryScopeError reports a payload published under the wrong
// delivery scope.
type InvalidDeliveryScopeError struct {
	MessageID string
	Expected  DeliveryScope
	Actual    DeliveryScope
	Payload   string
}

func (e *InvalidDeliveryScopeError) Error() string {
	return fmt.Sprintf("invalid delivery scope for payload `%s` on message `%s`: expected %s, got %s",
		e.Payload, e.MessageID, e.Expected, e.Actual)
}

// DuplicateMessageIDError reports a message id still inside the dedup window.
type DuplicateMessageIDError struct {
	MessageID string
}

func (e *DuplicateMessageIDError) Error() string {
	return fmt.Sprintf("duplicate message id `%s`", e.MessageID)
}

// UnknownTargetError reports a direct message addressed to an agent with no
// registered inbox.
type UnknownTargetError struct {
	Agent     string
	MessageID string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target agent `%s` for message `%s`", e.Agent, e.MessageID)
}

// UnknownAgentError reports a consumption or inspection call for an agent
// that was never registered.
type UnknownAgentError struct {
	Agent string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agent `%s` is not registered", e.Agent)
}

// InvalidDelegateContextKeyError reports a delegate/ context key that does
// not follow the delegate/<correlation>/<tail> shape.
type InvalidDelegateContextKeyError struct {
	Key       string
	MessageID string
}

func (e *InvalidDelegateContextKeyError) Error() string {
	return fmt.Sprintf("invalid delegate context key `%s` on message `%s`", e.Key, e.MessageID)
}

// MissingDelegateContextCorrelationError reports a delegate-namespace patch
// published without a correlation id on the envelope.
type MissingDelegateContextCorrelationError struct {
	Key       string
	MessageID string
}

func (e *MissingDelegateContextCorrelationError) Error() string {
	return fmt.Sprintf("delegate context key `%s` requires `correlation_id` on message `%s`", e.Key, e.MessageID)
}

// DelegateContextCorrelationMismatchError reports a delegate-namespace patch
// whose key correlation segment disagrees with the envelope correlation id.
type DelegateContextCorrelationMismatchError struct {
	Key                   string
	MessageID             string
	KeyCorrelationID      string
	EnvelopeCorrelationID string
}

func (e *DelegateContextCorrelationMismatchError) Error() string {
	return fmt.Sprintf("delegate context key `%s` correlation mismatch on message `%s`: key has `%s`, envelope has `%s`",
		e.Key, e.MessageID, e.KeyCorrelationID, e.EnvelopeCorrelationID)
}

// ContextVersionMismatchError reports an optimistic-lock failure on a
// context patch.
type ContextVersionMismatchError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *ContextVersionMismatchError) Error() string {
	return fmt.Sprintf("context version mismatch for key `%s`: expected %d, actual %d",
		e.Key, e.Expected, e.Actual)
}
