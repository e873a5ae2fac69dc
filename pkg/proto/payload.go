// Package proto provides the coordination message model shared by all agent
// instances: the envelope, the CoordinationPayload discriminated union, and
// the closed set of coordination errors.
//
// The discriminated-union design addresses a critical issue where
// map[string]any payloads caused silent failures when payload structures
// changed. With discriminated unions, payload mismatches result in explicit
// errors rather than silent bugs.
package proto

import (
	"encoding/json"
	"fmt"
)

// PayloadKind identifies the type of payload carried by an envelope.
type PayloadKind string

// Payload kind constants define the discriminator values for the union.
// These strings are part of the wire and introspection surface.
const (
	PayloadKindDelegateTask PayloadKind = "delegate_task"
	PayloadKindContextPatch PayloadKind = "context_patch"
	PayloadKindTaskResult   PayloadKind = "task_result"
	PayloadKindAck          PayloadKind = "ack"
	PayloadKindControl      PayloadKind = "control"
)

// DelegateTask asks the target agent to take over a unit of work.
type DelegateTask struct {
	TaskID   string          `json:"task_id"`
	Summary  string          `json:"summary"`
	Metadata json.RawMessage `json:"metadata"`
}

// ContextPatch is an optimistic-lock write against the shared context store.
// ExpectedVersion 0 asserts the key does not exist yet.
type ContextPatch struct {
	Key             string          `json:"key"`
	ExpectedVersion uint64          `json:"expected_version"`
	Value           json.RawMessage `json:"value"`
}

// TaskResult reports the outcome of a previously delegated task.
type TaskResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Ack acknowledges receipt of a specific message.
type Ack struct {
	AckedMessageID string `json:"acked_message_id"`
}

// Control carries out-of-band coordination commands (pause, resume, cancel).
type Control struct {
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
}

// CoordinationPayload is the typed union of all payload variants. Exactly one
// variant pointer is non-nil and must agree with Kind. The JSON form is
// internally tagged: the "kind" discriminator with the variant fields
// flattened alongside it, e.g. {"kind":"ack","acked_message_id":"m1"}.
type CoordinationPayload struct {
	Kind         PayloadKind
	DelegateTask *DelegateTask
	ContextPatch *ContextPatch
	TaskResult   *TaskResult
	Ack          *Ack
	Control      *Control
}

// NewDelegateTaskPayload creates a delegate_task payload. Nil metadata is
// normalized to an empty JSON object.
func NewDelegateTaskPayload(taskID, summary string, metadata json.RawMessage) CoordinationPayload {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	return CoordinationPayload{
		Kind:         PayloadKindDelegateTask,
		DelegateTask: &DelegateTask{TaskID: taskID, Summary: summary, Metadata: metadata},
	}
}

// NewContextPatchPayload creates a context_patch payload.
func NewContextPatchPayload(key string, expectedVersion uint64, value json.RawMessage) CoordinationPayload {
	return CoordinationPayload{
		Kind:         PayloadKindContextPatch,
		ContextPatch: &ContextPatch{Key: key, ExpectedVersion: expectedVersion, Value: value},
	}
}

// NewTaskResultPayload creates a task_result payload.
func NewTaskResultPayload(taskID string, success bool, output string) CoordinationPayload {
	return CoordinationPayload{
		Kind:       PayloadKindTaskResult,
		TaskResult: &TaskResult{TaskID: taskID, Success: success, Output: output},
	}
}

// NewAckPayload creates an ack payload.
func NewAckPayload(ackedMessageID string) CoordinationPayload {
	return CoordinationPayload{
		Kind: PayloadKindAck,
		Ack:  &Ack{AckedMessageID: ackedMessageID},
	}
}

// NewControlPayload creates a control payload. Note may be empty.
func NewControlPayload(action, note string) CoordinationPayload {
	return CoordinationPayload{
		Kind:    PayloadKindControl,
		Control: &Control{Action: action, Note: note},
	}
}

// Clone returns a deep copy, including the raw JSON buffers, so snapshots
// handed to callers never alias bus-internal state.
func (p CoordinationPayload) Clone() CoordinationPayload {
	clone := CoordinationPayload{Kind: p.Kind}
	switch {
	case p.DelegateTask != nil:
		dt := *p.DelegateTask
		dt.Metadata = cloneRaw(p.DelegateTask.Metadata)
		clone.DelegateTask = &dt
	case p.ContextPatch != nil:
		cp := *p.ContextPatch
		cp.Value = cloneRaw(p.ContextPatch.Value)
		clone.ContextPatch = &cp
	case p.TaskResult != nil:
		tr := *p.TaskResult
		clone.TaskResult = &tr
	case p.Ack != nil:
		ack := *p.Ack
		clone.Ack = &ack
	case p.Control != nil:
		ctl := *p.Control
		clone.Control = &ctl
	}
	return clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// payloadWire is the flattened wire form shared by Marshal/Unmarshal.
type payloadWire struct {
	Kind PayloadKind `json:"kind"`

	// delegate_task + task_result share task_id
	TaskID   *string         `json:"task_id,omitempty"`
	Summary  *string         `json:"summary,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// context_patch
	Key             *string         `json:"key,omitempty"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`

	// task_result
	Success *bool   `json:"success,omitempty"`
	Output  *string `json:"output,omitempty"`

	// ack
	AckedMessageID *string `json:"acked_message_id,omitempty"`

	// control
	Action *string `json:"action,omitempty"`
	Note   *string `json:"note,omitempty"`
}

// MarshalJSON renders the internally-tagged form.
func (p CoordinationPayload) MarshalJSON() ([]byte, error) {
	out := payloadWire{Kind: p.Kind}
	switch p.Kind {
	case PayloadKindDelegateTask:
		if p.DelegateTask == nil {
			return nil, fmt.Errorf("payload kind %s has no delegate_task body", p.Kind)
		}
		out.TaskID = &p.DelegateTask.TaskID
		out.Summary = &p.DelegateTask.Summary
		out.Metadata = p.DelegateTask.Metadata
	case PayloadKindContextPatch:
		if p.ContextPatch == nil {
			return nil, fmt.Errorf("payload kind %s has no context_patch body", p.Kind)
		}
		out.Key = &p.ContextPatch.Key
		out.ExpectedVersion = &p.ContextPatch.ExpectedVersion
		out.Value = p.ContextPatch.Value
	case PayloadKindTaskResult:
		if p.TaskResult == nil {
			return nil, fmt.Errorf("payload kind %s has no task_result body", p.Kind)
		}
		out.TaskID = &p.TaskResult.TaskID
		out.Success = &p.TaskResult.Success
		out.Output = &p.TaskResult.Output
	case PayloadKindAck:
		if p.Ack == nil {
			return nil, fmt.Errorf("payload kind %s has no ack body", p.Kind)
		}
		out.AckedMessageID = &p.Ack.AckedMessageID
	case PayloadKindControl:
		if p.Control == nil {
			return nil, fmt.Errorf("payload kind %s has no control body", p.Kind)
		}
		out.Action = &p.Control.Action
		if p.Control.Note != "" {
			out.Note = &p.Control.Note
		}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the internally-tagged form back into the union.
func (p *CoordinationPayload) UnmarshalJSON(data []byte) error {
	var in payloadWire
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to unmarshal coordination payload: %w", err)
	}

	*p = CoordinationPayload{Kind: in.Kind}
	switch in.Kind {
	case PayloadKindDelegateTask:
		p.DelegateTask = &DelegateTask{
			TaskID:   deref(in.TaskID),
			Summary:  deref(in.Summary),
			Metadata: in.Metadata,
		}
	case PayloadKindContextPatch:
		patch := &ContextPatch{Key: deref(in.Key), Value: in.Value}
		if in.ExpectedVersion != nil {
			patch.ExpectedVersion = *in.ExpectedVersion
		}
		p.ContextPatch = patch
	case PayloadKindTaskResult:
		result := &TaskResult{TaskID: deref(in.TaskID), Output: deref(in.Output)}
		if in.Success != nil {
			result.Success = *in.Success
		}
		p.TaskResult = result
	case PayloadKindAck:
		p.Ack = &Ack{AckedMessageID: deref(in.AckedMessageID)}
	case PayloadKindControl:
		p.Control = &Control{Action: deref(in.Action), Note: deref(in.Note)}
	default:
		return fmt.Errorf("unknown payload kind %q", in.Kind)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
