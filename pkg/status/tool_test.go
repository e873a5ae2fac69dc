package status

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/bus"
	"coordinator/pkg/proto"
)

func testBus(t *testing.T) *bus.InMemoryMessageBus {
	t.Helper()
	b := bus.New()
	require.NoError(t, b.RegisterAgent("delegate-lead"))
	require.NoError(t, b.RegisterAgent("researcher"))
	return b
}

func publishDelegatePatch(t *testing.T, b *bus.InMemoryMessageBus, id, key, correlation, value string, version uint64) {
	t.Helper()
	patch := proto.NewDirect("delegate-lead", "delegate-lead", "delegate:"+correlation, "delegate.state",
		proto.NewContextPatchPayload(key, version, json.RawMessage(value)))
	patch.ID = id
	patch.CorrelationID = correlation
	_, err := b.Publish(patch)
	require.NoError(t, err)
}

func TestStatusToolReportsContextAndInboxes(t *testing.T) {
	b := testBus(t)

	request := proto.NewDirect("delegate-lead", "researcher", "delegate:corr-1", "delegate.request",
		proto.NewDelegateTaskPayload("corr-1", "Investigate", json.RawMessage(`{"priority":"high"}`)))
	request.CorrelationID = "corr-1"
	_, err := b.Publish(request)
	require.NoError(t, err)

	publishDelegatePatch(t, b, "msg-patch", "delegate/corr-1/state", "corr-1", `{"phase":"queued"}`, 0)

	tool := NewCoordinationStatusTool(b)
	output, err := tool.Exec(context.Background(), map[string]any{
		"include_messages": true,
		"agent":            "researcher",
		"correlation_id":   "corr-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, output["subscriber_count"])
	assert.Equal(t, 1, output["context_count"])
	assert.Equal(t, 1, output["delegate_context_count"])
	assert.Equal(t, 1, output["delegate_context_count_filtered"])
	assert.Equal(t, 1, output["contexts_total"])
	assert.Equal(t, 0, output["contexts_offset"])
	assert.Equal(t, 1, output["contexts_returned"])
	assert.Equal(t, false, output["contexts_truncated"])
	assert.Nil(t, output["context_next_offset"])

	inboxes := output["inboxes"].([]map[string]any)
	require.Len(t, inboxes, 1)
	assert.Equal(t, "researcher", inboxes[0]["agent"])
	assert.Equal(t, 1, inboxes[0]["pending"])
	assert.Equal(t, 1, inboxes[0]["pending_filtered"])
	assert.Equal(t, 1, inboxes[0]["message_total"])
	assert.Equal(t, 1, inboxes[0]["messages_returned"])
	assert.Equal(t, false, inboxes[0]["messages_truncated"])
	assert.Nil(t, inboxes[0]["message_next_offset"])

	messages := inboxes[0]["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "delegate_task", messages[0]["payload_kind"])
	assert.Equal(t, "corr-1", messages[0]["correlation_id"])

	assert.Equal(t, 0, output["dead_letters_total"])
	assert.Equal(t, 0, output["dead_letters_returned"])
	assert.Equal(t, false, output["dead_letters_truncated"])
	assert.Nil(t, output["dead_letter_next_offset"])

	limits := output["limits"].(bus.Limits)
	assert.Equal(t, 256, limits.MaxInboxMessagesPerAgent)
	assert.Equal(t, 4096, limits.MaxSeenMessageIDs)

	stats := output["stats"].(bus.Stats)
	assert.Equal(t, uint64(2), stats.PublishAttemptsTotal)
	assert.Equal(t, uint64(2), stats.DeliveriesTotal)
}

func TestStatusToolAppliesDeadLetterLimit(t *testing.T) {
	b := testBus(t)

	for i := 0; i < 3; i++ {
		invalid := proto.NewDirect("delegate-lead", "researcher", fmt.Sprintf("delegate:corr-%d", i), "delegate.result",
			proto.NewTaskResultPayload(fmt.Sprintf("corr-%d", i), false, "failure"))
		invalid.ID = fmt.Sprintf("invalid-%d", i)
		// Missing correlation id causes a dead letter.
		_, _ = b.Publish(invalid)
	}

	tool := NewCoordinationStatusTool(b)
	output, err := tool.Exec(context.Background(), map[string]any{"dead_letter_limit": 2})
	require.NoError(t, err)

	assert.Equal(t, 3, output["dead_letter_count"])
	assert.Equal(t, 3, output["dead_letters_total"])
	assert.Equal(t, 0, output["dead_letter_offset"])
	assert.Equal(t, 2, output["dead_letters_returned"])
	assert.Equal(t, true, output["dead_letters_truncated"])
	assert.Equal(t, 2, output["dead_letter_next_offset"])

	deadLetters := output["dead_letters"].([]map[string]any)
	require.Len(t, deadLetters, 2)
	// The newest-first page is rendered oldest first.
	assert.Equal(t, "invalid-1", deadLetters[0]["message_id"])
	assert.Equal(t, "invalid-2", deadLetters[1]["message_id"])
}

func TestStatusToolAppliesContextLimitInRecentOrder(t *testing.T) {
	b := testBus(t)

	publishDelegatePatch(t, b, "ctx-a0", "delegate/corr-a/state", "corr-a", `{"phase":"queued"}`, 0)
	publishDelegatePatch(t, b, "ctx-b0", "delegate/corr-b/state", "corr-b", `{"phase":"queued"}`, 0)
	publishDelegatePatch(t, b, "ctx-a1", "delegate/corr-a/state", "corr-a", `{"phase":"running"}`, 1)
	publishDelegatePatch(t, b, "ctx-c0", "delegate/corr-c/state", "corr-c", `{"phase":"queued"}`, 0)

	tool := NewCoordinationStatusTool(b)
	output, err := tool.Exec(context.Background(), map[string]any{
		"context_limit":        2,
		"include_dead_letters": false,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, output["context_count"])
	assert.Equal(t, 3, output["contexts_total"])
	assert.Equal(t, 2, output["contexts_returned"])
	assert.Equal(t, true, output["contexts_truncated"])
	assert.Equal(t, 2, output["context_next_offset"])

	contexts := output["contexts"].([]map[string]any)
	require.Len(t, contexts, 2)
	assert.Equal(t, "delegate/corr-c/state", contexts[0]["key"])
	assert.Equal(t, "delegate/corr-a/state", contexts[1]["key"])

	secondPage, err := tool.Exec(context.Background(), map[string]any{
		"context_limit":        2,
		"context_offset":       1,
		"include_dead_letters": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, secondPage["contexts_offset"])
	assert.Equal(t, 2, secondPage["contexts_returned"])
	assert.Equal(t, false, secondPage["contexts_truncated"])
	assert.Nil(t, secondPage["context_next_offset"])

	secondContexts := secondPage["contexts"].([]map[string]any)
	assert.Equal(t, "delegate/corr-a/state", secondContexts[0]["key"])
	assert.Equal(t, "delegate/corr-b/state", secondContexts[1]["key"])
}

func TestStatusToolAppliesContextPagingWithCorrelationFilter(t *testing.T) {
	b := testBus(t)

	publishDelegatePatch(t, b, "ctx-a-state", "delegate/corr-a/state", "corr-a", `{"phase":"queued"}`, 0)
	publishDelegatePatch(t, b, "ctx-b-state", "delegate/corr-b/state", "corr-b", `{"phase":"queued"}`, 0)
	publishDelegatePatch(t, b, "ctx-a-output", "delegate/corr-a/output", "corr-a", `{"summary":"ready"}`, 0)

	tool := NewCoordinationStatusTool(b)
	output, err := tool.Exec(context.Background(), map[string]any{
		"correlation_id":       "corr-a",
		"context_limit":        1,
		"context_offset":       1,
		"include_dead_letters": false,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, output["contexts_total"])
	assert.Equal(t, 1, output["contexts_offset"])
	assert.Equal(t, 1, output["contexts_returned"])
	assert.Equal(t, false, output["contexts_truncated"])
	assert.Nil(t, output["context_next_offset"])

	contexts := output["contexts"].([]map[string]any)
	require.Len(t, contexts, 1)
	assert.Equal(t, "delegate/corr-a/state", contexts[0]["key"])
}

func TestStatusToolAppliesDeadLetterPagingWithCorrelationFilter(t *testing.T) {
	b := testBus(t)

	for _, m := range []struct{ id, correlation string }{
		{"dead-corr-0", "corr-a"}, {"dead-corr-1", "corr-b"}, {"dead-corr-2", "corr-a"},
	} {
		invalid := proto.NewDirect("delegate-lead", "unknown-agent", "delegate:"+m.correlation, "delegate.request",
			proto.NewDelegateTaskPayload(m.id, "invalid target", json.RawMessage(`{}`)))
		invalid.ID = m.id
		invalid.CorrelationID = m.correlation
		_, _ = b.Publish(invalid)
	}

	tool := NewCoordinationStatusTool(b)

	firstPage, err := tool.Exec(context.Background(), map[string]any{
		"correlation_id":     "corr-a",
		"dead_letter_limit":  1,
		"dead_letter_offset": 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, firstPage["dead_letters_total"])
	assert.Equal(t, 1, firstPage["dead_letters_returned"])
	assert.Equal(t, true, firstPage["dead_letters_truncated"])
	assert.Equal(t, 1, firstPage["dead_letter_next_offset"])
	firstDead := firstPage["dead_letters"].([]map[string]any)
	assert.Equal(t, "dead-corr-2", firstDead[0]["message_id"])

	secondPage, err := tool.Exec(context.Background(), map[string]any{
		"correlation_id":     "corr-a",
		"dead_letter_limit":  1,
		"dead_letter_offset": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, secondPage["dead_letter_offset"])
	assert.Equal(t, false, secondPage["dead_letters_truncated"])
	assert.Nil(t, secondPage["dead_letter_next_offset"])
	secondDead := secondPage["dead_letters"].([]map[string]any)
	assert.Equal(t, "dead-corr-0", secondDead[0]["message_id"])
}

func TestStatusToolAppliesMessagePagingWithCorrelationFilter(t *testing.T) {
	b := testBus(t)

	for _, m := range []struct{ id, correlation string }{
		{"msg-corr-0", "corr-a"},
		{"msg-corr-1", "corr-b"},
		{"msg-corr-2", "corr-a"},
		{"msg-corr-3", "corr-a"},
	} {
		request := proto.NewDirect("delegate-lead", "researcher", "delegate:"+m.correlation, "delegate.request",
			proto.NewDelegateTaskPayload(m.id, "Investigate", json.RawMessage(`{"priority":"high"}`)))
		request.ID = m.id
		request.CorrelationID = m.correlation
		_, err := b.Publish(request)
		require.NoError(t, err)
	}

	tool := NewCoordinationStatusTool(b)
	firstPage, err := tool.Exec(context.Background(), map[string]any{
		"agent":                "researcher",
		"correlation_id":       "corr-a",
		"include_messages":     true,
		"message_limit":        1,
		"message_offset":       1,
		"include_dead_letters": false,
	})
	require.NoError(t, err)

	inboxes := firstPage["inboxes"].([]map[string]any)
	require.Len(t, inboxes, 1)
	assert.Equal(t, 4, inboxes[0]["pending"])
	assert.Equal(t, 3, inboxes[0]["pending_filtered"])
	assert.Equal(t, 3, inboxes[0]["message_total"])
	assert.Equal(t, 1, inboxes[0]["message_offset"])
	assert.Equal(t, 1, inboxes[0]["messages_returned"])
	assert.Equal(t, true, inboxes[0]["messages_truncated"])
	assert.Equal(t, 2, inboxes[0]["message_next_offset"])
	messages := inboxes[0]["messages"].([]map[string]any)
	assert.Equal(t, "msg-corr-2", messages[0]["message_id"])

	secondPage, err := tool.Exec(context.Background(), map[string]any{
		"agent":                "researcher",
		"correlation_id":       "corr-a",
		"include_messages":     true,
		"message_limit":        1,
		"message_offset":       2,
		"include_dead_letters": false,
	})
	require.NoError(t, err)
	secondInboxes := secondPage["inboxes"].([]map[string]any)
	assert.Equal(t, false, secondInboxes[0]["messages_truncated"])
	assert.Nil(t, secondInboxes[0]["message_next_offset"])
	secondMessages := secondInboxes[0]["messages"].([]map[string]any)
	assert.Equal(t, "msg-corr-3", secondMessages[0]["message_id"])
}

func TestStatusToolSkipsUnknownAgents(t *testing.T) {
	b := testBus(t)
	tool := NewCoordinationStatusTool(b)

	output, err := tool.Exec(context.Background(), map[string]any{"agent": "ghost"})
	require.NoError(t, err)
	assert.Empty(t, output["inboxes"])
}

func TestStatusToolClampsLimitsAndOffsets(t *testing.T) {
	b := testBus(t)
	tool := NewCoordinationStatusTool(b)

	output, err := tool.Exec(context.Background(), map[string]any{
		"dead_letter_limit":  1000,
		"dead_letter_offset": 50000,
		"context_limit":      0,
		"context_offset":     float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, maxDeadLetterOffset, output["dead_letter_offset"])
	assert.Equal(t, 3, output["contexts_offset"])
}

func TestStatusToolOutputSerializesToJSON(t *testing.T) {
	b := testBus(t)
	publishDelegatePatch(t, b, "ctx-json", "delegate/corr-1/state", "corr-1", `{"phase":"queued"}`, 0)

	tool := NewCoordinationStatusTool(b)
	output, err := tool.Exec(context.Background(), map[string]any{})
	require.NoError(t, err)

	data, err := json.Marshal(output)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "subscriber_count")
	assert.Contains(t, decoded, "stats")
	limits := decoded["limits"].(map[string]any)
	assert.Equal(t, float64(256), limits["max_inbox_messages_per_agent"])
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	b := bus.New()
	tool := NewCoordinationStatusTool(b)

	require.NoError(t, registry.Register(tool))
	assert.Error(t, registry.Register(tool), "double registration must fail")

	got, err := registry.Get("delegate_coordination_status")
	require.NoError(t, err)
	assert.Equal(t, tool.Name(), got.Name())

	_, err = registry.Get("missing")
	assert.Error(t, err)

	registry.Clear()
	assert.Empty(t, registry.GetAll())
}
