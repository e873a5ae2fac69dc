package status

import (
	"context"
	"strings"

	"coordinator/pkg/bus"
)

// Paging defaults and caps for the status projection. Offsets are capped so a
// hostile argument cannot force a huge skip walk.
const (
	defaultDeadLetterLimit = 10
	maxDeadLetterLimit     = 100
	maxDeadLetterOffset    = 10000
	defaultMessageLimit    = 5
	maxMessageLimit        = 50
	maxMessageOffset       = 10000
	defaultContextLimit    = 25
	maxContextLimit        = 200
	maxContextOffset       = 10000
)

// CoordinationStatusTool reports agent inbox backlog, delegate context state
// transitions, and dead-letter events. All output is a read-only snapshot;
// nothing is consumed.
type CoordinationStatusTool struct {
	bus *bus.InMemoryMessageBus
}

// NewCoordinationStatusTool creates the status tool over a bus handle.
func NewCoordinationStatusTool(b *bus.InMemoryMessageBus) *CoordinationStatusTool {
	return &CoordinationStatusTool{bus: b}
}

// Name returns the tool identifier.
func (t *CoordinationStatusTool) Name() string {
	return "delegate_coordination_status"
}

// Exec builds the status projection. Supported arguments: agent,
// correlation_id, include_messages (default false), message_limit,
// message_offset, include_dead_letters (default true), dead_letter_limit,
// dead_letter_offset, context_limit, context_offset. Limits and offsets are
// clamped to their caps; unknown agents are skipped rather than failing the
// whole report.
func (t *CoordinationStatusTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	filterAgent, haveFilterAgent := stringArg(args, "agent")
	filterCorrelation, haveFilterCorrelation := stringArg(args, "correlation_id")
	includeMessages := boolArg(args, "include_messages", false)
	includeDeadLetters := boolArg(args, "include_dead_letters", true)
	messageLimit := clampLimit(args, "message_limit", defaultMessageLimit, maxMessageLimit)
	messageOffset := clampOffset(args, "message_offset", maxMessageOffset)
	deadLetterLimit := clampLimit(args, "dead_letter_limit", defaultDeadLetterLimit, maxDeadLetterLimit)
	deadLetterOffset := clampOffset(args, "dead_letter_offset", maxDeadLetterOffset)
	contextLimit := clampLimit(args, "context_limit", defaultContextLimit, maxContextLimit)
	contextOffset := clampOffset(args, "context_offset", maxContextOffset)

	var agents []string
	if haveFilterAgent {
		agents = []string{filterAgent}
	} else {
		agents = t.bus.RegisteredAgents()
	}

	inboxes := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		pending, err := t.bus.PendingForAgent(agent)
		if err != nil {
			continue
		}
		var pendingFiltered any
		if haveFilterCorrelation {
			if count, err := t.bus.PendingForAgentCorrelation(agent, filterCorrelation); err == nil {
				pendingFiltered = count
			}
		}

		messageTotal := 0
		messagePreview := make([]map[string]any, 0)
		if includeMessages {
			var matched []bus.SequencedEnvelope
			if haveFilterCorrelation {
				if count, ok := pendingFiltered.(int); ok {
					messageTotal = count
				}
				matched, _ = t.bus.PeekForAgentCorrelationWithOffset(agent, filterCorrelation, messageOffset, messageLimit)
			} else {
				messageTotal = pending
				matched, _ = t.bus.PeekForAgentWithOffset(agent, messageOffset, messageLimit)
			}
			for _, entry := range matched {
				messagePreview = append(messagePreview, summarizeEnvelope(entry))
			}
		}
		messagesReturned := len(messagePreview)
		messagesTruncated := includeMessages && messageOffset+messagesReturned < messageTotal
		var messageNextOffset any
		if messagesTruncated {
			messageNextOffset = messageOffset + messagesReturned
		}

		inboxes = append(inboxes, map[string]any{
			"agent":               agent,
			"pending":             pending,
			"pending_filtered":    pendingFiltered,
			"message_total":       messageTotal,
			"message_offset":      messageOffset,
			"messages_returned":   messagesReturned,
			"messages_truncated":  messagesTruncated,
			"message_next_offset": messageNextOffset,
			"messages":            messagePreview,
		})
	}

	var contextsTotal int
	var contextEntries []bus.ContextItem
	if haveFilterCorrelation {
		contextsTotal = t.bus.DelegateContextCountForCorrelation(filterCorrelation)
		contextEntries = t.bus.DelegateContextEntriesRecentForCorrelationWithOffset(filterCorrelation, contextOffset, contextLimit)
	} else {
		contextsTotal = t.bus.DelegateContextCount()
		contextEntries = t.bus.DelegateContextEntriesRecentWithOffset(contextOffset, contextLimit)
	}
	contexts := make([]map[string]any, 0, len(contextEntries))
	for _, item := range contextEntries {
		contexts = append(contexts, map[string]any{
			"key":             item.Key,
			"version":         item.Entry.Version,
			"updated_by":      item.Entry.UpdatedBy,
			"last_message_id": item.Entry.LastMessageID,
			"value":           item.Entry.Value,
		})
	}
	contextsReturned := len(contexts)
	contextsTruncated := contextOffset+contextsReturned < contextsTotal
	var contextNextOffset any
	if contextsTruncated {
		contextNextOffset = contextOffset + contextsReturned
	}

	deadLetterPreview := make([]map[string]any, 0)
	deadLettersTotal := 0
	if includeDeadLetters {
		var matching []bus.DeadLetter
		if haveFilterCorrelation {
			deadLettersTotal = t.bus.DeadLetterCountForCorrelation(filterCorrelation)
			matching = t.bus.DeadLettersRecentForCorrelation(filterCorrelation, deadLetterOffset, deadLetterLimit)
		} else {
			deadLettersTotal = t.bus.DeadLetterCount()
			matching = t.bus.DeadLettersRecent(deadLetterOffset, deadLetterLimit)
		}
		// The page comes back newest first; render it oldest first.
		for i := len(matching) - 1; i >= 0; i-- {
			entry := matching[i]
			deadLetterPreview = append(deadLetterPreview, map[string]any{
				"message_id":     entry.Envelope.ID,
				"topic":          entry.Envelope.Topic,
				"from":           entry.Envelope.From,
				"to":             optionalString(entry.Envelope.To),
				"correlation_id": optionalString(entry.Envelope.CorrelationID),
				"payload_kind":   string(entry.Envelope.Payload.Kind),
				"reason":         entry.Reason,
			})
		}
	}
	deadLettersReturned := len(deadLetterPreview)
	deadLettersTruncated := deadLetterOffset+deadLettersReturned < deadLettersTotal
	var deadLetterNextOffset any
	if deadLettersTruncated {
		deadLetterNextOffset = deadLetterOffset + deadLettersReturned
	}

	delegateContextCountFiltered := t.bus.DelegateContextCount()
	if haveFilterCorrelation {
		delegateContextCountFiltered = t.bus.DelegateContextCountForCorrelation(filterCorrelation)
	}

	return map[string]any{
		"subscriber_count":                t.bus.SubscriberCount(),
		"context_count":                   t.bus.ContextCount(),
		"delegate_context_count":          t.bus.DelegateContextCount(),
		"delegate_context_count_filtered": delegateContextCountFiltered,
		"dead_letter_count":               t.bus.DeadLetterCount(),
		"limits":                          t.bus.Limits(),
		"stats":                           t.bus.Stats(),
		"filter": map[string]any{
			"agent":          optionalFilter(filterAgent, haveFilterAgent),
			"correlation_id": optionalFilter(filterCorrelation, haveFilterCorrelation),
		},
		"contexts_total":          contextsTotal,
		"contexts_offset":         contextOffset,
		"contexts_returned":       contextsReturned,
		"contexts_truncated":      contextsTruncated,
		"context_next_offset":     contextNextOffset,
		"dead_letters_total":      deadLettersTotal,
		"dead_letter_offset":      deadLetterOffset,
		"dead_letters_returned":   deadLettersReturned,
		"dead_letters_truncated":  deadLettersTruncated,
		"dead_letter_next_offset": deadLetterNextOffset,
		"inboxes":                 inboxes,
		"contexts":                contexts,
		"dead_letters":            deadLetterPreview,
	}, nil
}

func summarizeEnvelope(entry bus.SequencedEnvelope) map[string]any {
	return map[string]any{
		"sequence":       entry.Sequence,
		"message_id":     entry.Envelope.ID,
		"topic":          entry.Envelope.Topic,
		"from":           entry.Envelope.From,
		"to":             optionalString(entry.Envelope.To),
		"correlation_id": optionalString(entry.Envelope.CorrelationID),
		"causation_id":   optionalString(entry.Envelope.CausationID),
		"payload_kind":   string(entry.Envelope.Payload.Kind),
	}
}

func stringArg(args map[string]any, key string) (string, bool) {
	raw, present := args[key]
	if !present {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if raw, present := args[key]; present {
		if value, ok := raw.(bool); ok {
			return value
		}
	}
	return fallback
}

// intArg accepts int and float64 so arguments survive a JSON round trip.
func intArg(args map[string]any, key string) (int, bool) {
	raw, present := args[key]
	if !present {
		return 0, false
	}
	switch value := raw.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case uint64:
		return int(value), true
	case float64:
		if value < 0 {
			return 0, false
		}
		return int(value), true
	}
	return 0, false
}

func clampLimit(args map[string]any, key string, fallback, max int) int {
	value, have := intArg(args, key)
	if have && value > 0 {
		if value > max {
			return max
		}
		return value
	}
	return fallback
}

func clampOffset(args map[string]any, key string, max int) int {
	value, have := intArg(args, key)
	if !have || value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}

func optionalString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func optionalFilter(value string, have bool) any {
	if !have {
		return nil
	}
	return value
}
