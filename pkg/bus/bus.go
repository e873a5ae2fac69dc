package bus

import (
	"sort"
	"strings"
	"sync"

	"coordinator/pkg/proto"
)

// InMemoryMessageBus is the shared coordination bus. The handle is safe to
// copy across goroutines; all state lives behind one exclusive mutex and
// every operation completes without blocking on I/O.
type InMemoryMessageBus struct {
	mu    *sync.Mutex
	state *busState
}

// New creates a bus with the default retention limits.
func New() *InMemoryMessageBus {
	return NewWithLimits(DefaultLimits())
}

// NewWithLimits creates a bus with explicit retention limits. Zero limits
// are raised to 1.
func NewWithLimits(limits Limits) *InMemoryMessageBus {
	return &InMemoryMessageBus{
		mu:    &sync.Mutex{},
		state: newBusState(limits),
	}
}

// RegisterAgent creates an inbox for the agent. Registering an existing
// agent is a no-op that preserves pending messages.
func (b *InMemoryMessageBus) RegisterAgent(agent string) error {
	if strings.TrimSpace(agent) == "" {
		return &proto.EmptyFieldError{Field: "agent"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, present := b.state.inboxByAgent[agent]; !present {
		b.state.inboxByAgent[agent] = nil
	}
	if _, present := b.state.inboxCorrelationCounts[agent]; !present {
		b.state.inboxCorrelationCounts[agent] = make(map[string]int)
	}
	return nil
}

// UnregisterAgent removes the agent's inbox, discarding pending messages.
// It reports whether the agent was registered.
func (b *InMemoryMessageBus) UnregisterAgent(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, removed := b.state.inboxByAgent[agent]
	delete(b.state.inboxByAgent, agent)
	delete(b.state.inboxCorrelationCounts, agent)
	return removed
}

// Publish validates and delivers an envelope. Validation failures,
// duplicate ids, failed context patches, and unknown direct targets are
// recorded as dead letters before the error is returned. Only attempts that
// pass validation consume a publish attempt; only attempts that pass the
// dedup and context checks consume a sequence number.
func (b *InMemoryMessageBus) Publish(envelope proto.CoordinationEnvelope) (PublishReceipt, error) {
	if err := envelope.Validate(); err != nil {
		b.mu.Lock()
		b.state.pushDeadLetterLocked(envelope, err.Error())
		b.mu.Unlock()
		return PublishReceipt{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state

	state.stats.PublishAttemptsTotal++
	if _, seen := state.seenMessageIDs[envelope.ID]; seen {
		err := &proto.DuplicateMessageIDError{MessageID: envelope.ID}
		state.pushDeadLetterLocked(envelope, err.Error())
		return PublishReceipt{}, err
	}
	if len(state.seenMessageIDs) >= state.limits.MaxSeenMessageIDs && len(state.seenMessageOrder) > 0 {
		evictedID := state.seenMessageOrder[0]
		state.seenMessageOrder = state.seenMessageOrder[1:]
		if _, present := state.seenMessageIDs[evictedID]; present {
			delete(state.seenMessageIDs, evictedID)
			state.stats.SeenMessageIDEvictionsTotal++
		}
	}
	state.seenMessageIDs[envelope.ID] = struct{}{}
	state.seenMessageOrder = append(state.seenMessageOrder, envelope.ID)

	if envelope.Payload.Kind == proto.PayloadKindContextPatch {
		if err := state.applyContextPatchLocked(&envelope, envelope.Payload.ContextPatch); err != nil {
			state.pushDeadLetterLocked(envelope, err.Error())
			return PublishReceipt{}, err
		}
	}

	state.nextSequence++
	sequence := state.nextSequence
	sequenced := SequencedEnvelope{Sequence: sequence, Envelope: envelope.Clone()}

	var deliveredTo int
	switch envelope.Scope {
	case proto.ScopeDirect:
		target := envelope.To
		if _, present := state.inboxByAgent[target]; !present {
			err := &proto.UnknownTargetError{Agent: target, MessageID: envelope.ID}
			state.pushDeadLetterLocked(envelope, err.Error())
			return PublishReceipt{}, err
		}
		if dropped, ok := state.pushInboxEntryLocked(target, sequenced); ok {
			state.stats.InboxOverflowEvictionsTotal++
			state.pushDeadLetterLocked(dropped,
				"inbox overflow: dropped oldest message for agent '"+target+"'")
		}
		deliveredTo = 1
	case proto.ScopeBroadcast:
		fanout := len(state.inboxByAgent)
		if fanout > 0 {
			agents := make([]string, 0, fanout)
			for agent := range state.inboxByAgent {
				agents = append(agents, agent)
			}
			sort.Strings(agents)
			for _, agent := range agents {
				if dropped, ok := state.pushInboxEntryLocked(agent, sequenced.Clone()); ok {
					state.stats.InboxOverflowEvictionsTotal++
					state.pushDeadLetterLocked(dropped,
						"inbox overflow: dropped oldest message for agent '"+agent+"'")
				}
			}
		}
		deliveredTo = fanout
	}
	state.stats.DeliveriesTotal += uint64(deliveredTo)

	return PublishReceipt{Sequence: sequence, DeliveredTo: deliveredTo}, nil
}

// DrainForAgent removes and returns up to max pending envelopes in FIFO
// order. Use max = 0 to drain everything.
func (b *InMemoryMessageBus) DrainForAgent(agent string, max int) ([]SequencedEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state

	inbox, present := state.inboxByAgent[agent]
	if !present {
		return nil, &proto.UnknownAgentError{Agent: agent}
	}

	drainCount := len(inbox)
	if max > 0 && max < drainCount {
		drainCount = max
	}

	counts := state.inboxCorrelationCounts[agent]
	if counts == nil {
		counts = make(map[string]int)
		state.inboxCorrelationCounts[agent] = counts
	}

	drained := make([]SequencedEnvelope, 0, drainCount)
	for i := 0; i < drainCount; i++ {
		entry := inbox[0]
		inbox = inbox[1:]
		decrementCorrelationCount(counts, &entry.Envelope)
		drained = append(drained, entry)
	}
	state.inboxByAgent[agent] = inbox
	return drained, nil
}

// PendingForAgent returns the number of pending envelopes for an agent.
func (b *InMemoryMessageBus) PendingForAgent(agent string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inbox, present := b.state.inboxByAgent[agent]
	if !present {
		return 0, &proto.UnknownAgentError{Agent: agent}
	}
	return len(inbox), nil
}

// PendingForAgentCorrelation returns the pending count for one correlation
// id, served from the O(1) per-correlation counts. A blank correlation id
// yields zero without an error.
func (b *InMemoryMessageBus) PendingForAgentCorrelation(agent, correlationID string) (int, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, present := b.state.inboxByAgent[agent]; !present {
		return 0, &proto.UnknownAgentError{Agent: agent}
	}
	return b.state.inboxCorrelationCounts[agent][correlationID], nil
}

// PeekForAgent returns up to max pending envelopes without consuming them.
// Use max = 0 to peek the full inbox.
func (b *InMemoryMessageBus) PeekForAgent(agent string, max int) ([]SequencedEnvelope, error) {
	return b.PeekForAgentWithOffset(agent, 0, max)
}

// PeekForAgentWithOffset peeks with an offset into inbox order (oldest
// first). Use max = 0 to peek all entries after offset.
func (b *InMemoryMessageBus) PeekForAgentWithOffset(agent string, offset, max int) ([]SequencedEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inbox, present := b.state.inboxByAgent[agent]
	if !present {
		return nil, &proto.UnknownAgentError{Agent: agent}
	}

	take := pageSize(len(inbox), offset, max)
	out := make([]SequencedEnvelope, 0, take)
	for i := offset; i < len(inbox) && len(out) < take; i++ {
		out = append(out, inbox[i].Clone())
	}
	return out, nil
}

// PeekForAgentCorrelationWithOffset peeks envelopes matching a correlation
// id, offset in match order (oldest first). Use max = 0 for all matches
// after offset. A blank correlation id yields an empty result.
func (b *InMemoryMessageBus) PeekForAgentCorrelationWithOffset(agent, correlationID string, offset, max int) ([]SequencedEnvelope, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	inbox, present := b.state.inboxByAgent[agent]
	if !present {
		return nil, &proto.UnknownAgentError{Agent: agent}
	}

	matchTotal := b.state.inboxCorrelationCounts[agent][correlationID]
	take := pageSize(matchTotal, offset, max)
	out := make([]SequencedEnvelope, 0, take)
	skipped := 0
	for i := range inbox {
		trimmed, ok := normalizedNonEmpty(inbox[i].Envelope.CorrelationID)
		if !ok || trimmed != correlationID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= take {
			break
		}
		out = append(out, inbox[i].Clone())
	}
	return out, nil
}

// RegisteredAgents returns the sorted list of agents with inboxes.
func (b *InMemoryMessageBus) RegisteredAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := make([]string, 0, len(b.state.inboxByAgent))
	for agent := range b.state.inboxByAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents
}

// Limits returns the effective retention limits.
func (b *InMemoryMessageBus) Limits() Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.limits
}

// Stats returns a snapshot of the monotone counters.
func (b *InMemoryMessageBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.stats
}

// SubscriberCount returns the number of registered inboxes.
func (b *InMemoryMessageBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.inboxByAgent)
}

// ContextSnapshot returns a copy of every shared context entry.
func (b *InMemoryMessageBus) ContextSnapshot() map[string]SharedContextEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]SharedContextEntry, len(b.state.context))
	for key, entry := range b.state.context {
		out[key] = entry.Clone()
	}
	return out
}

// ContextEntriesRecent returns context entries in write-recency order
// (newest first). Use max = 0 to return everything.
func (b *InMemoryMessageBus) ContextEntriesRecent(max int) []ContextItem {
	return b.ContextEntriesRecentWithOffset(0, max)
}

// ContextEntriesRecentWithOffset pages context entries newest-first.
// Use max = 0 to return all entries after offset.
func (b *InMemoryMessageBus) ContextEntriesRecentWithOffset(offset, max int) []ContextItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.collectContextPageLocked(b.state.contextOrder, offset, max)
}

// ContextEntriesRecentForCorrelation returns context entries for one
// correlation id newest-first. Use max = 0 to return everything.
func (b *InMemoryMessageBus) ContextEntriesRecentForCorrelation(correlationID string, max int) []ContextItem {
	return b.ContextEntriesRecentForCorrelationWithOffset(correlationID, 0, max)
}

// ContextEntriesRecentForCorrelationWithOffset pages correlation-filtered
// context entries newest-first. A blank correlation id yields an empty
// result.
func (b *InMemoryMessageBus) ContextEntriesRecentForCorrelationWithOffset(correlationID string, offset, max int) []ContextItem {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.collectContextPageLocked(b.state.contextOrderByCorrelation[correlationID], offset, max)
}

// ContextCount returns the number of shared context entries.
func (b *InMemoryMessageBus) ContextCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.context)
}

// ContextCountForCorrelation returns the entry count for one correlation id.
func (b *InMemoryMessageBus) ContextCountForCorrelation(correlationID string) int {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.contextOrderByCorrelation[correlationID])
}

// DelegateContextEntriesRecentWithOffset pages delegate-namespace context
// entries newest-first. Use max = 0 to return all entries after offset.
func (b *InMemoryMessageBus) DelegateContextEntriesRecentWithOffset(offset, max int) []ContextItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.collectContextPageLocked(b.state.delegateContextOrder, offset, max)
}

// DelegateContextEntriesRecentForCorrelationWithOffset pages
// delegate-namespace context entries for one correlation id newest-first.
func (b *InMemoryMessageBus) DelegateContextEntriesRecentForCorrelationWithOffset(correlationID string, offset, max int) []ContextItem {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.collectContextPageLocked(b.state.delegateContextOrderByCorrelation[correlationID], offset, max)
}

// DelegateContextCount returns the number of delegate-namespace entries.
func (b *InMemoryMessageBus) DelegateContextCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.delegateContextOrder)
}

// DelegateContextCountForCorrelation returns the delegate-namespace entry
// count for one correlation id.
func (b *InMemoryMessageBus) DelegateContextCountForCorrelation(correlationID string) int {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.delegateContextOrderByCorrelation[correlationID])
}

// DeadLettersRecent pages dead letters newest-first. Use max = 0 to return
// all entries after offset.
func (b *InMemoryMessageBus) DeadLettersRecent(offset, max int) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return collectDeadLetterPage(b.state.deadLetters, offset, max)
}

// DeadLettersRecentForCorrelation pages dead letters for one correlation id
// newest-first. A blank correlation id yields an empty result.
func (b *InMemoryMessageBus) DeadLettersRecentForCorrelation(correlationID string, offset, max int) []DeadLetter {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return collectDeadLetterPage(b.state.deadLettersByCorrelation[correlationID], offset, max)
}

// ContextEntry returns a copy of one context entry if present.
func (b *InMemoryMessageBus) ContextEntry(key string) (SharedContextEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, present := b.state.context[key]
	if !present {
		return SharedContextEntry{}, false
	}
	return entry.Clone(), true
}

// DeadLetterCount returns the number of retained dead letters.
func (b *InMemoryMessageBus) DeadLetterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.deadLetters)
}

// DeadLetterCountForCorrelation returns the retained dead-letter count for
// one correlation id.
func (b *InMemoryMessageBus) DeadLetterCountForCorrelation(correlationID string) int {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.deadLettersByCorrelation[correlationID])
}

// DeadLetters returns a copy of every retained dead letter, oldest first.
func (b *InMemoryMessageBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, 0, len(b.state.deadLetters))
	for i := range b.state.deadLetters {
		out = append(out, b.state.deadLetters[i].Clone())
	}
	return out
}

// collectContextPageLocked walks a recency order newest-first, skipping
// offset keys and resolving each to its current entry.
func (s *busState) collectContextPageLocked(order []string, offset, max int) []ContextItem {
	take := pageSize(len(order), offset, max)
	out := make([]ContextItem, 0, take)
	start := len(order) - 1 - offset
	for i := start; i > start-take && i >= 0; i-- {
		key := order[i]
		if entry, present := s.context[key]; present {
			out = append(out, ContextItem{Key: key, Entry: entry.Clone()})
		}
	}
	return out
}

func collectDeadLetterPage(entries []DeadLetter, offset, max int) []DeadLetter {
	take := pageSize(len(entries), offset, max)
	out := make([]DeadLetter, 0, take)
	start := len(entries) - 1 - offset
	for i := start; i > start-take && i >= 0; i-- {
		out = append(out, entries[i].Clone())
	}
	return out
}

// pageSize computes how many entries a page yields: everything after offset
// when max is 0, otherwise min(max, available).
func pageSize(total, offset, max int) int {
	available := total - offset
	if available < 0 {
		available = 0
	}
	if max == 0 || max > available {
		return available
	}
	return max
}
