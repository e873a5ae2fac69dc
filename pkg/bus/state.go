package bus

import (
	"strings"

	"coordinator/pkg/proto"
)

// busState holds every bus structure behind the single mutex. All helpers in
// this file assume the caller holds the lock; none of them perform I/O or
// call out of the package.
type busState struct {
	nextSequence     uint64
	seenMessageIDs   map[string]struct{}
	seenMessageOrder []string

	inboxByAgent           map[string][]SequencedEnvelope
	inboxCorrelationCounts map[string]map[string]int

	deadLetters              []DeadLetter
	deadLettersByCorrelation map[string][]DeadLetter

	context                           map[string]SharedContextEntry
	contextOrder                      []string
	delegateContextOrder              []string
	contextOrderByCorrelation         map[string][]string
	delegateContextOrderByCorrelation map[string][]string
	contextCorrelationByKey           map[string]string

	limits Limits
	stats  Stats
}

func newBusState(limits Limits) *busState {
	return &busState{
		seenMessageIDs:                    make(map[string]struct{}),
		inboxByAgent:                      make(map[string][]SequencedEnvelope),
		inboxCorrelationCounts:            make(map[string]map[string]int),
		deadLettersByCorrelation:          make(map[string][]DeadLetter),
		context:                           make(map[string]SharedContextEntry),
		contextOrderByCorrelation:         make(map[string][]string),
		delegateContextOrderByCorrelation: make(map[string][]string),
		contextCorrelationByKey:           make(map[string]string),
		limits:                            limits.normalized(),
	}
}

// pushInboxEntryLocked appends an entry to the agent's inbox, evicting the
// oldest entry first when the inbox is at capacity. The evicted envelope is
// returned so the caller can dead-letter it; correlation counts are adjusted
// for both the drop and the insert.
func (s *busState) pushInboxEntryLocked(agent string, entry SequencedEnvelope) (proto.CoordinationEnvelope, bool) {
	inbox := s.inboxByAgent[agent]
	counts := s.inboxCorrelationCounts[agent]
	if counts == nil {
		counts = make(map[string]int)
		s.inboxCorrelationCounts[agent] = counts
	}

	var dropped proto.CoordinationEnvelope
	haveDropped := false
	if len(inbox) >= s.limits.MaxInboxMessagesPerAgent {
		oldest := inbox[0]
		inbox = inbox[1:]
		decrementCorrelationCount(counts, &oldest.Envelope)
		dropped = oldest.Envelope
		haveDropped = true
	}

	incrementCorrelationCount(counts, &entry.Envelope)
	s.inboxByAgent[agent] = append(inbox, entry)
	return dropped, haveDropped
}

func incrementCorrelationCount(counts map[string]int, envelope *proto.CoordinationEnvelope) {
	if correlationID, ok := normalizedNonEmpty(envelope.CorrelationID); ok {
		counts[correlationID]++
	}
}

func decrementCorrelationCount(counts map[string]int, envelope *proto.CoordinationEnvelope) {
	correlationID, ok := normalizedNonEmpty(envelope.CorrelationID)
	if !ok {
		return
	}
	if count, present := counts[correlationID]; present {
		if count <= 1 {
			delete(counts, correlationID)
		} else {
			counts[correlationID] = count - 1
		}
	}
}

// pushDeadLetterLocked records a dead letter, evicting the oldest entry (and
// its correlation sub-index slot) when retention is full. DeadLettersTotal
// counts every recorded entry, evicted or not.
func (s *busState) pushDeadLetterLocked(envelope proto.CoordinationEnvelope, reason string) {
	s.stats.DeadLettersTotal++
	if len(s.deadLetters) >= s.limits.MaxDeadLetters {
		s.stats.DeadLetterEvictionsTotal++
		evicted := s.deadLetters[0]
		if correlationID, ok := normalizedNonEmpty(evicted.Envelope.CorrelationID); ok {
			if entries, present := s.deadLettersByCorrelation[correlationID]; present {
				if len(entries) > 0 {
					entries = entries[1:]
				}
				if len(entries) == 0 {
					delete(s.deadLettersByCorrelation, correlationID)
				} else {
					s.deadLettersByCorrelation[correlationID] = entries
				}
			}
		}
		s.deadLetters = s.deadLetters[1:]
	}

	deadLetter := DeadLetter{Envelope: envelope.Clone(), Reason: reason}
	if correlationID, ok := normalizedNonEmpty(deadLetter.Envelope.CorrelationID); ok {
		s.deadLettersByCorrelation[correlationID] = append(
			s.deadLettersByCorrelation[correlationID], deadLetter.Clone())
	}
	s.deadLetters = append(s.deadLetters, deadLetter)
}

// applyContextPatchLocked enforces the delegate-namespace contract and the
// optimistic version check, then writes the entry and updates all four
// recency index families atomically. Eviction applies only when the patch
// introduces a new key.
func (s *busState) applyContextPatchLocked(envelope *proto.CoordinationEnvelope, patch *proto.ContextPatch) error {
	key := patch.Key
	keyIsDelegate := strings.HasPrefix(key, "delegate/")
	if keyIsDelegate {
		parsed, ok := parseDelegateContextCorrelationFromKey(key)
		if !ok {
			return &proto.InvalidDelegateContextKeyError{Key: key, MessageID: envelope.ID}
		}
		envelopeCorrelation, ok := normalizedNonEmpty(envelope.CorrelationID)
		if !ok {
			return &proto.MissingDelegateContextCorrelationError{Key: key, MessageID: envelope.ID}
		}
		if parsed != envelopeCorrelation {
			return &proto.DelegateContextCorrelationMismatchError{
				Key:                   key,
				MessageID:             envelope.ID,
				KeyCorrelationID:      parsed,
				EnvelopeCorrelationID: envelopeCorrelation,
			}
		}
	}

	currentVersion := uint64(0)
	if entry, present := s.context[key]; present {
		currentVersion = entry.Version
	}
	if currentVersion != patch.ExpectedVersion {
		return &proto.ContextVersionMismatchError{
			Key:      key,
			Expected: patch.ExpectedVersion,
			Actual:   currentVersion,
		}
	}

	previousCorrelation, hadPreviousCorrelation := s.contextCorrelationByKey[key]
	_, isExistingKey := s.context[key]
	if !isExistingKey && len(s.context) >= s.limits.MaxContextEntries {
		if len(s.contextOrder) > 0 {
			evictedKey := s.contextOrder[0]
			s.contextOrder = s.contextOrder[1:]
			if _, present := s.context[evictedKey]; present {
				delete(s.context, evictedKey)
				s.stats.ContextEvictionsTotal++
			}
			evictedCorrelation, hadEvictedCorrelation := s.contextCorrelationByKey[evictedKey]
			delete(s.contextCorrelationByKey, evictedKey)
			if hadEvictedCorrelation {
				s.removeKeyFromContextCorrelationOrderLocked(evictedCorrelation, evictedKey)
			}
			if strings.HasPrefix(evictedKey, "delegate/") {
				s.removeKeyFromDelegateContextOrderLocked(evictedKey, evictedCorrelation, hadEvictedCorrelation)
			}
		}
	}

	if isExistingKey {
		s.contextOrder = removeString(s.contextOrder, key)
	}
	s.contextOrder = append(s.contextOrder, key)

	if hadPreviousCorrelation {
		s.removeKeyFromContextCorrelationOrderLocked(previousCorrelation, key)
	}
	if keyIsDelegate {
		s.removeKeyFromDelegateContextOrderLocked(key, previousCorrelation, hadPreviousCorrelation)
		s.delegateContextOrder = append(s.delegateContextOrder, key)
	}
	if correlationID, ok := normalizedNonEmpty(envelope.CorrelationID); ok {
		s.contextOrderByCorrelation[correlationID] = append(s.contextOrderByCorrelation[correlationID], key)
		if keyIsDelegate {
			s.delegateContextOrderByCorrelation[correlationID] = append(
				s.delegateContextOrderByCorrelation[correlationID], key)
		}
		s.contextCorrelationByKey[key] = correlationID
	} else {
		delete(s.contextCorrelationByKey, key)
	}

	value := make([]byte, len(patch.Value))
	copy(value, patch.Value)
	s.context[key] = SharedContextEntry{
		Key:           key,
		Value:         value,
		Version:       currentVersion + 1,
		UpdatedBy:     envelope.From,
		LastMessageID: envelope.ID,
	}

	return nil
}

func (s *busState) removeKeyFromContextCorrelationOrderLocked(correlationID, key string) {
	order, present := s.contextOrderByCorrelation[correlationID]
	if !present {
		return
	}
	order = removeString(order, key)
	if len(order) == 0 {
		delete(s.contextOrderByCorrelation, correlationID)
	} else {
		s.contextOrderByCorrelation[correlationID] = order
	}
}

func (s *busState) removeKeyFromDelegateContextOrderLocked(key, correlationID string, haveCorrelation bool) {
	s.delegateContextOrder = removeString(s.delegateContextOrder, key)
	if !haveCorrelation {
		return
	}
	order, present := s.delegateContextOrderByCorrelation[correlationID]
	if !present {
		return
	}
	order = removeString(order, key)
	if len(order) == 0 {
		delete(s.delegateContextOrderByCorrelation, correlationID)
	} else {
		s.delegateContextOrderByCorrelation[correlationID] = order
	}
}

// removeString removes the first occurrence of value, preserving order.
func removeString(order []string, value string) []string {
	for i, existing := range order {
		if existing == value {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}

func normalizedNonEmpty(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	return trimmed, trimmed != ""
}

// parseDelegateContextCorrelationFromKey extracts the correlation segment
// from delegate/<correlation>/<tail>. At least one non-empty trailing
// segment is required, e.g. delegate/<corr>/state.
func parseDelegateContextCorrelationFromKey(key string) (string, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] != "delegate" {
		return "", false
	}
	correlation := strings.TrimSpace(parts[1])
	if correlation == "" {
		return "", false
	}
	tail := strings.TrimSpace(parts[2])
	if tail == "" {
		return "", false
	}
	return correlation, true
}
