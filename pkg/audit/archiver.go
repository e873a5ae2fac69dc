// Package audit connects the message bus to durable dead-letter storage. The
// bus never pushes; the archiver polls the stats counters on a ticker and
// drains newly dead-lettered messages into the JSONL event log and the SQLite
// archive.
package audit

import (
	"context"
	"sync"
	"time"

	"coordinator/pkg/bus"
	"coordinator/pkg/eventlog"
	"coordinator/pkg/logx"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 5 * time.Second

// Archiver polls the bus for new dead letters. Either sink may be nil; a
// fully nil archiver is a no-op.
type Archiver struct {
	bus      *bus.InMemoryMessageBus
	writer   *eventlog.Writer
	archive  DeadLetterArchiver
	interval time.Duration
	logger   *logx.Logger

	mu        sync.Mutex
	lastTotal uint64
}

// DeadLetterArchiver is the durable sink interface. persistence.Archive
// implements it.
type DeadLetterArchiver interface {
	ArchiveDeadLetter(deadLetter *bus.DeadLetter, archivedAt time.Time) error
}

// NewArchiver creates an archiver over a bus handle. interval <= 0 falls back
// to DefaultInterval.
func NewArchiver(b *bus.InMemoryMessageBus, writer *eventlog.Writer, archive DeadLetterArchiver, interval time.Duration) *Archiver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Archiver{
		bus:      b,
		writer:   writer,
		archive:  archive,
		interval: interval,
		logger:   logx.NewLogger("audit"),
	}
}

// Run polls until the context is cancelled. A final flush runs on shutdown so
// dead letters between the last tick and cancellation are not lost.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("archiver started (interval %s)", a.interval)

	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(); err != nil {
				a.logger.Error("final flush failed: %v", err)
			}
			a.logger.Info("archiver stopped")
			return
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				a.logger.Error("flush failed: %v", err)
			}
		}
	}
}

// Flush archives every dead letter recorded since the previous flush. New
// arrivals are detected through the monotone dead_letters_total counter; the
// retained window is then read newest first and replayed oldest first into
// the sinks.
func (a *Archiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.bus.Stats().DeadLettersTotal
	if total == a.lastTotal {
		return nil
	}
	delta := int(total - a.lastTotal)

	page := a.bus.DeadLettersRecent(0, delta)
	if len(page) < delta {
		// The retention window evicted entries before this poll saw them.
		a.logger.Warn("%d dead letters evicted before archiving", delta-len(page))
	}

	var firstErr error
	archivedAt := time.Now().UTC()
	// Newest first from the bus; archive oldest first.
	for i := len(page) - 1; i >= 0; i-- {
		entry := page[i]
		if err := a.writeRecord(&entry, archivedAt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	a.lastTotal = total
	a.logger.Debug("archived %d dead letters", len(page))
	return nil
}

func (a *Archiver) writeRecord(entry *bus.DeadLetter, archivedAt time.Time) error {
	if a.writer != nil {
		record := &eventlog.Record{
			Timestamp:      archivedAt,
			MessageID:      entry.Envelope.ID,
			ConversationID: entry.Envelope.ConversationID,
			From:           entry.Envelope.From,
			To:             entry.Envelope.To,
			Topic:          entry.Envelope.Topic,
			CorrelationID:  entry.Envelope.CorrelationID,
			PayloadKind:    string(entry.Envelope.Payload.Kind),
			Reason:         entry.Reason,
		}
		if err := a.writer.WriteRecord(record); err != nil {
			return logx.Wrap(err, "event log write failed")
		}
	}
	if a.archive != nil {
		if err := a.archive.ArchiveDeadLetter(entry, archivedAt); err != nil {
			return logx.Wrap(err, "archive write failed")
		}
	}
	return nil
}
