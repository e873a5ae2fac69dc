package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/bus"
	"coordinator/pkg/eventlog"
	"coordinator/pkg/persistence"
	"coordinator/pkg/proto"
)

func newTestSinks(t *testing.T) (*eventlog.Writer, *persistence.Archive) {
	t.Helper()

	writer, err := eventlog.NewWriter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	archive, err := persistence.Open(filepath.Join(t.TempDir(), "deadletters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	return writer, archive
}

// deadLetterViaUnknownTarget publishes a direct task to an unregistered agent
// so the bus dead-letters it.
func deadLetterViaUnknownTarget(t *testing.T, b *bus.InMemoryMessageBus, id string) {
	t.Helper()

	envelope := proto.NewDirect("delegate-lead", "ghost", "conv-1", "delegation",
		proto.NewDelegateTaskPayload("task-1", "summarize findings", nil))
	envelope.ID = id
	envelope.CorrelationID = "corr-a"

	_, err := b.Publish(envelope)
	var unknownTarget *proto.UnknownTargetError
	require.ErrorAs(t, err, &unknownTarget)
}

func TestFlushArchivesNewDeadLetters(t *testing.T) {
	b := bus.New()
	writer, archive := newTestSinks(t)
	archiver := NewArchiver(b, writer, archive, time.Minute)

	deadLetterViaUnknownTarget(t, b, "msg-1")
	deadLetterViaUnknownTarget(t, b, "msg-2")

	require.NoError(t, archiver.Flush())

	records, err := eventlog.ReadRecords(writer.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Oldest first in the log.
	assert.Equal(t, "msg-1", records[0].MessageID)
	assert.Equal(t, "msg-2", records[1].MessageID)
	assert.Equal(t, "delegate_task", records[0].PayloadKind)
	assert.Contains(t, records[0].Reason, "unknown target")

	count, err := archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A second flush with no new dead letters is a no-op.
	require.NoError(t, archiver.Flush())
	count, err = archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFlushArchivesOnlyTheDelta(t *testing.T) {
	b := bus.New()
	writer, archive := newTestSinks(t)
	archiver := NewArchiver(b, writer, archive, time.Minute)

	deadLetterViaUnknownTarget(t, b, "msg-1")
	require.NoError(t, archiver.Flush())

	deadLetterViaUnknownTarget(t, b, "msg-2")
	deadLetterViaUnknownTarget(t, b, "msg-3")
	require.NoError(t, archiver.Flush())

	rows, err := archive.RecentDeadLetters(0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "msg-3", rows[0].MessageID)
	assert.Equal(t, "msg-1", rows[2].MessageID)
}

func TestFlushFilteredArchiveQueries(t *testing.T) {
	b := bus.New()
	writer, archive := newTestSinks(t)
	archiver := NewArchiver(b, writer, archive, time.Minute)

	for i := 1; i <= 3; i++ {
		deadLetterViaUnknownTarget(t, b, fmt.Sprintf("msg-%d", i))
	}
	require.NoError(t, archiver.Flush())

	count, err := archive.CountForCorrelation("corr-a")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = archive.CountForCorrelation("corr-z")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFlushWithNilSinks(t *testing.T) {
	b := bus.New()
	archiver := NewArchiver(b, nil, nil, time.Minute)

	deadLetterViaUnknownTarget(t, b, "msg-1")
	require.NoError(t, archiver.Flush())
}

func TestRunFlushesOnShutdown(t *testing.T) {
	b := bus.New()
	writer, archive := newTestSinks(t)
	archiver := NewArchiver(b, writer, archive, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		archiver.Run(ctx)
		close(done)
	}()

	deadLetterViaUnknownTarget(t, b, "msg-1")

	// The interval is far in the future; shutdown must flush anyway.
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not stop after cancellation")
	}

	count, err := archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
