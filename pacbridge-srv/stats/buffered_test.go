package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedCollectorWritesThroughStart(t *testing.T) {
	underlying := newRecordingCollector()
	bc := NewBufferedCollectorWithInterval(underlying, time.Hour)
	defer bc.Close()

	id, err := bc.StartSession(context.Background(), "127.0.0.1", "CONNECT", "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []string{"start"}, underlying.snapshot())
}

func TestBufferedCollectorCoalescesTransfers(t *testing.T) {
	underlying := newRecordingCollector()
	bc := NewBufferedCollectorWithInterval(underlying, time.Hour)
	defer bc.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, bc.RecordDataTransfer(ctx, 7, 10, 20))
	}
	assert.Empty(t, underlying.snapshot())

	bc.ForceFlush()

	assert.Equal(t, []string{"transfer"}, underlying.snapshot())
	assert.Equal(t, [2]int64{50, 100}, underlying.transfers[7])
}

func TestBufferedCollectorFlushOrder(t *testing.T) {
	underlying := newRecordingCollector()
	bc := NewBufferedCollectorWithInterval(underlying, time.Hour)
	defer bc.Close()
	ctx := context.Background()

	require.NoError(t, bc.EndSession(ctx, 1, 300, 400, time.Second, "eof"))
	require.NoError(t, bc.RecordError(ctx, 1, "E9007", "relay failed"))
	require.NoError(t, bc.RecordDataTransfer(ctx, 1, 10, 10))
	require.NoError(t, bc.RecordDecision(ctx, 1, "DIRECT", "", "pac", false))

	bc.ForceFlush()

	assert.Equal(t, []string{"decision", "transfer", "error", "end"}, underlying.snapshot())
	assert.Equal(t, [2]int64{300, 400}, underlying.ends[1])

	// nothing left to write
	bc.ForceFlush()
	assert.Len(t, underlying.snapshot(), 4)
}

func TestBufferedCollectorFlushesOnInterval(t *testing.T) {
	underlying := newRecordingCollector()
	bc := NewBufferedCollectorWithInterval(underlying, 20*time.Millisecond)
	defer bc.Close()

	require.NoError(t, bc.RecordDecision(context.Background(), 1, "DIRECT", "", "static", false))

	assert.Eventually(t, func() bool {
		return len(underlying.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBufferedCollectorCloseFlushes(t *testing.T) {
	underlying := newRecordingCollector()
	bc := NewBufferedCollectorWithInterval(underlying, time.Hour)

	require.NoError(t, bc.EndSession(context.Background(), 3, 1, 2, time.Millisecond, "client closed"))
	require.NoError(t, bc.Close())
	require.NoError(t, bc.Close())

	assert.Equal(t, []string{"end"}, underlying.snapshot())
	assert.True(t, underlying.closed)
}
