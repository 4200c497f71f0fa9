package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

func TestAnswerWindow_SlidesOldSamplesOut(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := newAnswerWindow(time.Minute)
	w.now = func() time.Time { return now }

	w.Record(100 * time.Millisecond)
	now = now.Add(30 * time.Second)
	w.Record(300 * time.Millisecond)
	w.Fail()

	avg, peak, n, failed := w.Snapshot()
	assert.Equal(t, int64(200), avg)
	assert.Equal(t, int64(300), peak)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(1), failed)

	now = now.Add(45 * time.Second)
	avg, _, n, _ = w.Snapshot()
	assert.Equal(t, int64(300), avg)
	assert.Equal(t, int64(1), n)

	now = now.Add(time.Minute)
	avg, peak, n, failed = w.Snapshot()
	assert.Zero(t, avg)
	assert.Zero(t, peak)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), failed)
}

func TestGateway_StatsCountsAsks(t *testing.T) {
	g := newTestGateway(t, echoReply)
	_, err := g.Ask(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "hi"})
	require.NoError(t, err)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats["answeredLastMin"])
	assert.Equal(t, int64(0), stats["failedAsks"])
}
