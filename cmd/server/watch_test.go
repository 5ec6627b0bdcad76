package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/service"
	"github.com/ethank2222/TriniTeam/internal/testutil"
)

// lockedBuffer is written from the NATS callback goroutine
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchEvents(t *testing.T) {
	js := testutil.StartJetStream(t)
	publisher, err := service.NewEventPublisher(js, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- watchEvents(ctx, js, service.Subject(events.TypeTaskCompleted), out, zap.NewNop())
	}()

	// only events published after the subscription is in place are delivered
	assert.Eventually(t, func() bool {
		completed := events.New(events.TopicTask, events.TypeTaskCompleted)
		completed.TaskID = "task-7"
		publisher.Publish(events.TopicTask, completed)
		publisher.Publish(events.TopicTask, events.New(events.TopicTask, events.TypeTaskStarted))
		return strings.Contains(out.String(), `"task_id":"task-7"`)
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}

	assert.NotContains(t, out.String(), events.TypeTaskStarted)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		assert.Contains(t, line, events.TypeTaskCompleted)
	}
}
