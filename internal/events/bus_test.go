package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestEventBus(t *testing.T) {
	t.Run("Topic Subscription", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		ch := bus.Subscribe(TopicTask, 10)
		other := bus.Subscribe(TopicAgent, 10)

		ev := New(TopicTask, TypeTaskStarted)
		ev.TaskID = "task-1"
		bus.Publish(TopicTask, ev)

		got := receive(t, ch)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, TypeTaskStarted, got.Type)

		select {
		case <-other:
			t.Fatal("agent subscriber received a task event")
		default:
		}
	})

	t.Run("Subscribe All", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		all := bus.SubscribeAll(10)
		bus.Publish(TopicTask, New(TopicTask, TypeTaskCreated))
		bus.Publish(TopicProject, New(TopicProject, TypeProjectStarted))

		assert.Equal(t, TypeTaskCreated, receive(t, all).Type)
		assert.Equal(t, TypeProjectStarted, receive(t, all).Type)
	})

	t.Run("Topic Filled From Publish", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		ch := bus.Subscribe(TopicMessage, 1)
		bus.Publish(TopicMessage, Event{Type: TypeMessage})
		assert.Equal(t, TopicMessage, receive(t, ch).Topic)
	})

	t.Run("Full Subscriber Does Not Block", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		ch := bus.Subscribe(TopicTask, 1)
		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				bus.Publish(TopicTask, New(TopicTask, TypeTaskCreated))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}
		assert.Len(t, ch, 1)
	})

	t.Run("Unsubscribe Closes Channel", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		ch := bus.Subscribe(TopicTask, 1)
		bus.Unsubscribe(ch)
		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("Close Is Idempotent", func(t *testing.T) {
		bus := NewEventBus()
		ch := bus.SubscribeAll(1)
		bus.Close()
		bus.Close()

		_, ok := <-ch
		require.False(t, ok)

		late := bus.Subscribe(TopicTask, 1)
		_, ok = <-late
		assert.False(t, ok)
		bus.Publish(TopicTask, New(TopicTask, TypeTaskCreated))
	})
}
