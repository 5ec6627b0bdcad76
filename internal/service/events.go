// Package service forwards session events to NATS JetStream so other
// processes can follow a project.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
)

const (
	// StreamName is the JetStream stream holding session events
	StreamName = "TRINITEAM"

	// SubjectPrefix prefixes every event subject
	SubjectPrefix = "triniteam"

	streamMaxAge = 24 * time.Hour
)

// Subject returns the subject an event type is published on
func Subject(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// EventPublisher publishes events to JetStream. It satisfies
// events.Publisher so the scheduler can use it directly, and can also drain
// a bus subscription.
type EventPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewEventPublisher creates the publisher and makes sure the stream exists
func NewEventPublisher(js nats.JetStreamContext, logger *zap.Logger) (*EventPublisher, error) {
	p := &EventPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
	}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EventPublisher) ensureStream() error {
	_, err := p.js.StreamInfo(StreamName)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", StreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("name", StreamName))
	return nil
}

// Publish sends one event. Failures are logged; publishing never blocks
// the caller on an error path.
func (p *EventPublisher) Publish(_ string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("type", event.Type),
			zap.Error(err))
		return
	}

	if _, err := p.js.Publish(Subject(event.Type), data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("type", event.Type),
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return
	}
	p.logger.Debug("Event published", zap.String("type", event.Type))
}

// Forward publishes every event received on ch until ctx is done or ch is
// closed
func (p *EventPublisher) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(event.Topic, event)
		}
	}
}

// Subscribe delivers events on subject to handler until ctx is done.
// Subjects may use NATS wildcards, e.g. "triniteam.task.>".
func (p *EventPublisher) Subscribe(ctx context.Context, subject string, handler func(events.Event)) error {
	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			_ = msg.Term()
			return
		}

		handler(event)
		_ = msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}
