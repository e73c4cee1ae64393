package natsbus

import (
	"fmt"

	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

// EventSink publishes finalized events as JSON on the operation's events
// topic, where the web hub and any external consumer pick them up.
type EventSink struct {
	client *Client
	topic  string
}

func NewEventSink(client *Client, opID string) *EventSink {
	return &EventSink{client: client, topic: TopicEventsOperation(opID)}
}

func (s *EventSink) Write(e protocol.Event) error {
	data, err := protocol.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Publish(s.topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending publishes. The client is shared and stays open.
func (s *EventSink) Close() error {
	return s.client.Flush()
}
