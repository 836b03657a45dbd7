package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-audiobook/internal/events"
)

// EventPublisher mirrors job events to <prefix>.<job id>.
type EventPublisher struct {
	client *Client
	prefix string
}

func NewEventPublisher(client *Client, prefix string) *EventPublisher {
	return &EventPublisher{client: client, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events of jobID are published on.
func (p *EventPublisher) Subject(jobID string) string {
	return p.prefix + "." + subjectToken(jobID)
}

func (p *EventPublisher) PublishEvent(ctx context.Context, evt events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.conn.Publish(p.Subject(evt.JobID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// subjectToken maps a job id onto a single NATS subject token.
func subjectToken(id string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
	if token == "" {
		return "job"
	}
	return token
}
