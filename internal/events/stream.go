package events

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"weighline/internal/domain"
)

// Publisher forwards committed events to notification consumers.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// StreamPublisher appends events to a Redis stream. Delivery is at-least-once;
// consumers dedupe on (ticket_id, new_status).
type StreamPublisher struct {
	Client redis.Cmdable
	Stream string
	MaxLen int64
}

func NewStreamPublisher(url, stream string) (*StreamPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &StreamPublisher{Client: redis.NewClient(opt), Stream: stream, MaxLen: 100000}, nil
}

// StreamArgs builds the XADD arguments for evt.
func (p *StreamPublisher) StreamArgs(evt domain.Event) *redis.XAddArgs {
	stream := p.Stream
	if stream == "" {
		stream = "weighline.ticket-events"
	}
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.MaxLen,
		Approx: p.MaxLen > 0,
		Values: []interface{}{
			"event_id", evt.ID,
			"type", evt.Type,
			"ticket_id", evt.TicketID,
			"ticket_number", evt.TicketNumber,
			"old_status", string(evt.OldStatus),
			"new_status", string(evt.NewStatus),
			"site_id", evt.SiteID,
			"timestamp", evt.TS,
		},
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, evt domain.Event) error {
	return p.Client.XAdd(ctx, p.StreamArgs(evt)).Err()
}

// Multi fans an event out to several publishers, logging failures and
// returning the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt domain.Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			slog.Warn("event publish failed", "event_id", evt.ID, "ticket", evt.TicketNumber, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
