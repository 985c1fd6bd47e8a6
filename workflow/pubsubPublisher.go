package workflow

import (
	"context"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/models"
)

// EventPublisher hands one stored event to the delivery transport and returns the transport's message id.
type EventPublisher interface {
	Publish(ctx context.Context, rec models.LedgerEventRecord) (string, error)
}

// Message attributes set on every published ledger event.
const (
	AttrEventId       = "event_id"
	AttrEventType     = "event_type"
	AttrOrgId         = "org_id"
	AttrPropertyId    = "property_id"
	AttrCorrelationId = "correlation_id"
)

// PubSubPublisher publishes the stored JSON payload to a Google Pub/Sub topic.
type PubSubPublisher struct {
	topic   string
	publish func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

func NewPubSubPublisher(topic string) *PubSubPublisher {
	return &PubSubPublisher{topic: topic, publish: config.PublishWithResult}
}

func (p *PubSubPublisher) Publish(ctx context.Context, rec models.LedgerEventRecord) (string, error) {
	return p.publish(ctx, p.topic, rec.Payload, map[string]string{
		AttrEventId:       rec.EventId,
		AttrEventType:     string(rec.EventType),
		AttrOrgId:         rec.OrgId,
		AttrPropertyId:    rec.PropertyId,
		AttrCorrelationId: rec.CorrelationId,
	})
}
