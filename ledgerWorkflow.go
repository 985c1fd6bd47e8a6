package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/hospitality/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the body Pub/Sub posts to a push endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"id"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// deliveryOutcome tells the transport what to do with a message.
type deliveryOutcome int

const (
	deliveryAck deliveryOutcome = iota
	deliveryRetry
)

// deliverEvent projects one delivered event. Invalid events and dead events are acked: the first
// can never succeed and the second is repaired by rebuilding its window from transactions.
func deliverEvent(ctx context.Context, engine *workflow.Engine, logger *logrus.Logger, ev models.LedgerEvent, source string) deliveryOutcome {
	ctx = utils.SetOrgIdInContext(ctx, ev.OrgId)
	fields := logrus.Fields{
		"field":       source,
		"event_id":    ev.EventId,
		"event_type":  ev.EventType,
		"org_id":      ev.OrgId,
		"property_id": ev.PropertyId,
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}

	result, err := engine.HandleDelivery(ctx, ev)
	switch {
	case err == nil:
		logger.WithFields(fields).WithFields(logrus.Fields{
			"duplicate": result.Duplicate,
			"stale":     result.Stale,
			"touched":   result.TouchedDates,
		}).Debug("ledger event projected")
		return deliveryAck
	case errors.Is(err, workflow.ErrInvalidEvent):
		config.LogError(logger, source, "deliverEvent", "invalid ledger event; dropping", fields, err)
		return deliveryAck
	case errors.Is(err, workflow.ErrEventDead):
		config.LogError(logger, source, "deliverEvent", "ledger event is dead", fields, err)
		rebuildOnDead(ctx, engine, logger, ev)
		return deliveryAck
	default:
		config.LogError(logger, source, "deliverEvent", "ledger event projection failed; retrying", fields, err)
		return deliveryRetry
	}
}

// correlationFor prefers the attribute set by the publisher and falls back to the transport message id.
func correlationFor(attrs map[string]string, messageId string) string {
	if cid := attrs[workflow.AttrCorrelationId]; cid != "" {
		return cid
	}
	return messageId
}

func (a *ledgerAPI) pubSubPushHandler(c *gin.Context) {
	var msg PubSubPushEnvelope
	logger := a.logger

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(logger, "ledgerWorkflow.go", "pubSubPushHandler", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	// byte slice unmarshalling handles base64 decoding.
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(logger, "ledgerWorkflow.go", "pubSubPushHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var ev models.LedgerEvent
	if err := json.Unmarshal(msg.Message.Data, &ev); err != nil {
		config.LogError(logger, "ledgerWorkflow.go", "pubSubPushHandler", "Unmarshal ledger event", string(msg.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}

	ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationFor(msg.Message.Attributes, msg.Message.ID))
	// Non-2xx tells Pub/Sub to redeliver.
	if deliverEvent(ctx, a.engine.Load(), logger, ev, "PubSubPush") == deliveryRetry {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

// RunLedgerWorkflow starts the pull subscriber in the background. It returns once the
// subscription exists; Receive runs until ctx ends.
func RunLedgerWorkflow(ctx context.Context, engine *workflow.Engine, logger *logrus.Logger) error {
	settings := engine.Settings()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.PubSubTopic)
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, settings.PubSubSubscription, topic)
	if err != nil {
		return err
	}
	// Per-property ordering comes from the projector's posting lock, not from the subscriber.
	sub.ReceiveSettings.MaxOutstandingMessages = settings.ConsumerConcurrency

	callback := func(ctx context.Context, msg *pubsub.Message) {
		var ev models.LedgerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			config.LogError(logger, "ledgerWorkflow.go", "RunLedgerWorkflow", "Unmarshal ledger event", string(msg.Data), err)
			msg.Ack()
			return
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationFor(msg.Attributes, msg.ID))
		if deliverEvent(ctx, engine, logger, ev, "PubSubPull") == deliveryRetry {
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "ledgerWorkflow.go", "RunLedgerWorkflow", "Failed to receive messages", settings.PubSubSubscription, err)
		}
	}()
	return nil
}
