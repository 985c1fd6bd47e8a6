package models

import (
	"encoding/json"
	"time"
)

// LedgerEventRecord is the durable event log row. It doubles as the outbox: the dispatcher
// publishes PENDING rows after the writer's transaction commits, and the projector side marks
// them processed.
type LedgerEventRecord struct {
	ID          int        `gorm:"primary_key;index:idx_ledger_dispatch,priority:3" json:"id"`
	EventId     string     `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	OrgId       string     `gorm:"size:64;not null;index:idx_ledger_org_prop,priority:1" json:"org_id"`
	PropertyId  string     `gorm:"size:64;not null;index:idx_ledger_org_prop,priority:2" json:"property_id"`
	EventType   EventType  `gorm:"size:32;not null" json:"event_type"`
	EntityType  EntityType `gorm:"size:16;not null;index:idx_ledger_entity,priority:1" json:"entity_type"`
	EntityId    string     `gorm:"size:64;not null;index:idx_ledger_entity,priority:2" json:"entity_id"`
	ActorUserId string     `gorm:"size:64;not null" json:"actor_user_id"`
	OccurredAt  time.Time  `gorm:"not null;index" json:"occurred_at"`
	Payload     []byte     `gorm:"type:blob" json:"payload"`

	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_ledger_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_ledger_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	IsProcessed          bool       `gorm:"not null;index" json:"is_processed"`
	ProcessingStatus     string     `gorm:"size:20;not null;default:'PENDING';index" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessLockedAt      *time.Time `gorm:"index" json:"process_locked_at"`
	ProcessLockedBy      *string    `gorm:"size:100" json:"process_locked_by"`
	ProcessedAt          *time.Time `json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewLedgerEventRecord(ev LedgerEvent, correlationId string) (LedgerEventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return LedgerEventRecord{}, err
	}
	return LedgerEventRecord{
		EventId:          ev.EventId,
		OrgId:            ev.OrgId,
		PropertyId:       ev.PropertyId,
		EventType:        ev.EventType,
		EntityType:       ev.EntityType,
		EntityId:         ev.EntityId,
		ActorUserId:      ev.ActorUserId,
		OccurredAt:       ev.OccurredAt,
		Payload:          payload,
		PublishStatus:    OutboxPublishStatusPending,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationId,
	}, nil
}

// Event decodes the stored payload back into the event it was written from.
func (r LedgerEventRecord) Event() (LedgerEvent, error) {
	var ev LedgerEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return LedgerEvent{}, err
	}
	return ev, nil
}
