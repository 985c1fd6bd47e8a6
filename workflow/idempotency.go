package workflow

import (
	"errors"
	"time"

	"github.com/hospitality/ledger_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

const idempotencyStaleAfter = 5 * time.Minute

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
// The insert is a no-op on conflict so the same code runs on MySQL and SQLite.
func BeginIdempotency(tx *gorm.DB, orgId, handlerName, eventId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		OrgId:       orgId,
		HandlerName: handlerName,
		EventId:     eventId,
		Status:      models.IdempotencyStatusStarted,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&key)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return false, nil
	}

	var existing models.IdempotencyKey
	if err := tx.Where("org_id = ? AND handler_name = ? AND event_id = ?", orgId, handlerName, eventId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another worker may hold it; a stale STARTED is taken over.
		if time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, restartIdempotency(tx, existing.ID)
}

func restartIdempotency(tx *gorm.DB, id int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, orgId, handlerName, eventId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("org_id = ? AND handler_name = ? AND event_id = ?", orgId, handlerName, eventId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}
