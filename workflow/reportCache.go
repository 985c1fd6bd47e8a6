package workflow

import (
	"context"
	"time"

	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReportCacheStore is the relational cache tier (report_cache_entries). It is separate from
// daily_balances: deleting an entry never touches the projection.
type ReportCacheStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewReportCacheStore(db *gorm.DB) *ReportCacheStore {
	return &ReportCacheStore{db: db, now: time.Now}
}

// Get returns the payload for one entry. Expired entries read as absent.
func (s *ReportCacheStore) Get(ctx context.Context, kind models.CacheKind, orgId, propertyId, date string) ([]byte, bool, error) {
	var entry models.ReportCacheEntry
	res := s.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date = ? AND kind = ?", orgId, scopeProperty(propertyId), date, kind).
		Where("expires_at_ms > ?", s.now().UnixMilli()).
		Limit(1).Find(&entry)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

func (s *ReportCacheStore) Put(ctx context.Context, kind models.CacheKind, orgId, propertyId, date string, payload []byte, ttl time.Duration) error {
	entry := models.ReportCacheEntry{
		OrgId:       orgId,
		PropertyId:  scopeProperty(propertyId),
		BalanceDate: date,
		Kind:        kind,
		Payload:     payload,
		ExpiresAtMs: s.now().Add(ttl).UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "property_id"}, {Name: "balance_date"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at_ms", "updated_at"}),
	}).Create(&entry).Error
}

// DeleteDates removes every kind for the given dates, plus the org-wide entries for them.
func (s *ReportCacheStore) DeleteDates(ctx context.Context, orgId, propertyId string, dates []string) (int64, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("org_id = ? AND property_id IN ? AND balance_date IN ?", orgId, []string{scopeProperty(propertyId), utils.OrgWideProperty}, dates).
		Delete(&models.ReportCacheEntry{})
	return res.RowsAffected, res.Error
}

// DatesWithEntries lists dates in [from, to] that hold any entry for the property, expired or not.
func (s *ReportCacheStore) DatesWithEntries(ctx context.Context, orgId, propertyId, from, to string) ([]string, error) {
	var dates []string
	err := s.db.WithContext(ctx).Model(&models.ReportCacheEntry{}).
		Where("org_id = ? AND property_id = ? AND balance_date >= ? AND balance_date <= ?", orgId, scopeProperty(propertyId), from, to).
		Distinct().
		Order("balance_date").
		Pluck("balance_date", &dates).Error
	return dates, err
}

// PropertiesWithEntries lists properties with entries in [from, to], excluding org-wide rows.
func (s *ReportCacheStore) PropertiesWithEntries(ctx context.Context, orgId, from, to string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ReportCacheEntry{}).
		Where("org_id = ? AND property_id <> ? AND balance_date >= ? AND balance_date <= ?", orgId, utils.OrgWideProperty, from, to).
		Distinct().
		Pluck("property_id", &ids).Error
	return ids, err
}

func scopeProperty(propertyId string) string {
	if propertyId == "" {
		return utils.OrgWideProperty
	}
	return propertyId
}
