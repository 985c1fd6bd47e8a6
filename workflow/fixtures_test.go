package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hospitality/ledger_backend/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testOrg  = "org-1"
	testProp = "prop-1"
)

// eventBase is the occurred_at origin for test events; event n occurs n minutes after it.
var eventBase = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// newTestDB opens a file-backed sqlite database with every engine table migrated. One connection
// keeps sqlite from returning SQLITE_BUSY under concurrent writers.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// newTestProjector's clock sits before every test event, so back-computed openings never
// claim to hold history the store has not seen yet.
func newTestProjector(db *gorm.DB) *BalanceProjector {
	p := NewBalanceProjector(db, NewGormTransactionReader(db), NewMemoryLocker(), 0, quietLogger(), nil)
	p.now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

type txSeed struct {
	entity  models.EntityType
	id      string
	date    string
	cents   int64
	mode    models.PaymentMode
	status  models.TransactionStatus
	creator string
}

func seedTransactions(t *testing.T, db *gorm.DB, seeds ...txSeed) {
	t.Helper()
	for _, s := range seeds {
		creator := s.creator
		if creator == "" {
			creator = "user-1"
		}
		var err error
		switch s.entity {
		case models.EntityTypeRevenue:
			err = db.Create(&models.Revenue{
				ID: s.id, OrgId: testOrg, PropertyId: testProp, TransactionDate: s.date, AmountCents: s.cents,
				Currency: "INR", PaymentMode: s.mode, Status: s.status, CreatedByUserId: creator,
			}).Error
		case models.EntityTypeExpense:
			err = db.Create(&models.Expense{
				ID: s.id, OrgId: testOrg, PropertyId: testProp, TransactionDate: s.date, AmountCents: s.cents,
				Currency: "INR", PaymentMode: s.mode, Status: s.status, CreatedByUserId: creator,
			}).Error
		}
		require.NoError(t, err)
	}
}

func approved(entity models.EntityType, id, date string, cents int64, mode models.PaymentMode) txSeed {
	return txSeed{entity: entity, id: id, date: date, cents: cents, mode: mode, status: models.TransactionStatusApproved}
}

func newEvent(entity models.EntityType, entityId string, minute int, meta models.EventMetadata) models.LedgerEvent {
	return models.LedgerEvent{
		EventId:     fmt.Sprintf("%s-%s-%d", entityId, meta.Action(), minute),
		EventType:   models.MakeEventType(entity, meta.Action()),
		OrgId:       testOrg,
		PropertyId:  testProp,
		ActorUserId: "admin-1",
		EntityId:    entityId,
		EntityType:  entity,
		OccurredAt:  eventBase.Add(time.Duration(minute) * time.Minute),
		Metadata:    meta,
	}
}

func approvedEvent(entity models.EntityType, id, date string, cents int64, mode models.PaymentMode, minute int) models.LedgerEvent {
	return newEvent(entity, id, minute, models.ApprovedMetadata{
		AmountCents: cents, Currency: "INR", PaymentMode: mode, TransactionDate: date, CreatorUserId: "user-1",
	})
}

func addedEvent(entity models.EntityType, id, date string, cents int64, mode models.PaymentMode, status models.TransactionStatus, minute int) models.LedgerEvent {
	return newEvent(entity, id, minute, models.AddedMetadata{
		AmountCents: cents, Currency: "INR", PaymentMode: mode, TransactionDate: date, Status: status,
	})
}

func rejectedEvent(entity models.EntityType, id, date string, cents int64, mode models.PaymentMode, minute int) models.LedgerEvent {
	return newEvent(entity, id, minute, models.RejectedMetadata{
		AmountCents: cents, PaymentMode: mode, TransactionDate: date, PreviousStatus: models.TransactionStatusApproved,
	})
}

func deletedEvent(entity models.EntityType, id, date string, cents int64, mode models.PaymentMode, minute int) models.LedgerEvent {
	return newEvent(entity, id, minute, models.DeletedMetadata{
		AmountCents: cents, PaymentMode: mode, TransactionDate: date, PreviousStatus: models.TransactionStatusApproved,
	})
}

// updatedEvent moves an entity from (prevDate, prevCents, prevMode) to (date, cents, mode).
func updatedEvent(entity models.EntityType, id string, prevDate string, prevCents int64, prevMode models.PaymentMode,
	date string, cents int64, mode models.PaymentMode, status models.TransactionStatus, minute int) models.LedgerEvent {
	return newEvent(entity, id, minute, models.UpdatedMetadata{
		AmountCents: cents, Currency: "INR", PaymentMode: mode, TransactionDate: date, Status: status,
		PreviousAmountCents: prevCents, PreviousPaymentMode: prevMode, PreviousTransactionDate: prevDate,
	})
}

func loadRow(t *testing.T, db *gorm.DB, date string) (models.DailyBalance, bool) {
	t.Helper()
	var row models.DailyBalance
	res := db.Where("org_id = ? AND property_id = ? AND balance_date = ?", testOrg, testProp, date).Limit(1).Find(&row)
	require.NoError(t, res.Error)
	return row, res.RowsAffected > 0
}

func loadRows(t *testing.T, db *gorm.DB) []models.DailyBalance {
	t.Helper()
	var rows []models.DailyBalance
	require.NoError(t, db.Where("org_id = ? AND property_id = ?", testOrg, testProp).Order("balance_date").Find(&rows).Error)
	return rows
}

// fakeCache is an in-memory DistributedCache. failDelete makes every Delete fail.
type fakeCache struct {
	mu         sync.Mutex
	data       map[string][]byte
	deleted    []string
	failDelete error
	failGet    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return nil, c.failGet
	}
	v, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDelete != nil {
		return c.failDelete
	}
	for _, k := range keys {
		delete(c.data, k)
		c.deleted = append(c.deleted, k)
	}
	return nil
}

func (c *fakeCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *fakeCache) has(key string) bool {
	ok, _ := c.Exists(context.Background(), key)
	return ok
}

// deletedDates lists the distinct dates whose keys were deleted, sorted.
func (c *fakeCache) deletedDates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	for _, k := range c.deleted {
		seen[k[strings.LastIndex(k, ":")+1:]] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// erroringReader fails the named reads and delegates the rest. It embeds the interface, not a
// concrete reader, so the projector cannot rebind it to its transaction.
type erroringReader struct {
	TransactionReader
	pendingErr error
	totalsErr  error
	version    int
}

func (r erroringReader) ContractVersion() int {
	if r.version != 0 {
		return r.version
	}
	return r.TransactionReader.ContractVersion()
}

func (r erroringReader) PendingCountsBefore(ctx context.Context, orgId, userId, before string) (map[string]int64, error) {
	if r.pendingErr != nil {
		return nil, r.pendingErr
	}
	return r.TransactionReader.PendingCountsBefore(ctx, orgId, userId, before)
}

func (r erroringReader) CashTotalsBefore(ctx context.Context, orgId, propertyId, before string) (CashTotals, error) {
	if r.totalsErr != nil {
		return CashTotals{}, r.totalsErr
	}
	return r.TransactionReader.CashTotalsBefore(ctx, orgId, propertyId, before)
}

// counterValue reads one labelled counter from reg; an unknown series reads as zero.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
