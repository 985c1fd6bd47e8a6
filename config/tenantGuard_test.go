package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hospitality/ledger_backend/appctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type scopedRow struct {
	ID    int    `gorm:"primaryKey"`
	OrgId string `gorm:"size:64"`
	Name  string `gorm:"size:64"`
}

type sharedRow struct {
	ID   int    `gorm:"primaryKey"`
	Name string `gorm:"size:64"`
}

func newScopedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scope.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Use(NewOrgScopePlugin()))
	require.NoError(t, db.AutoMigrate(&scopedRow{}, &sharedRow{}))
	require.NoError(t, db.Create(&[]scopedRow{
		{OrgId: "org-a", Name: "a1"}, {OrgId: "org-a", Name: "a2"}, {OrgId: "org-b", Name: "b1"},
	}).Error)
	require.NoError(t, db.Create(&[]sharedRow{{Name: "s1"}, {Name: "s2"}}).Error)
	return db
}

func orgCtx(orgId string) context.Context {
	return appctx.Set(context.Background(), appctx.ContextKeyOrgId, orgId)
}

func TestOrgScopeFiltersQueries(t *testing.T) {
	db := newScopedDB(t)

	var rows []scopedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Find(&rows).Error)
	assert.Len(t, rows, 2)

	var n int64
	require.NoError(t, db.WithContext(orgCtx("org-b")).Model(&scopedRow{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	require.NoError(t, db.Find(&rows).Error)
	assert.Len(t, rows, 3, "no org in context")

	admin := appctx.Set(orgCtx("org-a"), appctx.ContextKeyIsAdmin, true)
	require.NoError(t, db.WithContext(admin).Find(&rows).Error)
	assert.Len(t, rows, 3)

	var shared []sharedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Find(&shared).Error)
	assert.Len(t, shared, 2, "tables without org_id are untouched")
}

func TestOrgScopeKeepsExplicitOrgFilter(t *testing.T) {
	db := newScopedDB(t)

	var rows []scopedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Where("org_id = ?", "org-b").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].Name)
}

func TestOrgScopeLimitsWrites(t *testing.T) {
	db := newScopedDB(t)
	ctx := orgCtx("org-a")

	res := db.WithContext(ctx).Model(&scopedRow{}).Where("name <> ?", "").Update("name", "renamed")
	require.NoError(t, res.Error)
	assert.Equal(t, int64(2), res.RowsAffected)

	res = db.WithContext(ctx).Where("name <> ?", "").Delete(&scopedRow{})
	require.NoError(t, res.Error)
	assert.Equal(t, int64(2), res.RowsAffected)

	var left []scopedRow
	require.NoError(t, db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, "b1", left[0].Name)
}
