package utils

import (
	"fmt"
	"time"
)

// OrgWideProperty stands in for the property segment of cache entries that aggregate a whole org.
const OrgWideProperty = "*"

// LedgerCacheKey names a derived artifact in the distributed cache:
// ledger:{kind}:{org}:{property|*}:{date}.
func LedgerCacheKey(kind string, orgId string, propertyId string, date string) string {
	if propertyId == "" {
		propertyId = OrgWideProperty
	}
	return fmt.Sprintf("ledger:%s:%s:%s:%s", kind, orgId, propertyId, date)
}

// LedgerLockKey names the distributed lock serializing writes for one property.
func LedgerLockKey(orgId string, propertyId string) string {
	return fmt.Sprintf("ledger:lock:%s:%s", orgId, propertyId)
}

// GetCacheLifespan picks the TTL for an artifact about date: dates within recentDays of today
// change often and get the short TTL, older ones the long TTL.
func GetCacheLifespan(date string, today string, recentDays int, recent time.Duration, historical time.Duration) time.Duration {
	days, err := DaysBetween(date, today)
	if err != nil {
		return recent
	}
	if days < 0 {
		days = -days
	}
	if days <= recentDays {
		return recent
	}
	return historical
}
