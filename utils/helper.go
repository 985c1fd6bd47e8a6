package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used for every business date in storage, cache keys and events.
const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// MergeDates unions date lists into one sorted, de-duplicated slice.
func MergeDates(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		for _, d := range l {
			if d != "" {
				all = append(all, d)
			}
		}
	}
	out := UniqueSlice(all)
	sort.Strings(out)
	return out
}

// ConvertToDate truncates t to midnight in timezone.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t, err
	}
	localTime := t.In(location)
	return time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location), nil
}

// CalendarDate is the org-calendar date of t, e.g. "2024-03-01".
func CalendarDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidDate, value, err)
	}
	return t, nil
}

func IsValidDate(value string) bool {
	_, err := ParseDate(value)
	return err == nil
}

// AddDays shifts a calendar date; the input must already be valid.
func AddDays(date string, days int) string {
	t, err := ParseDate(date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format(DateLayout)
}

// DaysBetween counts whole days from a to b (negative if b precedes a).
func DaysBetween(a, b string) (int, error) {
	ta, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}

// DateRange lists every date from..to inclusive. An inverted range yields nil.
func DateRange(from, to string) ([]string, error) {
	start, err := ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return nil, err
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateLayout))
	}
	return out, nil
}

// CentsToDecimal renders integer cents as a two-place decimal for API payloads.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func FormatCents(cents int64) string {
	return CentsToDecimal(cents).StringFixed(2)
}
