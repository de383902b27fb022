package models

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Symbols and traces carry timestamps as base64-encoded decimal milliseconds
// since epoch. Search time filters use the same encoding and compare at UTC-day
// granularity.

// EncodeTimestamp encodes t as base64("<ms since epoch>").
func EncodeTimestamp(t time.Time) string {
	ms := strconv.FormatInt(t.UnixMilli(), 10)
	return base64.StdEncoding.EncodeToString([]byte(ms))
}

// DecodeTimestamp reverses EncodeTimestamp.
func DecodeTimestamp(s string) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp encoding: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp value %q: %w", string(raw), err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DayBucket truncates t to 00:00 UTC of its calendar day.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
