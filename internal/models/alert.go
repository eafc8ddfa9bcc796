package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertStatus tracks an alert through its dispatch lifecycle.
type AlertStatus string

const (
	AlertPending        AlertStatus = "pending"
	AlertDispatched     AlertStatus = "dispatched"
	AlertFailedDispatch AlertStatus = "failed_dispatch"
	AlertSuppressed     AlertStatus = "suppressed"
)

// Alert is one deduplicated disaster notification. At most one
// non-suppressed alert exists per dedup key at any time; repeats within
// the cooldown window are recorded as suppressed and never dispatched.
type Alert struct {
	ID               string      `json:"id"                db:"id"`
	DisasterType     string      `json:"disaster_type"     db:"disaster_type"`
	Location         string      `json:"location"          db:"location"`
	Severity         string      `json:"severity"          db:"severity"`
	Message          string      `json:"message"           db:"message"`
	DedupKey         string      `json:"dedup_key"         db:"dedup_key"`
	ZScore           float64     `json:"z_score"           db:"z_score"`
	Status           AlertStatus `json:"status"            db:"status"`
	DispatchAttempts int         `json:"dispatch_attempts" db:"dispatch_attempts"`
	CreatedAt        time.Time   `json:"created_at"        db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"        db:"updated_at"`
}

// LocationUnknown is used when the resolver could not place the event.
// Alerting proceeds regardless; location absence never blocks dispatch.
const LocationUnknown = "unknown"

// NormalizeLocation canonicalizes a resolved location for dedup purposes.
func NormalizeLocation(loc string) string {
	loc = strings.ToLower(strings.TrimSpace(loc))
	if loc == "" {
		return LocationUnknown
	}
	return strings.Join(strings.Fields(loc), " ")
}

// DedupKey collapses repeated anomaly events for the same disaster type
// and location into one alert per cooldown bucket. The bucket is the
// creation time quantized to the cooldown period, so a repeat after the
// period elapses yields a fresh key.
func DedupKey(disasterType, location string, createdAt time.Time, cooldown time.Duration) string {
	bucket := int64(0)
	if cooldown > 0 {
		// Nanosecond arithmetic so sub-second cooldowns bucket correctly.
		bucket = createdAt.UnixNano() / cooldown.Nanoseconds()
	}
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(disasterType), NormalizeLocation(location), bucket)
}

// AlertFilter narrows QueryRecentAlerts results.
type AlertFilter struct {
	DisasterType string
	Status       AlertStatus
	Since        time.Time
	Limit        int
}
