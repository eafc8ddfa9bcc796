package models

import "time"

// NotificationChannelType identifies the transport format for a notification channel.
type NotificationChannelType string

const (
	NotificationChannelWebhook NotificationChannelType = "webhook"
	NotificationChannelSlack   NotificationChannelType = "slack"
)

// NotificationChannel is a configured endpoint that receives dispatched alerts.
type NotificationChannel struct {
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	Type    NotificationChannelType `json:"type"`
	URL     string                  `json:"url"`
	Enabled bool                    `json:"enabled"`
	// DisasterTypes is the set of disaster types this channel subscribes
	// to. Empty means all.
	DisasterTypes []string `json:"disaster_types,omitempty"`
}

// SuppressionRecord is the audit trail for an anomaly that matched an
// existing in-cooldown alert and was therefore not dispatched.
type SuppressionRecord struct {
	ID           string    `json:"id"            db:"id"`
	DedupKey     string    `json:"dedup_key"     db:"dedup_key"`
	DisasterType string    `json:"disaster_type" db:"disaster_type"`
	Location     string    `json:"location"      db:"location"`
	ZScore       float64   `json:"z_score"       db:"z_score"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}
