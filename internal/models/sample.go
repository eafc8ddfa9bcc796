package models

import "time"

// Sample is a single observed count or magnitude for one signal at one
// moment. Immutable once created.
type Sample struct {
	Timestamp time.Time `json:"timestamp" db:"observed_at"`
	Value     float64   `json:"value"     db:"value"`
	SourceTag string    `json:"source_tag" db:"source_tag"`
	// Text is a representative post from the window, used for location
	// extraction. Optional; empty means no text was available.
	Text string `json:"text,omitempty" db:"sample_text"`
}
