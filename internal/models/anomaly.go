package models

import "time"

// Decision is the outcome of one detector evaluation.
type Decision string

const (
	// DecisionAnomaly means both statistical signals agreed the latest
	// observation is a spike.
	DecisionAnomaly Decision = "anomaly"
	// DecisionNormal means the observation is within the expected range.
	DecisionNormal Decision = "normal"
	// DecisionInsufficient means the rolling window has not filled yet
	// and no judgement was possible (warm-up).
	DecisionInsufficient Decision = "insufficient"
)

// Confidence distinguishes the evaluation path that produced a decision.
type Confidence string

const (
	// ConfidenceFull means the fixed rolling window was full and the
	// z-score + EWMA conjunction was applied.
	ConfidenceFull Confidence = "full"
	// ConfidenceFallback means the percentile-based cold-start path was
	// used because the window had not filled yet.
	ConfidenceFallback Confidence = "fallback"
	// ConfidenceNone accompanies DecisionInsufficient.
	ConfidenceNone Confidence = "none"
)

// AnomalyEvent is the immutable result of a single evaluation of one
// signal. It is consumed by the alert manager and then discarded.
type AnomalyEvent struct {
	Timestamp     time.Time  `json:"timestamp"`
	Signal        string     `json:"signal"`
	Value         float64    `json:"value"`
	ZScore        float64    `json:"z_score"`
	EWMA          float64    `json:"ewma"`
	EWMADeviation float64    `json:"ewma_deviation"`
	Decision      Decision   `json:"decision"`
	Confidence    Confidence `json:"confidence"`
}
