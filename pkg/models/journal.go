package models

import "time"

// DecisionRecord is one journaled routing decision and how it was served.
type DecisionRecord struct {
	RequestID      string    `json:"request_id"`
	Fingerprint    string    `json:"fingerprint"`
	CandidateID    string    `json:"candidate_id"`
	Confidence     float32   `json:"confidence"`
	Uncertainty    float32   `json:"uncertainty"`
	UseLightweight bool      `json:"use_lightweight"`
	BreakerState   string    `json:"breaker_state"`
	Tier           string    `json:"tier"`
	Outcome        string    `json:"outcome"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision outcomes recorded in the journal.
const (
	OutcomeServed       = "served"
	OutcomeEscalated    = "escalated"
	OutcomeForced       = "forced"
	OutcomeComputeError = "compute_error"
)

// JournalQueryOpts specifies filters for querying decision records.
type JournalQueryOpts struct {
	RequestID   string
	Fingerprint string
	Tier        string
	Outcome     string
	Since       time.Time
	Limit       int
}

// JournalStat holds aggregate decision counts for a day/tier combination.
type JournalStat struct {
	Day   string `json:"day"`
	Tier  string `json:"tier"`
	Count int    `json:"count"`
	// LightweightRatio is the share of decisions that accepted the lightweight result.
	LightweightRatio float64 `json:"lightweight_ratio"`
}
