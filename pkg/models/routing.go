package models

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	// BreakerClosed allows the lightweight path.
	BreakerClosed BreakerState = iota
	// BreakerOpen routes everything to the powerful path.
	BreakerOpen
	// BreakerHalfOpen lets a bounded number of trials through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Candidate is one option considered by candidate routing.
type Candidate struct {
	ID          string         `json:"id"`
	Embedding   []float32      `json:"embedding"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	AccessCount uint64         `json:"access_count"`
	SuccessRate float32        `json:"success_rate"`
}

// RoutingDecision is the router's verdict for one request or candidate.
type RoutingDecision struct {
	CandidateID    string  `json:"candidate_id"`
	Confidence     float32 `json:"confidence"`
	Uncertainty    float32 `json:"uncertainty"`
	UseLightweight bool    `json:"use_lightweight"`
}
