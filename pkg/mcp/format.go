package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/mathgate/pkg/models"
)

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:         %d / %d\n"+
		"  Hits:            %d\n"+
		"  Misses:          %d\n"+
		"  Hit Rate:        %.1f%%\n"+
		"  Similarity Hits: %d\n"+
		"  Dedup Shared:    %d\n"+
		"  Evictions:       %d\n"+
		"  Expirations:     %d\n"+
		"  Invalidations:   %d\n"+
		"  Persist Errors:  %d\n",
		stats.CurrentSize, stats.MaxSize, stats.Hits, stats.Misses, stats.HitRate*100,
		stats.SimilarityHits, stats.DedupShared, stats.Evictions, stats.Expirations,
		stats.Invalidations, stats.PersistErrors)
}

func formatInvalidated(n int) string {
	if n == 1 {
		return "Removed 1 cached result."
	}
	return fmt.Sprintf("Removed %d cached results.", n)
}

// formatDecision formats a routing decision as text.
func formatDecision(d models.RoutingDecision, state models.BreakerState) string {
	tier := "powerful"
	if d.UseLightweight {
		tier = "lightweight"
	}
	return fmt.Sprintf("Routing Decision\n"+
		"  Tier:        %s\n"+
		"  Confidence:  %.4f\n"+
		"  Uncertainty: %.4f\n"+
		"  Breaker:     %s\n",
		tier, d.Confidence, d.Uncertainty, state)
}

func formatBreaker(healthy bool, state models.BreakerState) string {
	status := "unhealthy (lightweight path bypassed)"
	if healthy {
		status = "healthy"
	}
	return fmt.Sprintf("Circuit Breaker\n  State:  %s\n  Status: %s\n", state, status)
}

// formatDecisions formats journal records as a text table.
func formatDecisions(records []models.DecisionRecord) string {
	if len(records) == 0 {
		return "No decisions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-14s %-12s %-14s %-10s %6s %6s %8s\n",
		"Time", "Fingerprint", "Tier", "Outcome", "Breaker", "Conf", "Unc", "Latency")
	b.WriteString(strings.Repeat("-", 97) + "\n")
	for _, r := range records {
		fp := r.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(&b, "%-20s %-14s %-12s %-14s %-10s %6.3f %6.3f %6dms\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			fp, r.Tier, r.Outcome, r.BreakerState,
			r.Confidence, r.Uncertainty, r.LatencyMs)
	}
	return b.String()
}
