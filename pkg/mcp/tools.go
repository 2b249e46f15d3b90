package mcp

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
)

// Tool argument structs.

type invalidateArgs struct {
	Fingerprint string `json:"fingerprint"`
	All         bool   `json:"all"`
}

type routeArgs struct {
	Confidence  *float32 `json:"confidence"`
	Uncertainty *float32 `json:"uncertainty"`
}

type journalSearchArgs struct {
	Fingerprint string `json:"fingerprint"`
	Tier        string `json:"tier"`
	Outcome     string `json:"outcome"`
	Since       string `json:"since"`
	Limit       int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"cache_stats":      handleCacheStats,
	"cache_invalidate": handleCacheInvalidate,
	"route":            handleRoute,
	"breaker_status":   handleBreakerStatus,
	"journal_search":   handleJournalSearch,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, evictions, hit rate).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "cache_invalidate",
		Description: "Remove one cached result by fingerprint, or every result with all=true.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fingerprint": map[string]any{
					"type":        "string",
					"description": "Hex fingerprint of the entry to remove",
				},
				"all": map[string]any{
					"type":        "boolean",
					"description": "Remove every cached result",
				},
			},
		},
	},
	{
		Name:        "route",
		Description: "Decide whether a result with the given confidence and uncertainty may be served from the lightweight tier.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"confidence", "uncertainty"},
			"properties": map[string]any{
				"confidence": map[string]any{
					"type":        "number",
					"description": "Lightweight model confidence in [0,1]",
				},
				"uncertainty": map[string]any{
					"type":        "number",
					"description": "Lightweight model uncertainty in [0,1]",
				},
			},
		},
	},
	{
		Name:        "breaker_status",
		Description: "Show whether the lightweight path is healthy and the circuit breaker state.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "journal_search",
		Description: "Search journaled routing decisions with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fingerprint": map[string]any{
					"type":        "string",
					"description": "Filter by fingerprint (optional)",
				},
				"tier": map[string]any{
					"type":        "string",
					"description": "Filter by serving tier: lightweight or powerful (optional)",
				},
				"outcome": map[string]any{
					"type":        "string",
					"description": "Filter by outcome: served, escalated, forced, compute_error (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum records to return (default 50)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatCacheStats(s.backend.Stats()))
}

func handleCacheInvalidate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args invalidateArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.All {
		n := s.backend.InvalidateAll(ctx)
		return textResult(formatInvalidated(n))
	}
	if args.Fingerprint == "" {
		return errorResult("fingerprint or all=true is required")
	}
	fp, err := fingerprint.Parse(args.Fingerprint)
	if err != nil {
		return errorResult("Invalid fingerprint: " + err.Error())
	}
	if !s.backend.Invalidate(ctx, fp) {
		return textResult("No cached result for " + fp.Short() + ".")
	}
	return textResult(formatInvalidated(1))
}

func handleRoute(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args routeArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	if args.Confidence == nil || args.Uncertainty == nil {
		return errorResult("confidence and uncertainty are required")
	}
	d := s.backend.Route(*args.Confidence, *args.Uncertainty)
	return textResult(formatDecision(d, s.backend.BreakerState()))
}

func handleBreakerStatus(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatBreaker(s.backend.BreakerStatus(), s.backend.BreakerState()))
}

func handleJournalSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.journal == nil {
		return textResult("Decision journal is not configured.")
	}
	var args journalSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.JournalQueryOpts{
		Fingerprint: args.Fingerprint,
		Tier:        args.Tier,
		Outcome:     args.Outcome,
		Limit:       args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	records, err := s.journal.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching journal: " + err.Error())
	}
	return textResult(formatDecisions(records))
}
