package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/mathgate/pkg/journal"
	"github.com/pario-ai/mathgate/pkg/models"
)

func newJournalCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query and manage the routing decision journal",
	}

	cmd.AddCommand(
		newJournalSearchCmd(g),
		newJournalShowCmd(g),
		newJournalStatsCmd(g),
		newJournalCleanupCmd(g),
	)
	return cmd
}

func newJournalSearchCmd(g *globalFlags) *cobra.Command {
	var (
		fp      string
		tier    string
		outcome string
		since   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journaled decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.JournalQueryOpts{
				Fingerprint: fp,
				Tier:        tier,
				Outcome:     outcome,
				Limit:       limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			records, err := j.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatDecisions(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&fp, "fingerprint", "", "filter by fingerprint")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by serving tier")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to return")
	return cmd
}

func newJournalShowCmd(g *globalFlags) *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single decision by request ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request-id is required")
			}

			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := j.Query(context.Background(), models.JournalQueryOpts{
				RequestID: requestID,
				Limit:     1,
			})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No decision found for that request ID.")
				return nil
			}

			r := records[0]
			fmt.Printf("Request ID:   %s\n", r.RequestID)
			fmt.Printf("Fingerprint:  %s\n", r.Fingerprint)
			if r.CandidateID != "" {
				fmt.Printf("Candidate:    %s\n", r.CandidateID)
			}
			fmt.Printf("Confidence:   %.4f\n", r.Confidence)
			fmt.Printf("Uncertainty:  %.4f\n", r.Uncertainty)
			fmt.Printf("Lightweight:  %t\n", r.UseLightweight)
			fmt.Printf("Breaker:      %s\n", r.BreakerState)
			fmt.Printf("Tier:         %s\n", r.Tier)
			fmt.Printf("Outcome:      %s\n", r.Outcome)
			fmt.Printf("Latency:      %dms\n", r.LatencyMs)
			fmt.Printf("Time:         %s\n", r.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")
	return cmd
}

func newJournalStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show decision counts by day and tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := j.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatJournalStats(stats))
			return nil
		},
	}
}

func newJournalCleanupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete decisions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := j.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d journal records.\n", deleted)
			return nil
		},
	}
}

func openJournal(g *globalFlags) (*journal.Journal, func(), error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Router.Journal.Path == "" {
		return nil, nil, fmt.Errorf("router.journal.path is not configured")
	}
	j, err := journal.New(cfg.Router.Journal, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return j, func() { _ = j.Close(); _ = log.Sync() }, nil
}

func formatDecisions(records []models.DecisionRecord) string {
	if len(records) == 0 {
		return "No decisions found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-14s %-12s %-14s %-10s %6s %6s %8s %-20s\n",
		"REQUEST ID", "FINGERPRINT", "TIER", "OUTCOME", "BREAKER", "CONF", "UNC", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 136) + "\n")
	for _, r := range records {
		fp := r.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(&b, "%-38s %-14s %-12s %-14s %-10s %6.3f %6.3f %6dms %-20s\n",
			r.RequestID, fp, r.Tier, r.Outcome, r.BreakerState,
			r.Confidence, r.Uncertainty, r.LatencyMs,
			r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatJournalStats(stats []models.JournalStat) string {
	if len(stats) == 0 {
		return "No journal stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %8s %12s\n", "DAY", "TIER", "COUNT", "LIGHTWEIGHT")
	b.WriteString(strings.Repeat("-", 47) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-12s %8d %11.1f%%\n", s.Day, s.Tier, s.Count, s.LightweightRatio*100)
	}
	return b.String()
}
