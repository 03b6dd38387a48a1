package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/services"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(newLedgerVerifyCmd(), newLedgerQueryCmd())
	return cmd
}

func openLedger() (*ledger.Ledger, io.Closer, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, closer, err := services.OpenStore(cfg.Ledger, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return ledger.New(store, ledger.Options{Logger: logger}), closer, logger, nil
}

func newLedgerVerifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first broken entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closer, _, err := openLedger()
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			report, err := l.Verify(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			return printVerify(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "First sequence to verify")
	cmd.Flags().Int64Var(&to, "to", 0, "Last sequence to verify (0 = head)")
	return cmd
}

func printVerify(w io.Writer, report ledger.VerifyReport) error {
	if report.Valid {
		fmt.Fprintf(w, "ledger valid: %d entries checked\n", report.Checked)
		return nil
	}
	fmt.Fprintf(w, "ledger BROKEN at sequence %d: %s (%d entries checked)\n", report.FirstBroken, report.Reason, report.Checked)
	return utils.NewAppError("ledger.verify", fmt.Sprintf("integrity violated at %d", report.FirstBroken), nil)
}

func newLedgerQueryCmd() *cobra.Command {
	var (
		filter ledger.Filter
		since  string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching ledger entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				filter.Since = t
			}
			l, closer, _, err := openLedger()
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			return printEntries(cmd.Context(), cmd.OutOrStdout(), l, filter)
		},
	}
	cmd.Flags().StringVar(&filter.Actor, "actor", "", "Filter by actor")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&filter.Resource, "resource", "", "Filter by resource")
	cmd.Flags().StringVar(&filter.Subsystem, "subsystem", "", "Filter by subsystem")
	cmd.Flags().StringVar(&since, "since", "", "Only entries newer than an age (15m) or an RFC3339 time")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum entries to print")
	return cmd
}

// parseSince accepts either a relative age or an absolute RFC3339 timestamp.
func parseSince(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since must not be negative")
		}
		return now.Add(-d), nil
	}
	t, err := utils.ParseRFC3339(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: %w", err)
	}
	return t, nil
}

type entryView struct {
	Sequence     int64           `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	Resource     string          `json:"resource"`
	Subsystem    string          `json:"subsystem,omitempty"`
	Result       string          `json:"result"`
	Payload      json.RawMessage `json:"payload"`
	EntryHash    string          `json:"entry_hash"`
	PreviousHash string          `json:"previous_hash"`
	Signature    string          `json:"signature,omitempty"`
}

func printEntries(ctx context.Context, w io.Writer, l *ledger.Ledger, filter ledger.Filter) error {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(entryView{
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
			Actor:        e.Actor,
			Action:       e.Action,
			Resource:     e.Resource,
			Subsystem:    e.Subsystem,
			Result:       e.Result,
			Payload:      e.Payload,
			EntryHash:    e.EntryHash,
			PreviousHash: e.PreviousHash,
			Signature:    e.Signature,
		}); err != nil {
			return err
		}
	}
	return nil
}
