package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/remediation"
	"github.com/sentinelops/sentinel/internal/store"
)

var missionsJSON bool

var missionsCmd = &cobra.Command{
	Use:   "missions",
	Short: "Inspect queued remediation missions",
}

var missionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending missions, highest priority first",
	RunE:  runMissionsList,
}

var missionsAckCmd = &cobra.Command{
	Use:   "ack ID",
	Short: "Remove a consumed mission from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionsAck,
}

func init() {
	missionsListCmd.Flags().BoolVar(&missionsJSON, "json", false, "Print missions as JSON")
	rootCmd.AddCommand(missionsCmd)
	missionsCmd.AddCommand(missionsListCmd)
	missionsCmd.AddCommand(missionsAckCmd)
}

func openQueue(ctx context.Context) (*remediation.Queue, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store, zap.NewNop())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open telemetry store: %w", err)
	}
	return remediation.NewQueue(st, nil), st, nil
}

func runMissionsList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	q, st, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	missions, err := q.Pending(ctx)
	if err != nil {
		return err
	}

	if missionsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(missions)
	}
	if len(missions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending missions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tCREATED\tGOAL")
	for _, m := range missions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Kind, m.Priority, m.CreatedAt.Format(time.RFC3339), m.Goal)
	}
	return w.Flush()
}

func runMissionsAck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	q, st, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := q.Ack(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", args[0])
	return nil
}
