package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/internal/engine"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/spf13/cobra"
)

var (
	evalSnapshots []string
	evalDir       string
	evalFormat    string
)

// evalCmd evaluates snapshot files without starting the server
var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate snapshot files",
	Long: `Evaluate one or more snapshot files and print the resulting decisions.
Each file holds a single snapshot object or an array of snapshots.

Examples:
  regime-engine eval --snapshot es.json
  regime-engine eval --snapshot es.json,nq.json --format table
  regime-engine eval --dir ./data`,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringSliceVar(&evalSnapshots, "snapshot", nil, "Snapshot file(s) to evaluate")
	evalCmd.Flags().StringVar(&evalDir, "dir", "", "Evaluate every stored snapshot in a directory")
	evalCmd.Flags().StringVar(&evalFormat, "format", "json", "Output format: json, table")
}

func runEval(cmd *cobra.Command, args []string) error {
	if len(evalSnapshots) == 0 && evalDir == "" {
		return errors.New("one of --snapshot or --dir is required")
	}
	logger := setupLogger(logLevel)
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var snaps []*types.Snapshot
	for _, path := range evalSnapshots {
		loaded, err := data.LoadFile(path)
		if err != nil {
			return err
		}
		snaps = append(snaps, loaded...)
	}
	if evalDir != "" {
		store, err := data.NewStore(logger, evalDir)
		if err != nil {
			return err
		}
		loaded, err := store.LoadAll(ctx)
		if err != nil {
			return err
		}
		snaps = append(snaps, loaded...)
	}
	if len(snaps) == 0 {
		return errors.New("no snapshots found")
	}

	eng, err := engine.New(logger, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	decisions, _ := eng.EvaluateAll(ctx, snaps)
	switch strings.ToLower(evalFormat) {
	case "table":
		return outputTable(decisions)
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decisions)
	}
}

func outputTable(decisions []*types.Decision) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tSTATUS\tREGIME\tCONF\tSTRATEGY\tLAYER\tDETAIL")
	for _, d := range decisions {
		if d == nil {
			continue
		}
		detail := strings.Join(d.RejectionReasons, "; ")
		switch {
		case d.Proposal != nil:
			p := d.Proposal
			detail = fmt.Sprintf("%s %v stop %v target %v score %.2f",
				p.Direction, p.EntryPrice, p.StopPrice, p.TargetPrice, p.ConfluenceScore)
		case d.FailureReason != "":
			detail = d.FailureReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
			d.InstrumentID, d.Status, d.Regime.Regime, d.Regime.Confidence, d.StrategyID, d.LayerReached, detail)
	}
	return w.Flush()
}
