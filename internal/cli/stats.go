package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

var statsNodeID string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tree size and per-level node counts",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsNodeID, "node", "", "show utility breakdown for a single node")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if statsNodeID != "" {
		return nodeStats(a, statsNodeID)
	}

	count, err := a.db.CountNodes()
	if err != nil {
		return err
	}
	fmt.Printf("nodes: %d\n", count)

	levels, err := a.db.Levels()
	if err != nil {
		return err
	}
	for _, l := range levels {
		nodes, err := a.db.ListByLevel(l)
		if err != nil {
			return err
		}
		locked, degraded := 0, 0
		for _, n := range nodes {
			if n.Locked {
				locked++
			}
			if n.Degraded {
				degraded++
			}
		}
		fmt.Printf("  level %d: %d nodes (%d locked, %d degraded)\n", l, len(nodes), locked, degraded)
	}

	edits, err := a.db.EditLog(5)
	if err == nil && len(edits) > 0 {
		fmt.Printf("recent corrections:\n")
		for _, e := range edits {
			fmt.Printf("  %s: %q\n", e.CorrectedNode, e.UserCorrection)
		}
	}
	return nil
}

func nodeStats(a *app, id string) error {
	n, err := a.db.GetNode(id)
	if err != nil {
		return err
	}
	fmt.Printf("node %s (level %d, version %d)\n", n.ID, n.Level, n.Version)
	fmt.Printf("  summary: %s\n", n.Summary)
	if n.Locked {
		fmt.Printf("  locked: effective utility is pinned at 1.0\n")
	}

	if n.Utility != nil {
		fmt.Printf("  utility: %.3f (cached %s, effective %.3f)\n",
			*n.Utility, time.UnixMilli(*n.UtilityAt).Format(time.RFC3339), utility.Effective(n, *n.Utility))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var siblings []store.MemoryNode
	if n.ParentID != "" {
		siblings, _ = a.db.Children(n.ParentID)
	}
	comps, err := a.scorer.Score(ctx, n, time.Now(), siblings)
	if err != nil {
		return fmt.Errorf("score node %s: %w", id, err)
	}
	fmt.Printf("  utility: %.3f (effective %.3f)\n", comps.Utility, utility.Effective(n, comps.Utility))
	fmt.Printf("  heat: %.3f  salience: %.3f  density: %.3f\n", comps.Heat, comps.Salience, comps.Density)
	return nil
}
