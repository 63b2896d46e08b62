package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one maintenance pass over the memory tree",
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	stats, err := a.gardener.RunPass(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("scored %d nodes: %d kept, %d downgraded, %d text-only, %d merged, %d skipped\n",
		stats.Scored, stats.Kept, stats.Downgraded, stats.TextOnly, stats.Merged, stats.Skipped)
	return nil
}
