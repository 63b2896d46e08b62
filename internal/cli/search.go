package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/arbor/internal/search"
)

var (
	searchHorizonDays int
	searchWindowCount int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the memory tree across time windows",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchHorizonDays, "horizon", 0, "search the last N days split into even windows instead of the default bands")
	searchCmd.Flags().IntVar(&searchWindowCount, "windows", 3, "number of windows when --horizon is set")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	query := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	var windows []search.Window
	if searchHorizonDays > 0 {
		now := time.Now()
		windows = search.SplitWindows(now.AddDate(0, 0, -searchHorizonDays), now, searchWindowCount)
	}

	resp, err := a.searcher.Search(ctx, query, windows)
	if err != nil {
		return err
	}

	if len(resp.Results) == 0 {
		fmt.Println("no results")
	}
	for _, r := range resp.Results {
		when := time.UnixMilli(r.Node.StartsAt).Format("2006-01-02 15:04")
		fmt.Printf("%.3f  [%s] L%d %s  %s\n", r.Score, r.Window, r.Node.Level, r.Node.ID, when)
		fmt.Printf("       %s\n", r.Node.Summary)
	}
	if len(resp.Degraded) > 0 {
		fmt.Printf("degraded windows: %s\n", strings.Join(resp.Degraded, ", "))
	}
	return nil
}
