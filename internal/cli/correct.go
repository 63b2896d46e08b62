package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/arbor/internal/editor"
)

var (
	correctReported   string
	correctCandidates []string
)

var correctCmd = &cobra.Command{
	Use:   "correct <correction>",
	Short: "Report a wrong answer and repair the memory it came from",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCorrect,
}

func init() {
	correctCmd.Flags().StringVar(&correctReported, "reported", "", "the answer that was wrong")
	correctCmd.Flags().StringSliceVar(&correctCandidates, "node", nil, "candidate node id (repeatable)")
}

func runCorrect(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 120*time.Second)
	defer cancel()

	res, err := a.editor.Apply(ctx, editor.Event{
		ReportedAnswer: correctReported,
		UserCorrection: strings.Join(args, " "),
		CandidateIDs:   correctCandidates,
	})
	if err != nil && res == nil {
		return err
	}

	fmt.Printf("corrected %s (%s confidence)\n", res.CorrectedID, res.Confidence)
	fmt.Printf("  %s\n", res.NewSummary)
	for _, id := range res.Cascaded {
		fmt.Printf("  cascaded to %s\n", id)
	}
	if res.StoppedAt != "" {
		fmt.Printf("  cascade stopped at %s (summary unchanged)\n", res.StoppedAt)
	}
	if err != nil {
		fmt.Printf("  cascade incomplete: %v\n", err)
	}
	return nil
}
