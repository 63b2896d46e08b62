package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify structural invariants of the memory tree",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	problems, err := a.db.CheckTree()
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("tree ok")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("%s: %s (%s)\n", p.NodeID, p.Kind, p.Detail)
	}
	return fmt.Errorf("%d problems found", len(problems))
}
