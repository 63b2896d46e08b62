package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock <node-id>",
	Short: "Permanently exempt a node from forgetting",
	Args:  cobra.ExactArgs(1),
	RunE:  runLock,
}

func runLock(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.db.GetNode(args[0])
	if err != nil {
		return err
	}
	if n.Locked {
		fmt.Printf("%s is already locked\n", n.ID)
		return nil
	}
	if err := a.db.LockNode(n.ID, n.Version); err != nil {
		return err
	}
	fmt.Printf("locked %s\n", n.ID)
	return nil
}
