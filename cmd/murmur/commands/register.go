package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/domain"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [handle]",
		Short: "Create an account on the relay; the relay picks a handle if none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			var want domain.Handle
			if len(args) == 1 {
				want = domain.Handle(args[0])
			}
			h, err := rt.Register(cmd.Context(), passphrase, want)
			if err != nil {
				return err
			}
			fmt.Printf("Registered with %s as %s\n", rt.Config().RelayURL, h)
			return nil
		},
	}
}
