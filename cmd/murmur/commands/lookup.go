package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

func lookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <handle>",
		Short: "Show a user's display name and key fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.Lookup(cmd.Context(), domain.Handle(args[0]))
			if err != nil {
				return err
			}
			printPeer(p)
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find users by handle prefix or display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := rt.Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("no matches")
			}
			for _, p := range peers {
				printPeer(p)
			}
			return nil
		},
	}
}

func printPeer(p domain.PeerRecord) {
	fmt.Printf("%s  %-20s  %s\n", p.Handle, p.DisplayName, crypto.Fingerprint(p.PublicKey.Slice()))
}
