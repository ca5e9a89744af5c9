package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			id, err := rt.CreateIdentity(passphrase, name)
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\n", id.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name shown to other users")
	return cmd
}
