package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"murmur/internal/domain"
	"murmur/internal/services/delivery"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := unlock(ctx); err != nil {
				return err
			}
			res, err := rt.Send(ctx, domain.Handle(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if res.Route == delivery.RoutePending {
				// The runtime flushes on reconnect, which needs this process alive.
				fmt.Println("offline; waiting for the relay")
			}

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				m, ok := rt.Message(res.ID)
				if !ok || m.State >= domain.StateDelivered {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
			m, ok := rt.Message(res.ID)
			if !ok {
				return fmt.Errorf("message %s lost", res.ID)
			}
			fmt.Printf("%s %s (%s)\n", m.ID, m.State, m.Route)
			if m.State == domain.StateSending {
				return fmt.Errorf("message not sent: %s", m.LastError)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to wait for a delivery receipt")
	return cmd
}
