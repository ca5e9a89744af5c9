package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"murmur/internal/domain"
)

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print incoming messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := unlock(ctx); err != nil {
				return err
			}
			fmt.Printf("listening as %s (connected: %v)\n", rt.Self(), rt.Connected())
			if _, err := rt.Sync(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "sync: %v\n", err)
			}
			<-ctx.Done()
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the stored conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd.Context()); err != nil {
				return err
			}
			msgs, err := rt.History(domain.Handle(args[0]))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				dir := "<-"
				if m.Outgoing {
					dir = "->"
				}
				fmt.Printf("%s %s %s  %s  [%s]\n", m.Timestamp.Local().Format("2006-01-02 15:04"), dir, m.From, m.Content, m.State)
			}
			return nil
		},
	}
}
