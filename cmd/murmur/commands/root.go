package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"murmur/internal/app"
	"murmur/internal/domain"
)

var (
	configPath string
	home       string
	relayURL   string
	logLevel   string
	passphrase string

	rt *app.Runtime
)

func Execute() error {
	root := &cobra.Command{
		Use:           "murmur",
		Short:         "End-to-end encrypted chat CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Load(configPath)
			if err != nil {
				return err
			}
			if home != "" {
				cfg.Home = home
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if passphrase == "" {
				passphrase = os.Getenv("MURMUR_PASSPHRASE")
			}

			logger, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			rt, err = app.New(cfg, logger, printer())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rt != nil {
				return rt.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.murmur)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity (or MURMUR_PASSPHRASE)")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		registerCmd(),
		lookupCmd(),
		searchCmd(),
		sendCmd(),
		listenCmd(),
		historyCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

// unlock opens the identity and connects to the relay.
func unlock(ctx context.Context) error {
	if err := requirePassphrase(); err != nil {
		return err
	}
	_, err := rt.Unlock(ctx, passphrase)
	return err
}

func printer() app.Events {
	return app.Events{
		OnMessage: func(m domain.InboundMessage) {
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format(time.Kitchen), m.From, m.Content)
		},
		OnStatus: func(m domain.OutgoingMessage) {
			fmt.Printf("  %s -> %s: %s\n", m.ID, m.To, m.State)
		},
		OnTyping: func(from domain.Handle, typing bool, _ time.Time) {
			if typing {
				fmt.Printf("  %s is typing...\n", from)
			}
		},
		OnPresence: func(h domain.Handle, online bool, _ time.Time) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Printf("  %s is %s\n", h, state)
		},
	}
}
