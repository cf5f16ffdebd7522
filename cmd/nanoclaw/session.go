package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored conversations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(store session.Store) error {
					ids, err := store.List()
					if err != nil {
						return err
					}
					if len(ids) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), gray("no sessions"))
					}
					for _, id := range ids {
						fmt.Fprintln(cmd.OutOrStdout(), id)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session's messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(store session.Store) error {
					messages, err := store.Load(args[0])
					if err != nil {
						return err
					}
					printHistory(cmd.OutOrStdout(), messages)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(store session.Store) error {
					if err := store.Delete(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s cleared %s\n", green("✓"), args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func withStore(fn func(session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
