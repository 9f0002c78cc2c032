package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/store"
)

var (
	sessionsKind   string
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List curation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "sessions")
		if err != nil {
			return err
		}
		defer env.Close()

		summaries, err := env.Sessions.List(cmd.Context(), store.SessionFilter{
			Kind:   model.SessionKind(sessionsKind),
			Status: model.SessionStatus(sessionsStatus),
			Limit:  sessionsLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its full candidate and reasoning payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "sessions")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Sessions.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("session %s: %w", args[0], err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsKind, "kind", "", "filter by kind (extraction, research)")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (in_progress, completed, failed)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "max sessions to return")
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
