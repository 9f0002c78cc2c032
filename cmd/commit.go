package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/committer"
	"github.com/reportly/curator/internal/model"
)

var (
	commitFile      string
	commitSessionID string
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit approved items to the schema store",
	Long:  "Reads a JSON array of commit items and writes them with per-item isolation. Commit is never blocked by the session token budget.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "commit")
		if err != nil {
			return err
		}
		defer env.Close()

		data, err := os.ReadFile(commitFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", commitFile)
		}
		var items []model.CommitItem
		if err := json.Unmarshal(data, &items); err != nil {
			return eris.Wrap(err, "parse commit items")
		}

		res, err := env.Committer.Commit(cmd.Context(), committer.Request{
			SessionID: commitSessionID,
			Items:     items,
		})
		if err != nil {
			return err
		}

		zap.L().Info("commit complete",
			zap.Int("committed", res.CommittedCount),
			zap.Int("failed", res.FailedCount))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	commitCmd.Flags().StringVar(&commitFile, "file", "", "path to a JSON array of commit items (required)")
	commitCmd.Flags().StringVar(&commitSessionID, "session", "", "session to mark completed after the batch")
	_ = commitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(commitCmd)
}
