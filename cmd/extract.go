package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/extractor"
	"github.com/reportly/curator/internal/model"
)

var (
	extractText      string
	extractFile      string
	extractURL       string
	extractSessionID string
	extractType      string
	extractContext   string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract candidate entities from text, a file, or a URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		text := extractText
		if extractFile != "" {
			if text != "" {
				return eris.New("--text and --file are mutually exclusive")
			}
			data, err := os.ReadFile(extractFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", extractFile)
			}
			text = string(data)
		}

		res, err := env.Extractor.Extract(cmd.Context(), extractor.Request{
			SessionID:  extractSessionID,
			Text:       text,
			URL:        extractURL,
			TargetType: model.EntityType(extractType),
			Context:    extractContext,
		})
		if err != nil {
			return err
		}

		estCost := env.Cost.Model(cfg.Anthropic.ExtractionModel, res.Usage) +
			env.Cost.Reader(res.ReaderTokens)
		zap.L().Info("extraction complete",
			zap.String("session_id", res.SessionID),
			zap.Int("items", len(res.Items)),
			zap.Int("tokens", res.TokensUsed),
			zap.Float64("estimated_cost_usd", estCost))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractText, "text", "", "raw text to extract from")
	extractCmd.Flags().StringVar(&extractFile, "file", "", "path to a text file to extract from")
	extractCmd.Flags().StringVar(&extractURL, "url", "", "URL to fetch and extract from")
	extractCmd.Flags().StringVar(&extractSessionID, "session", "", "existing extraction session to append to")
	extractCmd.Flags().StringVar(&extractType, "type", "", "expected entity type (bias, not a constraint)")
	extractCmd.Flags().StringVar(&extractContext, "context", "", "extra caller context for the model")
	rootCmd.AddCommand(extractCmd)
}
