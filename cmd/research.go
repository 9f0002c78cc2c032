package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/researcher"
)

var (
	researchType     string
	researchName     string
	researchID       string
	researchParentID string
	researchPlatform string
	researchDepth    string
	researchContext  string
	researchSources  []string
	researchForce    bool
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Run a depth-tiered research pass against a target entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "research")
		if err != nil {
			return err
		}
		defer env.Close()

		depth := researchDepth
		if depth == "" {
			depth = cfg.Research.DefaultDepth
		}

		res, err := env.Researcher.Research(cmd.Context(), researcher.Request{
			EntityType:      model.EntityType(researchType),
			EntityName:      researchName,
			EntityID:        researchID,
			ParentProductID: researchParentID,
			PlatformFocus:   researchPlatform,
			Depth:           model.ResearchDepth(depth),
			Context:         researchContext,
			SourceURLs:      researchSources,
			Force:           researchForce,
		})
		if err != nil {
			return err
		}

		if res.SessionID == "" {
			zap.L().Warn("research refused by readiness gate",
				zap.Strings("warnings", res.Readiness.Warnings),
				zap.String("recommendation", res.Readiness.Recommendation))
		} else {
			estCost := env.Cost.Model(cfg.Anthropic.ResearchModel, res.Usage) +
				env.Cost.Reader(res.ReaderTokens)
			zap.L().Info("research complete",
				zap.String("session_id", res.SessionID),
				zap.Int("sources", len(res.Sources)),
				zap.Int("tokens", res.TokensUsed),
				zap.Float64("estimated_cost_usd", estCost))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchType, "type", "", "target entity type (required)")
	researchCmd.Flags().StringVar(&researchName, "name", "", "target entity name (required)")
	researchCmd.Flags().StringVar(&researchID, "id", "", "existing entity id")
	researchCmd.Flags().StringVar(&researchParentID, "parent-product", "", "parent product id (subproduct research)")
	researchCmd.Flags().StringVar(&researchPlatform, "platform", "", "platform focus")
	researchCmd.Flags().StringVar(&researchDepth, "depth", "", "quick, standard, or deep (default from config)")
	researchCmd.Flags().StringVar(&researchContext, "context", "", "extra caller context for the model")
	researchCmd.Flags().StringSliceVar(&researchSources, "source", nil, "seed source URL (repeatable, skips planning)")
	researchCmd.Flags().BoolVar(&researchForce, "force", false, "run even when the readiness gate refuses")
	_ = researchCmd.MarkFlagRequired("type")
	_ = researchCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(researchCmd)
}
