package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/memory"
	"github.com/tiermem/tiermem/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memory across tiers",
		Args:  cobra.ExactArgs(1),
		Run:   runRecall,
	}

	cmd.Flags().String("tiers", "", "Comma-separated tiers to search (default: all)")
	cmd.Flags().StringP("project", "p", "", "Filter by project")
	cmd.Flags().StringP("tags", "t", "", "Require all of these comma-separated tags")
	cmd.Flags().IntP("top-k", "k", 10, "Maximum results")
	cmd.Flags().Float64("min-score", 0, "Drop results scoring below this")
	cmd.Flags().Bool("semantic", false, "Use the semantic index instead of lexical match")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	query := args[0]
	tiersStr, _ := cmd.Flags().GetString("tiers")
	project, _ := cmd.Flags().GetString("project")
	tagsStr, _ := cmd.Flags().GetString("tags")
	topK, _ := cmd.Flags().GetInt("top-k")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	useSemantic, _ := cmd.Flags().GetBool("semantic")

	var tiers []model.Tier
	if tiersStr != "" {
		for _, s := range strings.Split(tiersStr, ",") {
			t, err := model.ParseTier(strings.TrimSpace(s))
			if err != nil {
				exitErr("recall", err)
			}
			tiers = append(tiers, t)
		}
	}

	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	if useSemantic {
		hits, err := coord.SemanticSearch(cmd.Context(), query, topK)
		if err != nil {
			exitErr("semantic search", err)
		}
		printJSON(hits)
		return
	}

	results, err := coord.Recall(cmd.Context(), query, memory.SearchOptions{
		Tiers:    tiers,
		Project:  project,
		Tags:     splitTags(tagsStr),
		TopK:     topK,
		MinScore: minScore,
	})
	if err != nil {
		exitErr("recall", err)
	}
	printJSON(results)
}
