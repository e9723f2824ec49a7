package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/memory"
	"github.com/tiermem/tiermem/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Store text in memory",
		Long:  "Store text in memory. Text can be a positional arg or piped via stdin.",
		Run:   runRemember,
	}

	cmd.Flags().String("tier", "", "Target tier: interact, insights, assets (default: interact)")
	cmd.Flags().String("kind", "", "Record kind (default: general)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("project", "p", "", "Project namespace")
	cmd.Flags().String("session", "", "Originating session id")
	cmd.Flags().Float64("score", 0, "Initial relevance score")

	RootCmd.AddCommand(cmd)
}

func runRemember(cmd *cobra.Command, args []string) {
	var text string
	if len(args) > 0 {
		text = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			text = string(b)
		}
	}
	if strings.TrimSpace(text) == "" {
		exitErr("remember", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	tierStr, _ := cmd.Flags().GetString("tier")
	var tier model.Tier
	if tierStr != "" {
		t, err := model.ParseTier(tierStr)
		if err != nil {
			exitErr("remember", err)
		}
		tier = t
	}

	kind, _ := cmd.Flags().GetString("kind")
	project, _ := cmd.Flags().GetString("project")
	session, _ := cmd.Flags().GetString("session")
	tagsStr, _ := cmd.Flags().GetString("tags")

	// Only an explicitly set flag overrides the default score, so
	// --score 0 is a real value rather than "unset".
	var score *float64
	if cmd.Flags().Changed("score") {
		v, _ := cmd.Flags().GetFloat64("score")
		score = &v
	}

	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	id, err := coord.Remember(cmd.Context(), strings.TrimSpace(text), memory.Context{
		Kind:    kind,
		Tags:    splitTags(tagsStr),
		Project: project,
		Session: session,
		Tier:    tier,
		Score:   score,
	})
	if err != nil {
		exitErr("remember", err)
	}
	printJSON(map[string]string{"id": id})
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
