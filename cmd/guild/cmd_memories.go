package main

import (
	"fmt"
	"os"
	"strings"

	"guild/pkg/memory"
	"guild/pkg/protocol"

	"github.com/spf13/cobra"
)

// truncateContent truncates s to maxLen characters, appending "..." if truncated.
func truncateContent(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// formatMemoriesTable formats a slice of memory items as a tabular string.
func formatMemoriesTable(items []memory.Item) string {
	if len(items) == 0 {
		return "No memories found.\n"
	}

	const maxContent = 60

	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-10s %-10s %-62s %-12s %s\n",
		"ID", "TIER", "AGENT", "CONTENT", "IMPORTANCE", "CREATED")
	for _, m := range items {
		content := truncateContent(strings.ReplaceAll(m.Content, "\n", " "), maxContent)
		fmt.Fprintf(&b, "%-6d %-10s %-10s %-62s %-12.2f %s\n",
			m.ID, m.Tier, m.AgentID, content, m.Importance, m.CreatedAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// newMemoriesCmd creates the "guild memories" parent command with subcommands.
func newMemoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Browse the shared memory store",
		Long:  "Commands for browsing the tiered project memory store.",
	}

	cmd.AddCommand(newMemoriesListCmd())
	cmd.AddCommand(newMemoriesImportCmd())
	return cmd
}

// newMemoriesImportCmd creates the "guild memories import" subcommand.
func newMemoriesImportCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import seed knowledge from a JSONL file",
		Long: `Imports curated knowledge entries from a JSONL file into the memory
store. Each line is an object with key, content, and optionally tier,
agent, and importance. Keys already imported for the project are
skipped, so re-running the same file is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0]) //nolint:gosec // operator-supplied path
			if err != nil {
				return fmt.Errorf("memories import: %w", err)
			}
			defer func() { _ = f.Close() }()

			db, err := openHubDB()
			if err != nil {
				return fmt.Errorf("memories import: %w", err)
			}
			defer func() { _ = db.Close() }()

			store := memory.NewStore(db, memory.Config{})
			count, err := memory.ImportSeed(cmd.Context(), store, project, f)
			if err != nil {
				return fmt.Errorf("memories import: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries into project %s.\n", count, project)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// newMemoriesListCmd creates the "guild memories list" subcommand.
func newMemoriesListCmd() *cobra.Command {
	var (
		project string
		tier    string
		query   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories for a project",
		Long: `Lists memory items ordered by relevance. With --query, items come
back by hybrid text/embedding rank; without one, by importance then
recency. Outputs a table with id, tier, agent, content (truncated),
importance, and created_at.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openHubDB()
			if err != nil {
				return fmt.Errorf("memories list: %w", err)
			}
			defer func() { _ = db.Close() }()

			store := memory.NewStore(db, memory.Config{})
			items, err := store.Query(cmd.Context(), memory.QueryOpts{
				ProjectID: project,
				Tier:      protocol.MemoryTier(tier),
				Semantic:  query,
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("memories list: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), formatMemoriesTable(items))
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier (core|working|episodic|semantic)")
	cmd.Flags().StringVar(&query, "query", "", "semantic similarity query")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of items to return")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
