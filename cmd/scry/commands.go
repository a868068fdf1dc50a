package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbrichman/scry/internal/config"
)

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import conversations from a JSONL export",
	Long: `Import conversations from a JSONL export.

Each line is one conversation: {"title": "...", "messages": [{"role": "user", "content": "..."}]}.
Imported messages are queued for embedding in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postStream(cmd.Context(), "/conversations/import", f)
		if err != nil {
			return err
		}

		var sum struct {
			Conversations int `json:"conversations"`
			Messages      int `json:"messages"`
			Skipped       int `json:"skipped"`
		}
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		printSuccess("Imported %d conversations (%d messages, %d skipped)",
			sum.Conversations, sum.Messages, sum.Skipped)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the archive",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"query": query}
		if mode != "" {
			body["mode"] = mode
		}
		if limit > 0 {
			body["limit"] = limit
		}
		if from != "" {
			body["from"] = from
		}
		if to != "" {
			body["to"] = to
		}

		resp, err := client.post(cmd.Context(), "/search", body)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Message struct {
					ID             int64     `json:"ID"`
					ConversationID string    `json:"ConversationID"`
					Role           string    `json:"Role"`
					Content        string    `json:"Content"`
					CreatedAt      time.Time `json:"CreatedAt"`
				} `json:"message"`
				Score float64 `json:"score"`
			} `json:"results"`
			Mode     string `json:"mode"`
			Degraded bool   `json:"degraded"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Degraded {
			printWarning("Embedding model unavailable; results are lexical only")
		}
		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Results {
			header := fmt.Sprintf("Result %d", i+1)
			fmt.Printf("\n%s [%s, score: %.3f]\n",
				colorize(colorBold, header), r.Message.Role, r.Score)
			fmt.Printf("  %s  conversation %s  message %d\n",
				r.Message.CreatedAt.Local().Format("2006-01-02 15:04"),
				colorize(colorCyan, shortID(r.Message.ConversationID)),
				r.Message.ID)
			content := r.Message.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Printf("  %s\n", content)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("mode", "", "search mode: fts, semantic, hybrid, or auto")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().String("from", "", "only messages created at or after this RFC3339 time")
	searchCmd.Flags().String("to", "", "only messages created at or before this RFC3339 time")
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Browse and manage archived conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/conversations?page=%d&per_page=%d", page, perPage)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Conversations []struct {
				ID        string    `json:"ID"`
				Title     string    `json:"Title"`
				UpdatedAt time.Time `json:"UpdatedAt"`
			} `json:"conversations"`
			Pagination struct {
				Page       int `json:"page"`
				TotalPages int `json:"total_pages"`
				TotalItems int `json:"total_items"`
			} `json:"pagination"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range result.Conversations {
			title := c.Title
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, shortID(c.ID)),
				c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				title,
			)
		}
		fmt.Printf("\npage %d of %d (%d conversations)\n",
			result.Pagination.Page, result.Pagination.TotalPages, result.Pagination.TotalItems)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation with all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations/"+args[0])
		if err != nil {
			return err
		}

		var conv any
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	},
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/conversations/"+args[0], map[string]string{"title": args[1]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Renamed %s", shortID(args[0]))
		return nil
	},
}

var conversationsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a conversation and everything derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the conversation, its messages, and their embeddings. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/conversations/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", shortID(args[0]))
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().Int("page", 1, "page number")
	conversationsListCmd.Flags().Int("per-page", 20, "conversations per page")
	conversationsRmCmd.Flags().Bool("confirm", false, "confirm deletion")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsRmCmd)
}

// --- synonyms ---

var synonymsCmd = &cobra.Command{
	Use:   "synonyms <term> <related>...",
	Short: "Register related terms for query expansion",
	Long: `Register related terms for query expansion.

Examples:
  scry synonyms zk "zero knowledge"
  scry synonyms k8s kubernetes --one-way`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oneWay, _ := cmd.Flags().GetBool("one-way")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"term":          args[0],
			"related":       args[1:],
			"bidirectional": !oneWay,
		}
		resp, err := client.post(cmd.Context(), "/synonyms", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered %d synonyms for %q", len(args)-1, args[0])
		return nil
	},
}

func init() {
	synonymsCmd.Flags().Bool("one-way", false, "map term to related terms only, not the reverse")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show embedding job queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/ops/jobs")
		if err != nil {
			return err
		}

		var counts struct {
			Kind      string `json:"kind"`
			Pending   int    `json:"pending"`
			Running   int    `json:"running"`
			Completed int    `json:"completed"`
			Failed    int    `json:"failed"`
		}
		if err := decodeJSON(resp, &counts); err != nil {
			return err
		}

		printStatus("Kind", "%s", counts.Kind)
		printStatus("Pending", "%d", counts.Pending)
		printStatus("Running", "%d", counts.Running)
		printStatus("Completed", "%d", counts.Completed)
		printStatus("Failed", "%d", counts.Failed)
		return nil
	},
}

// --- reembed ---

var reembedCmd = &cobra.Command{
	Use:   "reembed <message-id>",
	Short: "Queue a message for re-embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/messages/"+args[0]+"/reembed", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued message %s for embedding", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := config.List()
		if err != nil {
			return err
		}
		for _, kv := range pairs {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv[0]), kv[1])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.Set(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
