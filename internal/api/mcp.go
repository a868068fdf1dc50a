package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbrichman/scry/internal/search"
	"github.com/mbrichman/scry/internal/storage"
)

// MCPSearcher abstracts the search engine for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	InvalidateCache()
}

// MCPExpander abstracts synonym management for the MCP layer.
type MCPExpander interface {
	AddMapping(term string, related []string, bidirectional bool)
	Synonyms(term string) []string
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Searcher MCPSearcher
	Expander MCPExpander
	// Model is the active embedding model, reported by the stats resource.
	Model string
}

// NewMCPServer creates an MCP server with all scry tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scry",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scry — searchable archive of past chat conversations with hybrid lexical and semantic retrieval."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_archive",
			mcp.WithDescription("Search archived conversations and return the most relevant messages with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Search mode: fts, semantic, hybrid, or auto (default auto)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("from", mcp.Description("Only messages created at or after this RFC3339 time")),
			mcp.WithString("to", mcp.Description("Only messages created at or before this RFC3339 time")),
		),
		mcpSearchArchive(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a full conversation with all its messages in chronological order."),
			mcp.WithString("conversation_id", mcp.Description("Conversation ID"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("add_synonyms",
			mcp.WithDescription("Register related terms so that queries for one also match the others."),
			mcp.WithString("term", mcp.Description("The base term"), mcp.Required()),
			mcp.WithArray("related", mcp.Description("Terms related to the base term"), mcp.Required()),
		),
		mcpAddSynonyms(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"archive://stats",
			"Archive Stats",
			mcp.WithResourceDescription("Message counts, embedding coverage, and job queue state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"archive://recent",
			"Recent Conversations",
			mcp.WithResourceDescription("The 10 most recently updated conversations (titles only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchArchive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sreq := search.Request{
			Query: query,
			Mode:  req.GetString("mode", ""),
			Limit: req.GetInt("limit", 0),
		}
		if from := req.GetString("from", ""); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid from: %v", err)), nil
			}
			sreq.From = t
		}
		if to := req.GetString("to", ""); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid to: %v", err)), nil
			}
			sreq.To = t
		}

		resp, err := deps.Searcher.Search(ctx, sreq)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hitResult struct {
			MessageID      int64   `json:"message_id"`
			ConversationID string  `json:"conversation_id"`
			Role           string  `json:"role"`
			Content        string  `json:"content"`
			Score          float64 `json:"score"`
			CreatedAt      string  `json:"created_at"`
		}

		results := make([]hitResult, len(resp.Results))
		for i, res := range resp.Results {
			results[i] = hitResult{
				MessageID:      res.Message.ID,
				ConversationID: res.Message.ConversationID,
				Role:           res.Message.Role,
				Content:        res.Message.Content,
				Score:          res.Score,
				CreatedAt:      res.Message.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(map[string]any{
			"mode":    resp.Mode,
			"results": results,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		conv, err := deps.Store.GetConversation(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get conversation: %v", err)), nil
		}

		b, err := json.Marshal(conv)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpAddSynonyms(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		term, err := req.RequireString("term")
		if err != nil {
			return mcpError("term is required"), nil
		}
		related := req.GetStringSlice("related", nil)
		if len(related) == 0 {
			return mcpError("related is required"), nil
		}

		deps.Expander.AddMapping(term, related, true)
		deps.Searcher.InvalidateCache()

		return mcpText(fmt.Sprintf("Registered %d synonyms for %q", len(related), term)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		total, err := deps.Store.CountMessages()
		if err != nil {
			return nil, fmt.Errorf("failed to count messages: %w", err)
		}
		cov, err := deps.Store.EmbeddingCoverage(deps.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to compute coverage: %w", err)
		}
		counts, err := deps.Store.CountJobs(storage.JobKindEmbedding)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"model":    deps.Model,
			"messages": total,
			"coverage": cov,
			"jobs": map[string]int{
				"pending":   counts.Pending,
				"running":   counts.Running,
				"completed": counts.Completed,
				"failed":    counts.Failed,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Store.ListConversationsPage(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}

		type convSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
		}

		summaries := make([]convSummary, len(convs))
		for i, c := range convs {
			title := c.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = convSummary{
				ID:        c.ID,
				Title:     title,
				UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
