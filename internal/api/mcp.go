package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/schedule"
	"github.com/kalambet/okkake/internal/syosetu"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Novels  NovelSource
	BaseURL string
	Clock   Clock // optional; defaults to the wall clock
	Version string
}

// NewMCPServer creates an MCP server exposing ncode conversion, novel
// metadata lookup and replay schedule preview.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := server.NewMCPServer(
		"okkake",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("okkake replays the published episodes of syosetu.com novels as daily Atom feeds."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("decode_ncode",
			mcp.WithDescription("Convert between a syosetu ncode (e.g. n4830bu) and its integer value."),
			mcp.WithString("value", mcp.Description("An ncode, or a non-negative integer to encode"), mcp.Required()),
		),
		mcpDecodeNcode(),
	)

	s.AddTool(
		mcp.NewTool("novel_info",
			mcp.WithDescription("Return the cached or freshly fetched metadata of a novel: title, author and episode titles."),
			mcp.WithString("ncode", mcp.Description("Novel code, e.g. n4830bu"), mcp.Required()),
			mcp.WithString("category", mcp.Description("ncode (default) or novel18")),
		),
		mcpNovelInfo(deps),
	)

	s.AddTool(
		mcp.NewTool("replay_schedule",
			mcp.WithDescription("Preview the entries a replay feed currently exposes, newest first."),
			mcp.WithString("ncode", mcp.Description("Novel code, e.g. n4830bu"), mcp.Required()),
			mcp.WithString("category", mcp.Description("ncode (default) or novel18")),
			mcp.WithString("start", mcp.Description("RFC 3339 start time (default: now, truncated to the minute)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10, max 100)")),
		),
		mcpReplaySchedule(deps),
	)

	return s
}

type ncodeResult struct {
	Ncode  string `json:"ncode"`
	Number uint32 `json:"number"`
}

func mcpDecodeNcode() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}
		value = strings.TrimSpace(value)

		var code ncode.Ncode
		if n, convErr := strconv.ParseUint(value, 10, 32); convErr == nil {
			code = ncode.Ncode(n)
		} else if code, err = ncode.Parse(value); err != nil {
			return mcpError(fmt.Sprintf("%q is neither an ncode nor a 32-bit integer", value)), nil
		}

		return mcpJSON(ncodeResult{Ncode: code.String(), Number: uint32(code)})
	}
}

type novelInfo struct {
	Ncode     string        `json:"ncode"`
	Category  string        `json:"category"`
	URL       string        `json:"url"`
	FetchedAt string        `json:"fetched_at"`
	Source    string        `json:"source"`
	Novel     syosetu.Novel `json:"novel"`
}

func mcpNovelInfo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cat, code, errResult := novelArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		res, err := deps.Novels.Get(ctx, cat, code)
		if err != nil {
			return mcpError(novelError(err)), nil
		}

		return mcpJSON(novelInfo{
			Ncode:     code.String(),
			Category:  cat.String(),
			URL:       cat.NovelURL(code),
			FetchedAt: res.FetchedAt.UTC().Format(time.RFC3339),
			Source:    res.Source.String(),
			Novel:     res.Novel,
		})
	}
}

type scheduleEntry struct {
	Episode     int    `json:"episode"`
	Title       string `json:"title"`
	PublishedAt string `json:"published_at"`
	URL         string `json:"url"`
}

type scheduleResult struct {
	Title   string          `json:"title"`
	FeedURL string          `json:"feed_url"`
	Total   int             `json:"total"`
	Entries []scheduleEntry `json:"entries"`
}

func mcpReplaySchedule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cat, code, errResult := novelArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		now := deps.Clock.Now()
		start := now.UTC().Truncate(time.Minute)
		if raw := req.GetString("start", ""); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid start %q: expected RFC 3339", raw)), nil
			}
			start = t
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > schedule.WindowSize {
			limit = schedule.WindowSize
		}

		res, err := deps.Novels.Get(ctx, cat, code)
		if err != nil {
			return mcpError(novelError(err)), nil
		}

		entries := schedule.Build(schedule.Params{
			Start:     start,
			Now:       now,
			Subtitles: res.Novel.Subtitles,
			NovelURL:  cat.NovelURL(code),
		})
		out := scheduleResult{
			Title:   res.Novel.Title,
			FeedURL: FeedURL(deps.BaseURL, cat, code, start),
			Total:   len(entries),
			Entries: make([]scheduleEntry, 0, min(limit, len(entries))),
		}
		for _, e := range entries {
			if len(out.Entries) == limit {
				break
			}
			out.Entries = append(out.Entries, scheduleEntry{
				Episode:     e.Index + 1,
				Title:       e.Title,
				PublishedAt: e.PublishedAt.Format(time.RFC3339),
				URL:         e.URL,
			})
		}
		return mcpJSON(out)
	}
}

func novelArgs(req mcp.CallToolRequest) (syosetu.Category, ncode.Ncode, *mcp.CallToolResult) {
	raw, err := req.RequireString("ncode")
	if err != nil {
		return 0, 0, mcpError("ncode is required")
	}
	code, err := ncode.Parse(strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, mcpError(fmt.Sprintf("invalid ncode %q", raw))
	}
	cat, err := syosetu.ParseCategory(req.GetString("category", ""))
	if err != nil {
		return 0, 0, mcpError(err.Error())
	}
	return cat, code, nil
}

func novelError(err error) string {
	var fe *freshness.FetchError
	if errors.As(err, &fe) {
		return fmt.Sprintf("novel unavailable: %v", fe)
	}
	return fmt.Sprintf("loading novel failed: %v", err)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
