package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/session"
	"github.com/kalambet/medctx/internal/storage"
)

const maxToolResults = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Session   *session.Session
	Providers ProviderLister // optional; if nil, the providers resource is empty
	Search    SearchDefaults
}

// NewMCPServer creates an MCP server with all medctx tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"medctx",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medctx: local semantic search over the user's medical documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Find medical documents by terms. Terms may include the temporal words latest, recent and historical."),
			mcp.WithArray("terms", mcp.Description("Search terms, e.g. [\"latest\", \"heart\"]"), mcp.Required()),
			mcp.WithArray("documentTypes", mcp.Description("Restrict to these document categories")),
			mcp.WithBoolean("includeContent", mcp.Description("Include title and content in matches")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of matches (default 10)")),
			mcp.WithNumber("threshold", mcp.Description("Relevance threshold, echoed back")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("semantic_search",
			mcp.WithDescription("Semantically search the embedded documents with a natural-language query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithArray("document_types", mcp.Description("Restrict to these document types")),
			mcp.WithArray("tags", mcp.Description("Restrict to documents with any of these tags")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum similarity")),
			mcp.WithBoolean("time_decay", mcp.Description("Prefer recent documents")),
		),
		mcpSemanticSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("List documents similar to a given document."),
			mcp.WithString("document_id", mcp.Description("ID of the reference document"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Store a medical document and queue it for embedding."),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("category", mcp.Description("Document category, e.g. lab, medications")),
			mcp.WithString("date", mcp.Description("Clinical date of the document (ISO 8601)")),
			mcp.WithArray("medical_terms", mcp.Description("Medical terms mentioned in the document")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("store_stats",
			mcp.WithDescription("Report how many embeddings are loaded and how much memory they use."),
		),
		mcpStoreStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"medctx://providers",
			"Embedding Providers",
			mcp.WithResourceDescription("Registered embedding providers and their health"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProviders(deps),
	)

	return s
}

// mcpSearchDocuments passes the tool arguments through the same request
// decoding as the REST endpoint, so invalid terms produce the structured
// error payload.
func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		resp, err := termSearch(ctx, deps.Session, args)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		if resp.Error != nil {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSemanticSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sreq := SearchRequest{
			Query:         query,
			DocumentTypes: req.GetStringSlice("document_types", nil),
			Tags:          req.GetStringSlice("tags", nil),
			MaxResults:    toolLimit(req, deps.Search.MaxResults),
			TimeDecay:     req.GetBool("time_decay", false),
		}
		if args := req.GetArguments(); args["threshold"] != nil {
			th := req.GetFloat("threshold", 0)
			sreq.Threshold = &th
		}

		resp, err := runSearch(ctx, deps.Session, deps.Search, sreq)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		results, err := deps.Session.Searcher().FindSimilar(id, retrieval.SearchOptions{
			MaxResults: toolLimit(req, deps.Search.MaxResults),
		})
		if errors.Is(err, retrieval.ErrDocumentNotFound) {
			return mcpError(fmt.Sprintf("document %s has no embedding loaded", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("similarity search failed: %v", err)), nil
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		b, err := json.Marshal(SearchResponse{Results: results})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		date := req.GetString("date", "")
		if date != "" {
			if _, ok := retrieval.ParseDate(date); !ok {
				return mcpError(fmt.Sprintf("unrecognized date %q", date)), nil
			}
		}

		doc := storage.Document{
			ID:           uuid.New().String(),
			Title:        req.GetString("title", ""),
			Category:     req.GetString("category", ""),
			Content:      content,
			MedicalTerms: req.GetStringSlice("medical_terms", nil),
			Tags:         req.GetStringSlice("tags", nil),
			DocDate:      date,
			CreatedAt:    time.Now().UTC(),
		}
		if err := saveAndQueue(deps.Store, doc, ""); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s", doc.ID)), nil
	}
}

func mcpStoreStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Session.Store().Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProviders(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		providers := []embedding.ProviderStatus{}
		if deps.Providers != nil {
			providers = deps.Providers.Providers()
		}

		b, err := json.Marshal(providers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal providers: %w", err)
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

func toolLimit(req mcp.CallToolRequest, defaultVal int) int {
	limit := req.GetInt("limit", defaultVal)
	if limit <= 0 {
		limit = defaultVal
	}
	if limit > maxToolResults {
		limit = maxToolResults
	}
	return limit
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
