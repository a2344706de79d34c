package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/medctx/internal/api"
	"github.com/kalambet/medctx/internal/config"
	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/extract"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/storage"
	"github.com/kalambet/medctx/internal/termsearch"
)

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- ingest ---

type ingestOptions struct {
	text, url, file             string
	title, category, date       string
	summary, language, provider string
	tags, terms                 string
}

// buildIngestRequest turns CLI flags into an ingest request. Text files are
// sent as content; other files are base64-encoded for server-side extraction.
func buildIngestRequest(o ingestOptions) (api.IngestRequest, error) {
	req := api.IngestRequest{
		Title:        o.title,
		Category:     o.category,
		Date:         o.date,
		Summary:      o.summary,
		Language:     o.language,
		Provider:     o.provider,
		Tags:         splitList(o.tags),
		MedicalTerms: splitList(o.terms),
	}

	switch {
	case o.text != "":
		req.Type = "text"
		req.Content = o.text
	case o.url != "":
		req.Type = "url"
		req.URL = o.url
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return api.IngestRequest{}, fmt.Errorf("reading file: %w", err)
		}
		contentType := fileContentType(o.file)
		if contentType == extract.TypePlain || contentType == extract.TypeMarkdown {
			req.Type = "text"
			req.Content = string(data)
		} else {
			req.Type = "file"
			req.Content = base64.StdEncoding.EncodeToString(data)
		}
		req.ContentType = contentType
		if req.Title == "" {
			req.Title = filepath.Base(o.file)
		}
	default:
		return api.IngestRequest{}, fmt.Errorf("one of --text, --url, or --file is required")
	}
	return req, nil
}

func fileContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return extract.TypeMarkdown
	case ".txt", "":
		return extract.TypePlain
	case ".htm", ".html":
		return extract.TypeHTML
	case ".pdf":
		return extract.TypePDF
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return extract.TypePlain
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store a medical document and queue it for embedding",
	Long: `Store a medical document and queue it for embedding.

Examples:
  medctx ingest --text "LDL 160 mg/dL" --title "Lipid panel" --category lab --date 2024-03-01
  medctx ingest --file ./discharge.pdf --category discharge --terms "pneumonia,amoxicillin"
  medctx ingest --url https://example.com/report.html --tags imported`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var o ingestOptions
		o.text, _ = f.GetString("text")
		o.url, _ = f.GetString("url")
		o.file, _ = f.GetString("file")
		o.title, _ = f.GetString("title")
		o.category, _ = f.GetString("category")
		o.date, _ = f.GetString("date")
		o.summary, _ = f.GetString("summary")
		o.language, _ = f.GetString("language")
		o.provider, _ = f.GetString("provider")
		o.tags, _ = f.GetString("tags")
		o.terms, _ = f.GetString("terms")

		req, err := buildIngestRequest(o)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	f := ingestCmd.Flags()
	f.String("text", "", "text content to ingest")
	f.String("url", "", "URL to fetch and ingest")
	f.String("file", "", "file to ingest (text, markdown, HTML or PDF)")
	f.String("title", "", "document title")
	f.String("category", "", "document category, e.g. lab, medications, cardiology")
	f.String("date", "", "clinical date of the document (ISO 8601)")
	f.String("summary", "", "short summary used for keyword matching")
	f.String("language", "", "document language")
	f.String("provider", "", "embedding provider to try first")
	f.String("tags", "", "comma-separated tags")
	f.String("terms", "", "comma-separated medical terms")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "List, show or delete stored documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), withQuery("/v1/documents", map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}))
		if err != nil {
			return err
		}
		var docs []storage.Document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Fprintln(stdout, "No documents found.")
			return nil
		}
		for _, d := range docs {
			date := d.DocDate
			if date == "" {
				date = d.CreatedAt.Format("2006-01-02")
			}
			fmt.Fprintf(stdout, "%s  %-10s  %-14s  %s\n",
				colorize(colorCyan, d.ID),
				date,
				d.Category,
				truncate(d.Title, 60),
			)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/documents/"+args[0])
		if err != nil {
			return err
		}
		var doc storage.Document
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/documents/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsListCmd.Flags().Int("offset", 0, "number of documents to skip")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- search ---

func printResults(results []retrieval.Result) {
	if len(results) == 0 {
		fmt.Fprintln(stdout, "No results found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(stdout, "\n%s %s [relevance: %.3f, similarity: %.3f]\n",
			colorize(colorBold, fmt.Sprintf("%d.", i+1)),
			colorize(colorCyan, r.DocumentID),
			r.RelevanceScore,
			r.Similarity,
		)
		meta := r.Metadata
		fmt.Fprintf(stdout, "  %s", meta.DocumentType)
		if meta.Date != "" {
			fmt.Fprintf(stdout, "  %s", meta.Date)
		}
		if len(meta.Tags) > 0 {
			fmt.Fprintf(stdout, "  [%s]", strings.Join(meta.Tags, ", "))
		}
		fmt.Fprintln(stdout)
		if r.Excerpt != "" {
			fmt.Fprintf(stdout, "  %s\n", truncate(r.Excerpt, 200))
		}
	}
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over embedded documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		req := api.SearchRequest{Query: strings.Join(args, " ")}
		req.MaxResults, _ = f.GetInt("limit")
		req.From, _ = f.GetString("from")
		req.To, _ = f.GetString("to")
		req.TimeDecay, _ = f.GetBool("decay")
		req.Provider, _ = f.GetString("provider")
		types, _ := f.GetString("types")
		tags, _ := f.GetString("tags")
		req.DocumentTypes = splitList(types)
		req.Tags = splitList(tags)
		if f.Changed("threshold") {
			th, _ := f.GetFloat64("threshold")
			req.Threshold = &th
		}
		asJSON, _ := f.GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/search", req)
		if err != nil {
			return err
		}
		var out api.SearchResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if asJSON {
			return printJSON(out)
		}
		printResults(out.Results)
		if out.Provider != "" {
			fmt.Fprintf(stdout, "\nembedded with %s (%s)\n", out.Provider, out.Model)
		}
		return nil
	},
}

func init() {
	f := searchCmd.Flags()
	f.Int("limit", 10, "maximum number of results")
	f.String("types", "", "comma-separated document types to search")
	f.String("tags", "", "comma-separated tags to search")
	f.String("from", "", "earliest document date")
	f.String("to", "", "latest document date")
	f.Float64("threshold", 0, "minimum similarity")
	f.Bool("decay", false, "prefer recent documents")
	f.String("provider", "", "embedding provider to try first")
	f.Bool("json", false, "print the raw JSON response")
}

// --- terms ---

var termsCmd = &cobra.Command{
	Use:   "terms <term>...",
	Short: "Find documents by medical terms and temporal words (latest, recent, historical)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		types, _ := f.GetString("types")
		limit, _ := f.GetInt("limit")
		content, _ := f.GetBool("content")
		req := termsearch.Request{
			Terms:          args,
			DocumentTypes:  splitList(types),
			IncludeContent: content,
			Limit:          limit,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents/search", req)
		if err != nil {
			return err
		}
		var out termsearch.Response
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Matches) == 0 {
			fmt.Fprintln(stdout, "No matching documents.")
			return nil
		}
		for i, m := range out.Matches {
			fmt.Fprintf(stdout, "%s %s [relevance: %.2f] %s %s\n",
				colorize(colorBold, fmt.Sprintf("%d.", i+1)),
				colorize(colorCyan, m.DocumentID),
				m.Relevance,
				m.Category,
				m.Date,
			)
			fmt.Fprintf(stdout, "  matched: %s\n", strings.Join(m.MatchedTerms, ", "))
			if content && m.Content != "" {
				fmt.Fprintf(stdout, "  %s: %s\n", m.Title, truncate(m.Content, 300))
			}
		}
		return nil
	},
}

func init() {
	termsCmd.Flags().String("types", "", "comma-separated document categories")
	termsCmd.Flags().Int("limit", 0, "maximum number of matches (server default when 0)")
	termsCmd.Flags().Bool("content", false, "include document title and content")
}

// --- similar ---

var similarCmd = &cobra.Command{
	Use:   "similar <document-id>",
	Short: "List documents similar to a stored document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		params := map[string]string{"limit": strconv.Itoa(limit)}
		if cmd.Flags().Changed("threshold") {
			th, _ := cmd.Flags().GetFloat64("threshold")
			params["threshold"] = strconv.FormatFloat(th, 'f', -1, 64)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), withQuery("/v1/documents/"+args[0]+"/similar", params))
		if err != nil {
			return err
		}
		var out api.SearchResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printResults(out.Results)
		return nil
	},
}

func init() {
	similarCmd.Flags().Int("limit", 5, "maximum number of results")
	similarCmd.Flags().Float64("threshold", 0, "minimum similarity")
}

// --- stats / evict ---

func printStoreStats(stats retrieval.Stats) {
	printStatus("Embeddings", "%d", stats.Count)
	printStatus("Memory", "%.2f / %.0f MB", stats.MemoryMB, stats.MaxMemoryMB)
	printStatus("Buckets", "%d types, %d months, %d tags", stats.TypeBuckets, stats.MonthBuckets, stats.TagBuckets)
	for t, n := range stats.Types {
		printStatus("  "+t, "%d", n)
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show embedding store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/store/stats")
		if err != nil {
			return err
		}
		var stats api.StatsResponse
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(stats)
		}
		printStatus("Documents", "%d", stats.Documents)
		printStoreStats(stats.Store)
		printStatus("Loaded at start", "%d ok, %d failed", stats.Load.Loaded, stats.Load.Failed)
		printStatus("Jobs", "%d pending, %d running, %d failed", stats.Jobs[storage.JobPending], stats.Jobs[storage.JobRunning], stats.Jobs[storage.JobFailed])
		return nil
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict the oldest embeddings from memory down to a target size",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetFloat64("target")
		if target < 0 {
			return fmt.Errorf("--target must not be negative")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/store/evict", map[string]float64{"target_mb": target})
		if err != nil {
			return err
		}
		var out struct {
			Removed int             `json:"removed"`
			Stats   retrieval.Stats `json:"stats"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Evicted %d embeddings", out.Removed)
		printStoreStats(out.Stats)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "print the raw JSON response")
	evictCmd.Flags().Float64("target", 0, "target memory in MB (0 means 80% of the configured maximum)")
}

// --- providers ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List embedding providers and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/providers")
		if err != nil {
			return err
		}
		var providers []embedding.ProviderStatus
		if err := decodeJSON(resp, &providers); err != nil {
			return err
		}
		for _, p := range providers {
			role := "registered"
			switch {
			case p.Primary:
				role = "primary"
			case p.Fallback:
				role = "fallback"
			}
			state := colorize(colorGreen, "available")
			if !p.Health.Available {
				state = colorize(colorRed, "circuit open")
			}
			fmt.Fprintf(stdout, "%-8s %-10s %s (%d dims)  %s  failures: %d\n",
				p.Name, role, p.Model, p.Dimensions, state, p.Health.FailureCount)
		}
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s%s\n", colorize(colorBold, k.Key), k.Value, keySource(k))
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

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

// keySource annotates a config value with where it came from.
func keySource(k config.KeyInfo) string {
	switch {
	case k.FromEnv:
		return colorize(colorYellow, "  (from "+k.EnvVar+")")
	case k.Value != k.Default:
		return colorize(colorGray, "  (default "+k.Default+")")
	}
	return ""
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <name> <value>",
	Short: "Store a secret (" + strings.Join(config.SecretNames(), ", ") + ") in the platform keychain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewKeychain(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored secret %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
