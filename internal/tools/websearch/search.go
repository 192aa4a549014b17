// Package websearch provides the WebBrowse tool: web search through SearXNG
// or the DuckDuckGo Instant Answer API with a TTL cache. The top results
// can be visited and their readable text appended to the snippet.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conduit/internal/tools/toolschema"
)

// ToolName is the name the model calls the tool by.
const ToolName = "WebBrowse"

// SearchBackend selects the search provider.
type SearchBackend string

const (
	BackendSearXNG    SearchBackend = "searxng"
	BackendDuckDuckGo SearchBackend = "duckduckgo"

	// maxCacheSize bounds the response cache.
	maxCacheSize = 1000

	defaultDuckDuckGoURL = "https://api.duckduckgo.com/"

	// browseConcurrency bounds parallel page visits per search.
	browseConcurrency = 3
)

// Config holds configuration for the web search tool.
type Config struct {
	// SearXNGURL is the SearXNG instance base URL.
	SearXNGURL string `json:"searxng_url,omitempty"`

	// DuckDuckGoURL overrides the Instant Answer API endpoint.
	DuckDuckGoURL string `json:"duckduckgo_url,omitempty"`

	// DefaultBackend is searxng when SearXNGURL is set, else duckduckgo.
	DefaultBackend SearchBackend `json:"default_backend,omitempty"`

	// ResultCount is the number of results returned. Default: 5
	ResultCount int `json:"result_count,omitempty"`

	// CacheTTL is how long responses are reused. Default: 5m
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// BrowseResults is how many top results are visited. Zero disables
	// browsing.
	BrowseResults int `json:"browse_results,omitempty"`

	// Extractor visits result pages. Browsing is off when nil.
	Extractor *Extractor `json:"-"`

	// HTTPClient overrides the default client.
	HTTPClient *http.Client `json:"-"`
}

type params struct {
	Query string `json:"query" jsonschema:"description=the completed question to search"`
}

// SearchResult is one search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type cacheEntry struct {
	results   []SearchResult
	expiresAt time.Time
}

// WebSearchTool implements agent.Tool for web search. It is safe for
// concurrent use and shared between runs so the cache is too.
type WebSearchTool struct {
	config     Config
	httpClient *http.Client
	cache      map[string]*cacheEntry
	cacheMu    sync.RWMutex
	now        func() time.Time
}

// NewWebSearchTool creates the tool, applying defaults to config.
func NewWebSearchTool(config Config) *WebSearchTool {
	if config.ResultCount <= 0 {
		config.ResultCount = 5
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.DuckDuckGoURL == "" {
		config.DuckDuckGoURL = defaultDuckDuckGoURL
	}
	if config.BrowseResults < 0 || config.Extractor == nil {
		config.BrowseResults = 0
	}
	if config.DefaultBackend == "" {
		if config.SearXNGURL != "" {
			config.DefaultBackend = BackendSearXNG
		} else {
			config.DefaultBackend = BackendDuckDuckGo
		}
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebSearchTool{
		config:     config,
		httpClient: client,
		cache:      make(map[string]*cacheEntry),
		now:        time.Now,
	}
}

func (t *WebSearchTool) Name() string { return ToolName }

func (t *WebSearchTool) Description() string {
	return "Useful for when you need to search for information on the internet."
}

func (t *WebSearchTool) Schema() json.RawMessage { return toolschema.Reflect(&params{}) }

// Execute searches with the default backend, falling back to DuckDuckGo
// when SearXNG fails, and returns numbered results as text.
func (t *WebSearchTool) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return "", fmt.Errorf("invalid arguments: query is required")
	}

	backend := t.config.DefaultBackend
	cacheKey := fmt.Sprintf("%s:%d:%d:%s", backend, t.config.ResultCount, t.config.BrowseResults, query)
	if cached, ok := t.getFromCache(cacheKey); ok {
		return formatResults(cached), nil
	}

	var results []SearchResult
	var err error
	switch backend {
	case BackendSearXNG:
		results, err = t.searchSearXNG(ctx, query)
		if err != nil {
			results, err = t.searchDuckDuckGo(ctx, query)
		}
	case BackendDuckDuckGo:
		results, err = t.searchDuckDuckGo(ctx, query)
	default:
		return "", fmt.Errorf("unknown search backend %q", backend)
	}
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	results = t.browse(ctx, results)

	t.putInCache(cacheKey, results)
	return formatResults(results), nil
}

// browse appends the page text of the top results to their snippets. A
// page that cannot be loaded keeps its snippet.
func (t *WebSearchTool) browse(ctx context.Context, results []SearchResult) []SearchResult {
	n := min(t.config.BrowseResults, len(results))
	if n == 0 {
		return results
	}
	out := make([]SearchResult, len(results))
	copy(out, results)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(browseConcurrency)
	for i := range n {
		g.Go(func() error {
			text, err := t.config.Extractor.Extract(gctx, out[i].URL)
			if err == nil && text != "" {
				out[i].Snippet += "\n" + text
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func formatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	parts := make([]string, 0, len(results))
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("%d.\nTITLE:%s\nTEXT:%s\nSOURCE_URL:%s", i+1, r.Title, r.Snippet, r.URL))
	}
	return strings.Join(parts, "\n\n")
}

func (t *WebSearchTool) getFromCache(key string) ([]SearchResult, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	entry, exists := t.cache[key]
	if !exists || t.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

func (t *WebSearchTool) putInCache(key string, results []SearchResult) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := t.now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	// Evict the entry closest to expiry while still full.
	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldest time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey, oldest = k, v.expiresAt
			}
		}
		delete(t.cache, oldestKey)
	}
	t.cache[key] = &cacheEntry{results: results, expiresAt: now.Add(t.config.CacheTTL)}
}

func (t *WebSearchTool) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConduitBot/1.0)")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (t *WebSearchTool) searchSearXNG(ctx context.Context, query string) ([]SearchResult, error) {
	if t.config.SearXNGURL == "" {
		return nil, fmt.Errorf("searxng url not configured")
	}
	searchURL, err := url.Parse(t.config.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid searxng url: %w", err)
	}
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("pageno", "1")
	values.Set("categories", "general")
	searchURL.Path = strings.TrimRight(searchURL.Path, "/") + "/search"
	searchURL.RawQuery = values.Encode()

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := t.getJSON(ctx, searchURL.String(), &resp); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, t.config.ResultCount)
	for _, r := range resp.Results {
		if len(results) == t.config.ResultCount {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string) ([]SearchResult, error) {
	searchURL, err := url.Parse(t.config.DuckDuckGoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid duckduckgo url: %w", err)
	}
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("no_html", "1")
	searchURL.RawQuery = values.Encode()

	var resp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := t.getJSON(ctx, searchURL.String(), &resp); err != nil {
		return nil, err
	}

	var results []SearchResult
	if resp.AbstractText != "" && resp.AbstractURL != "" {
		results = append(results, SearchResult{Title: resp.Heading, URL: resp.AbstractURL, Snippet: resp.AbstractText})
	}
	for _, topic := range resp.RelatedTopics {
		if len(results) >= t.config.ResultCount {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}
