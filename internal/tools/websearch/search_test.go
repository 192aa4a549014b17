package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebSearchTool_Schema(t *testing.T) {
	tool := NewWebSearchTool(Config{})
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("failed to unmarshal schema: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatal("schema should have properties")
	}
	if _, ok := props["query"]; !ok {
		t.Error("schema should have query property")
	}
	if tool.Name() != "WebBrowse" {
		t.Errorf("Name() = %q", tool.Name())
	}
}

func TestWebSearchTool_InvalidParams(t *testing.T) {
	tool := NewWebSearchTool(Config{})
	for _, params := range []string{`{invalid}`, `{}`, `{"query":" "}`} {
		if _, err := tool.Execute(context.Background(), json.RawMessage(params)); err == nil {
			t.Errorf("Execute(%s) expected error", params)
		}
	}
}

func TestWebSearchTool_SearXNG(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/search" || r.URL.Query().Get("q") != "golang" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "Go", "url": "https://go.dev", "content": "The Go language"},
				{"title": "Tour", "url": "https://go.dev/tour", "content": "A tour of Go"},
				{"title": "Extra", "url": "https://example.com", "content": "dropped"},
			},
		})
	}))
	defer server.Close()

	tool := NewWebSearchTool(Config{SearXNGURL: server.URL, ResultCount: 2})
	got, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "1.\nTITLE:Go\nTEXT:The Go language\nSOURCE_URL:https://go.dev\n\n" +
		"2.\nTITLE:Tour\nTEXT:A tour of Go\nSOURCE_URL:https://go.dev/tour"
	if got != want {
		t.Fatalf("Execute() = %q, want %q", got, want)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang"}`)); err != nil {
		t.Fatalf("cached Execute() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("backend hits = %d, want 1 (cached)", hits.Load())
	}

	tool.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang"}`)); err != nil {
		t.Fatalf("expired Execute() error = %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("backend hits = %d, want 2 after expiry", hits.Load())
	}
}

func TestWebSearchTool_FallsBackToDuckDuckGo(t *testing.T) {
	searx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer searx.Close()
	ddg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("no_html") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{
			"Heading": "Go",
			"AbstractText": "Go is a language.",
			"AbstractURL": "https://en.wikipedia.org/wiki/Go",
			"RelatedTopics": [{"FirstURL": "https://go.dev", "Text": "Go homepage"}, {"FirstURL": "", "Text": "skip"}]
		}`))
	}))
	defer ddg.Close()

	tool := NewWebSearchTool(Config{SearXNGURL: searx.URL, DuckDuckGoURL: ddg.URL})
	got, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(got, "1.\nTITLE:Go\nTEXT:Go is a language.") || !strings.Contains(got, "2.\nTITLE:Go homepage") {
		t.Fatalf("Execute() = %q", got)
	}
	if strings.Contains(got, "skip") {
		t.Fatal("topic without url should be skipped")
	}
}

func TestWebSearchTool_BackendFailure(t *testing.T) {
	ddg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ddg.Close()

	tool := NewWebSearchTool(Config{DuckDuckGoURL: ddg.URL})
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"go"}`))
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestWebSearchTool_BrowsesTopResults(t *testing.T) {
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/weather":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><main><p>Berlin: sunny, 21°C</p></main></body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer pages.Close()

	searx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "Weather", "url": pages.URL + "/weather", "content": "Forecast"},
				{"title": "Gone", "url": pages.URL + "/missing", "content": "Old page"},
				{"title": "Third", "url": pages.URL + "/weather", "content": "Not visited"},
			},
		})
	}))
	defer searx.Close()

	tool := NewWebSearchTool(Config{
		SearXNGURL:    searx.URL,
		BrowseResults: 2,
		Extractor:     NewExtractor(AllowPrivateHosts()),
	})
	got, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"weather berlin"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "1.\nTITLE:Weather\nTEXT:Forecast\nBerlin: sunny, 21°C\nSOURCE_URL:" + pages.URL + "/weather\n\n" +
		"2.\nTITLE:Gone\nTEXT:Old page\nSOURCE_URL:" + pages.URL + "/missing\n\n" +
		"3.\nTITLE:Third\nTEXT:Not visited\nSOURCE_URL:" + pages.URL + "/weather"
	if got != want {
		t.Fatalf("Execute() = %q, want %q", got, want)
	}
}

func TestNewWebSearchTool_BrowsingNeedsExtractor(t *testing.T) {
	tool := NewWebSearchTool(Config{BrowseResults: 3})
	if tool.config.BrowseResults != 0 {
		t.Fatalf("BrowseResults = %d without an extractor, want 0", tool.config.BrowseResults)
	}
}

func TestFormatResults_Empty(t *testing.T) {
	if got := formatResults(nil); got != "No results found." {
		t.Fatalf("formatResults(nil) = %q", got)
	}
}
