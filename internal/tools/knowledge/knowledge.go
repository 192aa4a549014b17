// Package knowledge provides the FileKnowledge retrieval tool backed by the
// vector database's similarity match endpoint.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/tools/toolschema"
)

// ToolName is the name the model calls the tool by.
const ToolName = "FileKnowledge"

// Config configures the vector database client.
type Config struct {
	// URL is the vector database base URL, e.g. http://vector-db:8010.
	URL string

	// TopK is the number of candidates matched. Default: 10
	TopK int

	// TopR is the number of candidates kept after reranking. Default: 5
	TopR int

	// Rerank enables reranking on the vector database.
	Rerank bool

	// Timeout bounds one request. Default: 30s
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

type params struct {
	Query string `json:"query" jsonschema:"description=the completed question to search"`
}

type matchRequest struct {
	Text           string `json:"text"`
	CollectionName string `json:"collection_name"`
	TopK           int    `json:"topk"`
	Rerank         bool   `json:"rerank"`
	TopR           int    `json:"topr"`
}

type matchResponse struct {
	Response []struct {
		Text string `json:"text"`
	} `json:"response"`
}

// Tool searches the files uploaded to one assistant. Each assistant's
// files live in a collection named after the assistant ID.
type Tool struct {
	config     Config
	collection string
	client     *http.Client
}

// New creates a FileKnowledge tool scoped to assistantID.
func New(config Config, assistantID string) (*Tool, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("knowledge: vector db url is required")
	}
	if assistantID == "" {
		return nil, fmt.Errorf("knowledge: assistant id is required")
	}
	if config.TopK <= 0 {
		config.TopK = 10
	}
	if config.TopR <= 0 {
		config.TopR = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	config.URL = strings.TrimRight(config.URL, "/")
	return &Tool{config: config, collection: assistantID, client: client}, nil
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Useful for when you need to answer questions about the files the user uploaded."
}

func (t *Tool) Schema() json.RawMessage { return toolschema.Reflect(&params{}) }

// Execute returns the matched passages, each followed by a blank line.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(p.Query) == "" {
		return "", fmt.Errorf("invalid arguments: query is required")
	}

	body, err := json.Marshal(matchRequest{
		Text:           p.Query,
		CollectionName: t.collection,
		TopK:           t.config.TopK,
		Rerank:         t.config.Rerank,
		TopR:           t.config.TopR,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL+"/similarity_match", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("similarity match: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("similarity match returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var match matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return "", fmt.Errorf("decode similarity match: %w", err)
	}

	var b strings.Builder
	for _, r := range match.Response {
		b.WriteString(r.Text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}
