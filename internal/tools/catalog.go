// Package tools builds the tool registry an assistant runs with.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/tools/datetime"
	"github.com/haasonsaas/conduit/internal/tools/knowledge"
	"github.com/haasonsaas/conduit/internal/tools/websearch"
	"github.com/haasonsaas/conduit/pkg/models"
)

// CatalogConfig configures the built-in tools.
type CatalogConfig struct {
	Knowledge knowledge.Config
	WebSearch websearch.Config

	// Location is the zone GetDate reports in. Default: local.
	Location *time.Location

	Logger *slog.Logger
}

// Catalog maps an assistant's tool list onto built-in implementations.
//
//	retrieval        -> FileKnowledge, scoped to the assistant's collection
//	web_browse       -> WebBrowse
//	function GetDate -> GetDate
//
// code_interpreter and other function tools have no implementation and
// are not offered to the model.
type Catalog struct {
	knowledge knowledge.Config
	web       *websearch.WebSearchTool
	date      *datetime.Tool
	logger    *slog.Logger
}

// NewCatalog creates a catalog. The web search tool and its cache are
// shared by every run.
func NewCatalog(config CatalogConfig) *Catalog {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		knowledge: config.Knowledge,
		web:       websearch.NewWebSearchTool(config.WebSearch),
		date:      datetime.New(config.Location),
		logger:    logger.With("component", "tools"),
	}
}

// Registry builds the registry for one run.
func (c *Catalog) Registry(ctx context.Context, assistant *models.Assistant) (agent.ToolRegistry, error) {
	var selected []agent.Tool
	seen := map[string]bool{}
	add := func(tool agent.Tool) {
		if !seen[tool.Name()] {
			seen[tool.Name()] = true
			selected = append(selected, tool)
		}
	}

	for _, spec := range assistant.Tools {
		switch spec.Type {
		case models.ToolTypeRetrieval:
			tool, err := knowledge.New(c.knowledge, assistant.ID)
			if err != nil {
				c.logger.WarnContext(ctx, "retrieval tool unavailable", "assistant_id", assistant.ID, "error", err)
				continue
			}
			add(tool)
		case models.ToolTypeWebBrowse:
			add(c.web)
		case models.ToolTypeFunction:
			if spec.Function != nil && spec.Function.Name == datetime.ToolName {
				add(c.date)
				continue
			}
			c.logger.DebugContext(ctx, "function tool has no implementation", "assistant_id", assistant.ID)
		case models.ToolTypeCodeInterpreter:
			// Never offered.
		default:
			c.logger.DebugContext(ctx, "unknown tool type", "type", spec.Type)
		}
	}
	return agent.NewToolRegistry(selected...)
}
