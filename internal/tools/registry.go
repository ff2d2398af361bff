package tools

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/email"
	"github.com/brandon/mail-ingest/pkg/types"
)

// Registry manages MCP tools
type Registry struct {
	logger *logrus.Logger
	tools  map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Searcher queries the search index
type Searcher interface {
	Search(ctx context.Context, filters types.SearchFilters, page, pageSize int) ([]types.MessageSummary, int, error)
}

// MessageReader loads stored messages
type MessageReader interface {
	FindByID(ctx context.Context, id string) (*types.Message, error)
}

// AccountManager adds, removes and reports on ingesting accounts
type AccountManager interface {
	AddAccount(ctx context.Context, acc *types.Account) (*types.Account, error)
	RemoveAccount(ctx context.Context, id string) error
	ConnectionStatus() []email.ConnectionStatus
}

// Deps holds what the tools operate on. Tools whose dependency is nil are
// not registered.
type Deps struct {
	Index             Searcher
	Messages          MessageReader
	Accounts          AccountManager
	SearchResultLimit int
}

// NewRegistry creates a new tool registry
func NewRegistry(deps Deps, logger *logrus.Logger) *Registry {
	reg := &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
	}

	var toolList []Tool
	if deps.Index != nil {
		toolList = append(toolList, NewSearchEmailsTool(deps.Index, deps.SearchResultLimit))
	}
	if deps.Messages != nil {
		toolList = append(toolList, NewGetEmailTool(deps.Messages))
	}
	if deps.Accounts != nil {
		toolList = append(toolList,
			NewConnectionStatusTool(deps.Accounts),
			NewAddAccountTool(deps.Accounts),
			NewRemoveAccountTool(deps.Accounts),
		)
	}

	for _, tool := range toolList {
		reg.tools[tool.Name()] = tool
		logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}
	logger.WithField("count", len(reg.tools)).Info("Registered tools")

	return reg
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
