package lsp

import (
	"context"
	"fmt"
	"strings"

	"github.com/whalelabs/whale/internal/tools"
)

// toolNames maps each operation to its registry name.
var toolNames = map[Op]string{
	OpGoToDefinition:       "lsp_go_to_definition",
	OpFindReferences:       "lsp_find_references",
	OpHover:                "lsp_hover",
	OpDocumentSymbol:       "lsp_document_symbols",
	OpWorkspaceSymbol:      "lsp_workspace_symbols",
	OpGoToImplementation:   "lsp_go_to_implementation",
	OpPrepareCallHierarchy: "lsp_prepare_call_hierarchy",
	OpIncomingCalls:        "lsp_incoming_calls",
	OpOutgoingCalls:        "lsp_outgoing_calls",
}

var toolDescriptions = map[Op]string{
	OpGoToDefinition:       "Find where the symbol at a position is defined",
	OpFindReferences:       "List every reference to the symbol at a position",
	OpHover:                "Show type and documentation for the symbol at a position",
	OpDocumentSymbol:       "List the symbols declared in a file",
	OpWorkspaceSymbol:      "Search the whole workspace for symbols matching a query",
	OpGoToImplementation:   "Find implementations of the interface or method at a position",
	OpPrepareCallHierarchy: "Identify the callable item at a position",
	OpIncomingCalls:        "List callers of the function at a position",
	OpOutgoingCalls:        "List functions called by the function at a position",
}

// RegisterTools adds one lsp-category tool per operation.
func RegisterTools(reg *tools.Registry, m *Manager) {
	for _, op := range Ops {
		reg.Register(&queryTool{op: op, manager: m})
	}
}

type queryTool struct {
	op      Op
	manager *Manager
}

func (t *queryTool) Name() string              { return toolNames[t.op] }
func (t *queryTool) Description() string       { return toolDescriptions[t.op] }
func (t *queryTool) Category() tools.Category  { return tools.CategoryLSP }
func (t *queryTool) ReadOnly() bool            { return true }

func (t *queryTool) Parameters() map[string]any {
	props := map[string]any{
		"path": map[string]any{"type": "string", "description": "File path the query targets"},
	}
	required := []string{"path"}
	switch t.op {
	case OpDocumentSymbol:
		// position-free
	case OpWorkspaceSymbol:
		props["query"] = map[string]any{"type": "string", "description": "Symbol name or prefix to search for"}
		required = append(required, "query")
	default:
		props["line"] = map[string]any{"type": "integer", "description": "1-based line number"}
		props["character"] = map[string]any{"type": "integer", "description": "1-based character column"}
		required = append(required, "line", "character")
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func (t *queryTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.ErrorResult("path is required")
	}
	line := intArg(args, "line")
	character := intArg(args, "character")
	query, _ := args["query"].(string)

	out, err := t.manager.Query(ctx, t.op, path, line, character, query)
	if err != nil {
		if strings.Contains(err.Error(), ErrTimeout.Error()) {
			return tools.ErrorResult(fmt.Sprintf("language server timed out: %v", err))
		}
		return tools.ErrorResult(fmt.Sprintf("lsp query failed: %v", err))
	}
	return tools.SilentResult(out)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
