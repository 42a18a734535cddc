package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Op names the exposed query operations.
type Op string

const (
	OpGoToDefinition       Op = "goToDefinition"
	OpFindReferences       Op = "findReferences"
	OpHover                Op = "hover"
	OpDocumentSymbol       Op = "documentSymbol"
	OpWorkspaceSymbol      Op = "workspaceSymbol"
	OpGoToImplementation   Op = "goToImplementation"
	OpPrepareCallHierarchy Op = "prepareCallHierarchy"
	OpIncomingCalls        Op = "incomingCalls"
	OpOutgoingCalls        Op = "outgoingCalls"
)

// Ops lists every exposed operation.
var Ops = []Op{
	OpGoToDefinition, OpFindReferences, OpHover, OpDocumentSymbol,
	OpWorkspaceSymbol, OpGoToImplementation, OpPrepareCallHierarchy,
	OpIncomingCalls, OpOutgoingCalls,
}

// Query runs one operation against the right server. line and character
// are 1-based; the result is a formatted multi-line string.
func (m *Manager) Query(ctx context.Context, op Op, path string, line, character int, query string) (string, error) {
	s, err := m.Get(ctx, path)
	if err != nil {
		return "", err
	}
	if err := s.EnsureSynced(ctx, path); err != nil {
		return "", err
	}

	pos := Position{Line: line - 1, Character: character - 1}
	if pos.Line < 0 {
		pos.Line = 0
	}
	if pos.Character < 0 {
		pos.Character = 0
	}
	uri := fileURI(path)
	docPos := map[string]any{
		"textDocument": textDocumentIdentifier{URI: uri},
		"position":     pos,
	}

	switch op {
	case OpGoToDefinition:
		return s.locationQuery(ctx, "textDocument/definition", docPos, "definition")
	case OpGoToImplementation:
		return s.locationQuery(ctx, "textDocument/implementation", docPos, "implementation")
	case OpFindReferences:
		params := map[string]any{
			"textDocument": textDocumentIdentifier{URI: uri},
			"position":     pos,
			"context":      map[string]any{"includeDeclaration": true},
		}
		return s.locationQuery(ctx, "textDocument/references", params, "reference")
	case OpHover:
		return s.hover(ctx, docPos)
	case OpDocumentSymbol:
		return s.documentSymbols(ctx, uri)
	case OpWorkspaceSymbol:
		return s.workspaceSymbols(ctx, query)
	case OpPrepareCallHierarchy:
		return s.prepareCallHierarchy(ctx, docPos)
	case OpIncomingCalls:
		return s.callHierarchyCalls(ctx, docPos, "callHierarchy/incomingCalls", true)
	case OpOutgoingCalls:
		return s.callHierarchyCalls(ctx, docPos, "callHierarchy/outgoingCalls", false)
	default:
		return "", fmt.Errorf("unknown lsp operation %q", op)
	}
}

func (s *Server) locationQuery(ctx context.Context, method string, params any, noun string) (string, error) {
	var raw json.RawMessage
	if err := s.conn.Call(ctx, method, params, &raw); err != nil {
		return "", err
	}
	locs := parseLocations(raw)
	if len(locs) == 0 {
		return fmt.Sprintf("no %ss found", noun), nil
	}
	return formatLocations(locs), nil
}

func (s *Server) hover(ctx context.Context, params any) (string, error) {
	var result hoverResult
	if err := s.conn.Call(ctx, "textDocument/hover", params, &result); err != nil {
		return "", err
	}
	text := hoverText(result.Contents)
	if text == "" {
		return "no hover information", nil
	}
	return text, nil
}

func (s *Server) documentSymbols(ctx context.Context, uri string) (string, error) {
	var raw json.RawMessage
	if err := s.conn.Call(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": textDocumentIdentifier{URI: uri},
	}, &raw); err != nil {
		return "", err
	}

	var lines []string
	var hierarchical []documentSymbol
	if err := json.Unmarshal(raw, &hierarchical); err == nil && len(hierarchical) > 0 && hierarchical[0].Name != "" {
		flattenSymbols(hierarchical, 0, &lines)
	} else {
		var flat []symbolInformation
		if err := json.Unmarshal(raw, &flat); err == nil {
			for _, sym := range flat {
				lines = append(lines, fmt.Sprintf("%s %s (line %d)",
					symbolKind(sym.Kind), sym.Name, sym.Location.Range.Start.Line+1))
			}
		}
	}
	if len(lines) == 0 {
		return "no symbols found", nil
	}
	return strings.Join(lines, "\n"), nil
}

// flattenSymbols renders a documentSymbol tree one symbol per line, each
// child indented under its parent.
func flattenSymbols(syms []documentSymbol, depth int, lines *[]string) {
	for _, sym := range syms {
		*lines = append(*lines, fmt.Sprintf("%s%s %s (line %d)",
			strings.Repeat("  ", depth), symbolKind(sym.Kind), sym.Name, sym.Range.Start.Line+1))
		flattenSymbols(sym.Children, depth+1, lines)
	}
}

func (s *Server) workspaceSymbols(ctx context.Context, query string) (string, error) {
	var syms []symbolInformation
	if err := s.conn.Call(ctx, "workspace/symbol", map[string]any{"query": query}, &syms); err != nil {
		return "", err
	}
	if len(syms) == 0 {
		return "no symbols found", nil
	}
	var locs []Location
	byLoc := make(map[string]string)
	for _, sym := range syms {
		locs = append(locs, sym.Location)
		k := fmt.Sprintf("%s:%d", sym.Location.URI, sym.Location.Range.Start.Line)
		byLoc[k] = fmt.Sprintf("%s %s", symbolKind(sym.Kind), sym.Name)
	}
	var b strings.Builder
	for _, group := range groupLocations(locs) {
		fmt.Fprintf(&b, "%s:\n", group.file)
		for _, loc := range group.locs {
			k := fmt.Sprintf("%s:%d", loc.URI, loc.Range.Start.Line)
			fmt.Fprintf(&b, "  line %d: %s\n", loc.Range.Start.Line+1, byLoc[k])
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Server) prepareCallHierarchy(ctx context.Context, params any) (string, error) {
	var items []callHierarchyItem
	if err := s.conn.Call(ctx, "textDocument/prepareCallHierarchy", params, &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no callable item at position", nil
	}
	var lines []string
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s %s — %s:%d",
			symbolKind(item.Kind), item.Name, trimURI(item.URI), item.Range.Start.Line+1))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Server) callHierarchyCalls(ctx context.Context, prepareParams any, method string, incoming bool) (string, error) {
	var items []callHierarchyItem
	if err := s.conn.Call(ctx, "textDocument/prepareCallHierarchy", prepareParams, &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no callable item at position", nil
	}

	var lines []string
	for _, item := range items {
		params := map[string]any{"item": item}
		if incoming {
			var calls []callHierarchyIncomingCall
			if err := s.conn.Call(ctx, method, params, &calls); err != nil {
				return "", err
			}
			for _, call := range calls {
				lines = append(lines, fmt.Sprintf("%s — %s:%d",
					call.From.Name, trimURI(call.From.URI), call.From.Range.Start.Line+1))
			}
		} else {
			var calls []callHierarchyOutgoingCall
			if err := s.conn.Call(ctx, method, params, &calls); err != nil {
				return "", err
			}
			for _, call := range calls {
				lines = append(lines, fmt.Sprintf("%s — %s:%d",
					call.To.Name, trimURI(call.To.URI), call.To.Range.Start.Line+1))
			}
		}
	}
	if len(lines) == 0 {
		if incoming {
			return "no incoming calls", nil
		}
		return "no outgoing calls", nil
	}
	return strings.Join(lines, "\n"), nil
}

// parseLocations accepts Location, []Location, or []LocationLink.
func parseLocations(raw json.RawMessage) []Location {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var one Location
	if err := json.Unmarshal(raw, &one); err == nil && one.URI != "" {
		return []Location{one}
	}
	var many []Location
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0].URI != "" {
		return many
	}
	var links []locationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		var locs []Location
		for _, l := range links {
			if l.TargetURI != "" {
				locs = append(locs, Location{URI: l.TargetURI, Range: l.TargetRange})
			}
		}
		return locs
	}
	return nil
}

type locationGroup struct {
	file string
	locs []Location
}

// groupLocations buckets locations by file, files sorted, lines ascending.
func groupLocations(locs []Location) []locationGroup {
	byFile := make(map[string][]Location)
	for _, loc := range locs {
		f := trimURI(loc.URI)
		byFile[f] = append(byFile[f], loc)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	var groups []locationGroup
	for _, f := range files {
		ls := byFile[f]
		sort.Slice(ls, func(i, j int) bool { return ls[i].Range.Start.Line < ls[j].Range.Start.Line })
		groups = append(groups, locationGroup{file: f, locs: ls})
	}
	return groups
}

func formatLocations(locs []Location) string {
	var b strings.Builder
	for _, group := range groupLocations(locs) {
		fmt.Fprintf(&b, "%s:\n", group.file)
		for _, loc := range group.locs {
			fmt.Fprintf(&b, "  line %d, col %d\n", loc.Range.Start.Line+1, loc.Range.Start.Character+1)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// hoverText extracts markdown text from the protocol's several hover
// content shapes.
func hoverText(contents json.RawMessage) string {
	if len(contents) == 0 {
		return ""
	}
	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(contents, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}
	var plain string
	if err := json.Unmarshal(contents, &plain); err == nil {
		return plain
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(contents, &parts); err == nil {
		var out []string
		for _, p := range parts {
			if t := hoverText(p); t != "" {
				out = append(out, t)
			}
		}
		return strings.Join(out, "\n\n")
	}
	return ""
}

func trimURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
