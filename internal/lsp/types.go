// Package lsp manages per-(language, workspace) language-server processes
// speaking Content-Length framed JSON-RPC over stdio, with file sync
// probing and formatted query operations.
package lsp

import "encoding/json"

// jsonrpcMessage is the wire superset: request, response, or notification.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Position is zero-based, per the protocol. The exposed operations accept
// 1-based coordinates and convert.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// locationLink is the alternative shape some servers return for
// definition/implementation requests.
type locationLink struct {
	TargetURI   string `json:"targetUri"`
	TargetRange Range  `json:"targetSelectionRange"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type hoverResult struct {
	Contents json.RawMessage `json:"contents"`
}

type symbolInformation struct {
	Name     string   `json:"name"`
	Kind     int      `json:"kind"`
	Location Location `json:"location"`
}

type documentSymbol struct {
	Name     string           `json:"name"`
	Kind     int              `json:"kind"`
	Range    Range            `json:"range"`
	Children []documentSymbol `json:"children,omitempty"`
}

type callHierarchyItem struct {
	Name string `json:"name"`
	Kind int    `json:"kind"`
	URI  string `json:"uri"`
	Range Range `json:"range"`
	SelectionRange Range `json:"selectionRange"`
}

type callHierarchyIncomingCall struct {
	From callHierarchyItem `json:"from"`
}

type callHierarchyOutgoingCall struct {
	To callHierarchyItem `json:"to"`
}

var symbolKindNames = map[int]string{
	1: "file", 2: "module", 3: "namespace", 4: "package", 5: "class",
	6: "method", 7: "property", 8: "field", 9: "constructor", 10: "enum",
	11: "interface", 12: "function", 13: "variable", 14: "constant",
	15: "string", 16: "number", 17: "boolean", 18: "array", 19: "object",
	20: "key", 21: "null", 22: "enum member", 23: "struct", 24: "event",
	25: "operator", 26: "type parameter",
}

func symbolKind(kind int) string {
	if name, ok := symbolKindNames[kind]; ok {
		return name
	}
	return "symbol"
}
