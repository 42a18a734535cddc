package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	searchMaxMatches  = 200
	searchMaxFileSize = 2 << 20 // skip files larger than 2 MiB
)

// SearchFilesTool greps the workspace for a pattern.
type SearchFilesTool struct {
	Workspace string
	Restrict  bool
}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Search files under a directory for a regular expression, returning matching lines"
}
func (t *SearchFilesTool) Category() Category { return CategoryLocal }
func (t *SearchFilesTool) ReadOnly() bool     { return true }
func (t *SearchFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory to search (default: workspace root)"},
			"glob":    map[string]any{"type": "string", "description": "Optional filename glob filter, e.g. *.go"},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	root := t.Workspace
	if p, _ := args["path"].(string); p != "" {
		resolved, rerr := resolvePath(p, t.Workspace, t.Restrict)
		if rerr != nil {
			return ErrorResult(rerr.Error())
		}
		root = resolved
	}
	glob, _ := args["glob"].(string)

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, name); !ok {
				return nil
			}
		}
		if info, ierr := d.Info(); ierr != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		t.scanFile(path, root, re, &matches)
		if len(matches) >= searchMaxMatches {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return ErrorResult("search cancelled")
	}

	if len(matches) == 0 {
		return SilentResult("no matches")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= searchMaxMatches {
		out += fmt.Sprintf("\n(stopped after %d matches)", searchMaxMatches)
	}
	return SilentResult(out)
}

func (t *SearchFilesTool) scanFile(path, root string, re *regexp.Regexp, matches *[]string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	rel, rerr := filepath.Rel(root, path)
	if rerr != nil {
		rel = path
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
			if len(*matches) >= searchMaxMatches {
				return
			}
		}
	}
}
