package tools

import (
	"context"
	"fmt"
	"strings"
)

// AskUserTool suspends until the transport resolves the question through
// the dispatcher's Asker, then returns the answer to the model.
type AskUserTool struct {
	Asker Asker
}

func (t *AskUserTool) Name() string { return "ask_user" }
func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer before continuing"
}
func (t *AskUserTool) Category() Category { return CategoryInteractive }
func (t *AskUserTool) ReadOnly() bool     { return true }
func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string", "description": "The question to ask"},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional fixed choices to offer",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	question, _ := args["question"].(string)
	if question == "" {
		return ErrorResult("question is required")
	}
	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}

	answer, err := t.Asker.Ask(ctx, question, options)
	if err != nil {
		return ErrorResult(fmt.Sprintf("no answer from user: %v", err))
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "(no answer)"
	}
	return NewResult("User answered: " + answer)
}
