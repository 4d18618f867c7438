// Package llm proposes subtask plans for large tasks using the Anthropic API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/subtask"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// maxSubtasks caps how many subtasks one plan may propose.
const maxSubtasks = 8

// Client wraps the Anthropic API for task planning.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPlanPrompt constructs the system and user prompts for task planning.
func buildPlanPrompt(t *models.Task) (system string, user string) {
	system = `You plan work for autonomous coding agents. Each agent works alone on its own git branch. Given a task, decide whether it should be split into smaller subtasks. Return ONLY a JSON object with these fields:
- "strategy": "sequential" when later subtasks build on earlier ones, "parallel" when they are independent
- "subtasks": an array of objects with "title" and "description"

Rules:
- Return an empty "subtasks" array when the task is small enough for one agent
- Never propose more than 8 subtasks
- Each subtask must be independently committable and testable
- Titles are short imperative sentences
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Task title: ")
	sb.WriteString(t.Title)
	sb.WriteString("\n")
	if t.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(t.Description)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// Plan asks the model whether t should be decomposed. An empty plan means the
// task runs as a single unit.
func (c *Client) Plan(ctx context.Context, t *models.Task) (subtask.Plan, error) {
	systemPrompt, userPrompt := buildPlanPrompt(t)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return subtask.Plan{}, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return subtask.Plan{}, fmt.Errorf("no text content in API response")
	}
	return parsePlan(text)
}

func parsePlan(text string) (subtask.Plan, error) {
	text = stripFence(text)

	var plan subtask.Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return subtask.Plan{}, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if !plan.Strategy.Valid() {
		plan.Strategy = models.SubtaskStrategySequential
	}

	defs := plan.Definitions[:0]
	for _, d := range plan.Definitions {
		d.Title = strings.TrimSpace(d.Title)
		if d.Title == "" {
			continue
		}
		defs = append(defs, d)
	}
	if len(defs) > maxSubtasks {
		defs = defs[:maxSubtasks]
	}
	plan.Definitions = defs
	return plan, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
