package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/models"
)

// PauseReasonTurnBudget is recorded when the agent exhausts its turn budget.
const PauseReasonTurnBudget = "turn budget exhausted"

// ClaudeRunner runs the Claude Code CLI non-interactively inside a worktree.
type ClaudeRunner struct {
	Command  string
	Model    string
	MaxTurns int
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
	// PIDDir, when set, receives a pid file per running agent.
	PIDDir string
	Logger *zap.Logger
}

// NewClaudeRunner returns a runner for the given command (default "claude").
func NewClaudeRunner(command, model string, maxTurns int, logger *zap.Logger) *ClaudeRunner {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeRunner{Command: command, Model: model, MaxTurns: maxTurns, Logger: logger}
}

// Args builds the CLI arguments for req.
func (r *ClaudeRunner) Args(req Request) []string {
	args := []string{"-p", Prompt(req), "--output-format", "json"}
	if r.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.MaxTurns))
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if req.Checkpoint != nil && req.Checkpoint.SessionID != "" {
		args = append(args, "--resume", req.Checkpoint.SessionID)
	}
	return append(args, r.ExtraArgs...)
}

func (r *ClaudeRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.WorktreePath == "" {
		return Result{}, errors.New("agent: empty worktree path")
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args(req)...)
	cmd.Dir = req.WorktreePath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := r.run(cmd, req)
	r.Logger.Debug("agent finished",
		zap.String("task_id", req.TaskID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(runErr))

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeFailed, Error: "agent run cancelled"}, ctx.Err()
	}

	res, parseErr := ParseResult(stdout.Bytes())
	if parseErr == nil {
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Binary missing or not executable.
			return Result{}, fmt.Errorf("run %s: %w", r.Command, runErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Result{Outcome: OutcomeFailed, Error: msg}, nil
	}
	return Result{Outcome: OutcomeFailed, Error: parseErr.Error()}, nil
}

// run starts cmd and records its pid until it exits.
func (r *ClaudeRunner) run(cmd *exec.Cmd, req Request) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	if r.PIDDir != "" {
		pf := PIDFileFor(r.PIDDir, req.WorktreePath)
		if err := pf.WritePID(cmd.Process.Pid); err != nil {
			r.Logger.Warn("write pid file", zap.String("task_id", req.TaskID), zap.Error(err))
		}
		defer func() { _ = pf.Remove() }()
	}
	return cmd.Wait()
}

// claudeResult is the final "result" message of the Claude Code CLI.
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResult extracts the outcome from `--output-format json` output, or
// from the last result line of stream-json output.
func ParseResult(output []byte) (Result, error) {
	lines := bytes.Split(bytes.TrimSpace(output), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		var msg claudeResult
		if err := json.Unmarshal(lines[i], &msg); err != nil || msg.Type != "result" {
			continue
		}
		return msg.toResult(), nil
	}
	return Result{}, errors.New("agent: no result in output")
}

func (m claudeResult) toResult() Result {
	res := Result{
		Summary: m.Result,
		Usage: models.Usage{
			InputTokens:  m.Usage.InputTokens,
			OutputTokens: m.Usage.OutputTokens,
			CostUSD:      m.TotalCostUSD,
		},
	}
	switch {
	case m.Subtype == "error_max_turns":
		res.Outcome = OutcomePaused
		res.PauseReason = PauseReasonTurnBudget
		res.Checkpoint = &models.Checkpoint{
			SessionID: m.SessionID,
			Step:      "turns:" + strconv.Itoa(m.NumTurns),
			CreatedAt: time.Now().UTC(),
		}
	case m.Subtype == "success" && !m.IsError:
		res.Outcome = OutcomeSucceeded
	default:
		res.Outcome = OutcomeFailed
		res.Error = m.Result
		if res.Error == "" {
			res.Error = "agent reported " + m.Subtype
		}
	}
	return res
}

// Prompt builds the instruction given to the agent.
func Prompt(req Request) string {
	if req.Checkpoint != nil && req.Checkpoint.SessionID != "" {
		return "Continue the task where you left off. Commit your work to the current branch when done."
	}
	var sb strings.Builder
	sb.WriteString(req.Title)
	if req.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Description)
	}
	sb.WriteString("\n\nYou are working in a dedicated git worktree")
	if req.Branch != "" {
		sb.WriteString(" on branch ")
		sb.WriteString(req.Branch)
	}
	sb.WriteString(". Commit your changes to this branch when the work is complete. Do not merge or push.")
	return sb.String()
}
