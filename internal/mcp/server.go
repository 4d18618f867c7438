package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/apex/internal/branch"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/subtask"
)

// Server exposes the orchestrator as MCP tools.
type Server struct {
	orch    *orchestrator.Orchestrator
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(o *orchestrator.Orchestrator, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{orch: o, version: version}
}

type toolDef struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

func def(tool mcp.Tool, handler server.ToolHandlerFunc) toolDef {
	return toolDef{tool: tool, handler: handler}
}

func (s *Server) tools() []toolDef {
	return []toolDef{
		// Tasks
		def(s.createTaskTool()),
		def(s.getTaskTool()),
		def(s.listTasksTool()),
		def(s.executeTaskTool()),
		def(s.cancelTaskTool()),
		def(s.retryTaskTool()),
		def(s.resumeTaskTool()),
		def(s.updateStatusTool()),
		def(s.taskLogsTool()),

		// Subtasks
		def(s.decomposeTaskTool()),
		def(s.subtaskStatusTool()),
		def(s.executeSubtasksTool()),

		// Branches
		def(s.pushTaskTool()),
		def(s.mergeTaskTool()),

		// Trash
		def(s.trashTaskTool()),
		def(s.restoreTaskTool()),
		def(s.archiveTaskTool()),
		def(s.purgeTaskTool()),
		def(s.emptyTrashTool()),

		// Worktrees
		def(s.listWorktreesTool()),
		def(s.cleanupWorktreesTool()),
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("apex", s.version, server.WithToolCapabilities(true))
	for _, d := range s.tools() {
		srv.AddTool(d.tool, d.handler)
	}
	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// apex_create_task
func (s *Server) createTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_create_task",
		mcp.WithDescription("Create a pending task in a git repository. The task gets its own branch; no worktree is created until it runs. Returns the task as JSON."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Path to the git repository")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("What the agent should do")),
		mcp.WithString("depends_on", mcp.Description("Comma-separated ids of tasks that must complete first")),
	)
	return tool, s.handleCreateTask
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	task, err := s.orch.Create(ctx, orchestrator.TaskSpec{
		Title:       title,
		Description: request.GetString("description", ""),
		ProjectPath: project,
		DependsOn:   splitList(request.GetString("depends_on", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	return jsonResult(task)
}

// apex_get_task
func (s *Server) getTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_get_task",
		mcp.WithDescription("Get a task by id, id prefix or short id, including its worktree if one exists."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.handleGetTask
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	wt, err := s.orch.Worktree(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to look up worktree: %v", err)), nil
	}
	return jsonResult(map[string]any{"task": task, "worktree": wt})
}

// apex_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by project and status. Returns a JSON array."),
		mcp.WithString("project", mcp.Description("Repository path to filter by")),
		mcp.WithString("status", mcp.Description("Comma-separated statuses: pending, queued, planning, in_progress, paused, completed, failed, cancelled")),
		mcp.WithString("view", mcp.Description("Which tasks to show: visible (default), trashed, archived, all")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskFilter{ProjectPath: request.GetString("project", "")}
	for _, st := range splitList(request.GetString("status", "")) {
		status := models.TaskStatus(st)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", st)), nil
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	vis, err := store.ParseVisibility(request.GetString("view", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter.Visibility = vis

	tasks, err := s.orch.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return jsonResult(tasks)
}

// apex_execute_task
func (s *Server) executeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_execute_task",
		mcp.WithDescription("Run a pending or queued task in its own worktree and wait for the agent to finish. Returns the task with its final status; queued means no worktree slot was free."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Execute)
}

// apex_cancel_task
func (s *Server) cancelTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_cancel_task",
		mcp.WithDescription("Cancel a task and its subtasks. Returns {cancelled: false} when the task was already finished."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.handleCancelTask
}

func (s *Server) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	ok, err := s.orch.Cancel(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel task: %v", err)), nil
	}
	return jsonResult(map[string]any{"id": task.ID, "cancelled": ok})
}

// apex_retry_task
func (s *Server) retryTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_retry_task",
		mcp.WithDescription("Reset a failed, cancelled or stuck task to pending. Fails once the retry limit is reached."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Retry)
}

// apex_resume_task
func (s *Server) resumeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_resume_task",
		mcp.WithDescription("Continue a paused task from its checkpoint."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Resume)
}

// apex_update_status
func (s *Server) updateStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_update_status",
		mcp.WithDescription("Set a task's status directly. Only transitions allowed by the task lifecycle are accepted."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status")),
	)
	return tool, s.handleUpdateStatus
}

func (s *Server) handleUpdateStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}
	updated, err := s.orch.UpdateStatus(ctx, task.ID, models.TaskStatus(status))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update status: %v", err)), nil
	}
	return jsonResult(updated)
}

// apex_task_logs
func (s *Server) taskLogsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_task_logs",
		mcp.WithDescription("Get the audit log of a task, oldest first."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithNumber("limit", mcp.Description("Return only the most recent entries")),
	)
	return tool, s.handleTaskLogs
}

func (s *Server) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	logs, err := s.orch.Logs(ctx, task.ID, request.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read logs: %v", err)), nil
	}
	if logs == nil {
		logs = []*models.LogEntry{}
	}
	return jsonResult(logs)
}

// ---------------------------------------------------------------------------
// Subtasks
// ---------------------------------------------------------------------------

// apex_decompose_task
func (s *Server) decomposeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_decompose_task",
		mcp.WithDescription("Split a task into subtasks. Returns the created subtasks."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parent task id")),
		mcp.WithString("subtasks", mcp.Required(), mcp.Description(`JSON array of {"title": "...", "description": "..."}`)),
		mcp.WithString("strategy", mcp.Description("sequential (default) or parallel")),
	)
	return tool, s.handleDecomposeTask
}

func (s *Server) handleDecomposeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	raw, err := request.RequireString("subtasks")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: subtasks"), nil
	}
	var defs []subtask.Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid subtasks JSON: %v", err)), nil
	}
	strategy := models.SubtaskStrategy(request.GetString("strategy", string(models.SubtaskStrategySequential)))

	subs, err := s.orch.Decompose(ctx, task.ID, defs, strategy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decompose task: %v", err)), nil
	}
	return jsonResult(subs)
}

// apex_subtask_status
func (s *Server) subtaskStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_subtask_status",
		mcp.WithDescription("Get subtask counts for a parent task and its subtasks."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parent task id")),
	)
	return tool, s.handleSubtaskStatus
}

func (s *Server) handleSubtaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	st, err := s.orch.SubtaskStatus(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get subtask status: %v", err)), nil
	}
	subs, err := s.orch.Subtasks(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list subtasks: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"status":      st,
		"has_pending": st.Pending > 0,
		"subtasks":    subs,
	})
}

// apex_execute_subtasks
func (s *Server) executeSubtasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_execute_subtasks",
		mcp.WithDescription("Run the unfinished subtasks of a parent task, skipping completed ones. Safe to call again after an interruption."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parent task id")),
		mcp.WithBoolean("continue", mcp.Description("Requeue subtasks left in_progress by an interrupted run first")),
	)
	return tool, s.handleExecuteSubtasks
}

func (s *Server) handleExecuteSubtasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	run := s.orch.ExecuteSubtasks
	if request.GetBool("continue", false) {
		run = s.orch.ContinuePending
	}
	st, err := run(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to execute subtasks: %v", err)), nil
	}
	return jsonResult(st)
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

// apex_push_task
func (s *Server) pushTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_push_task",
		mcp.WithDescription("Push a task's branch to the remote with upstream tracking. Returns {success, remote_branch, up_to_date, error}."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.handlePushTask
}

func (s *Server) handlePushTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	result, err := s.orch.Push(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to push task: %v", err)), nil
	}
	return jsonResult(branch.SummarizePush(result))
}

// apex_merge_task
func (s *Server) mergeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_merge_task",
		mcp.WithDescription("Merge a task's branch into the base branch. Conflicts are aborted and reported. Returns {success, conflicted, changed_files, error}."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithBoolean("squash", mcp.Description("Squash the branch into a single commit")),
		mcp.WithString("message", mcp.Description("Commit message override")),
	)
	return tool, s.handleMergeTask
}

func (s *Server) handleMergeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	result, err := s.orch.Merge(ctx, task.ID, branch.MergeOptions{
		Squash:  request.GetBool("squash", false),
		Message: request.GetString("message", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to merge task: %v", err)), nil
	}
	return jsonResult(branch.SummarizeMerge(result))
}

// ---------------------------------------------------------------------------
// Trash
// ---------------------------------------------------------------------------

// apex_trash_task
func (s *Server) trashTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_trash_task",
		mcp.WithDescription("Move a task and its subtasks to the trash."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Trash)
}

// apex_restore_task
func (s *Server) restoreTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_restore_task",
		mcp.WithDescription("Restore a trashed task."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Restore)
}

// apex_archive_task
func (s *Server) archiveTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_archive_task",
		mcp.WithDescription("Archive a completed task. Archiving cannot be undone."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.taskOp(s.orch.Archive)
}

// apex_purge_task
func (s *Server) purgeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_purge_task",
		mcp.WithDescription("Permanently delete one trashed task with its worktree and branch. This cannot be undone."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	)
	return tool, s.handlePurgeTask
}

func (s *Server) handlePurgeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.task(ctx, request)
	if res != nil {
		return res, nil
	}
	if err := s.orch.Purge(ctx, task.ID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"deleted": task.ID})
}

// apex_empty_trash
func (s *Server) emptyTrashTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_empty_trash",
		mcp.WithDescription("Permanently delete all trashed tasks with their worktrees and branches. This cannot be undone."),
	)
	return tool, s.handleEmptyTrash
}

func (s *Server) handleEmptyTrash(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.orch.EmptyTrash(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("emptied %d tasks, then failed: %v", n, err)), nil
	}
	return jsonResult(map[string]int{"deleted": n})
}

// ---------------------------------------------------------------------------
// Worktrees
// ---------------------------------------------------------------------------

// apex_list_worktrees
func (s *Server) listWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_list_worktrees",
		mcp.WithDescription("List live task worktrees."),
		mcp.WithString("project", mcp.Description("Repository path; all projects when empty")),
	)
	return tool, s.handleListWorktrees
}

func (s *Server) handleListWorktrees(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.orch.ListWorktrees(ctx, request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}
	if list == nil {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(list)
}

// apex_cleanup_worktrees
func (s *Server) cleanupWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_cleanup_worktrees",
		mcp.WithDescription("Remove worktrees of deleted tasks and stale worktrees of finished tasks, then prune git's worktree records."),
		mcp.WithString("project", mcp.Description("Repository path; all projects when empty")),
	)
	return tool, s.handleCleanupWorktrees
}

func (s *Server) handleCleanupWorktrees(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	removed, err := s.orch.CleanupOrphaned(ctx, request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"removed": len(removed), "worktrees": removed})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// task resolves the "id" argument. A non-nil result is the error to return.
func (s *Server) task(ctx context.Context, request mcp.CallToolRequest) (*models.Task, *mcp.CallToolResult) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, mcp.NewToolResultError("missing required parameter: id")
	}
	task, err := s.orch.Resolve(ctx, id)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return task, nil
}

// taskOp adapts an orchestrator call that returns the updated task.
func (s *Server) taskOp(op func(ctx context.Context, id string) (*models.Task, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, res := s.task(ctx, request)
		if res != nil {
			return res, nil
		}
		updated, err := op(ctx, task.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task %s: %v", task.ID, err)), nil
		}
		return jsonResult(updated)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
