package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.moveAxisTool(),
		s.getTaskStatusTool(),
		s.cancelTaskTool(),
		s.listTasksTool(),
		s.getPositionsTool(),
	)
}

func (s *Server) moveAxisTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("move_axis",
		mcplib.WithDescription("Start an absolute move of one stage axis. Returns the task; poll get_task_status for the outcome."),
		mcplib.WithString("axis",
			mcplib.Required(),
			mcplib.Description("Axis number 1-12 or name such as X1, TY2"),
		),
		mcplib.WithNumber("position",
			mcplib.Required(),
			mcplib.Description("Target position in um (linear) or degrees (rotational)"),
		),
		mcplib.WithNumber("speed",
			mcplib.Description("Speed in units per second; defaults to the controller speed"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleMoveAxis}
}

func (s *Server) getTaskStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task_status",
		mcplib.WithDescription("Get status, progress and result of a task"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to check"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTaskStatus}
}

func (s *Server) cancelTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_task",
		mcplib.WithDescription("Request cancellation of a pending or running task"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to cancel"),
		),
		mcplib.WithString("reason",
			mcplib.Description("Reason recorded on the task"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancelTask}
}

func (s *Server) listTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_tasks",
		mcplib.WithDescription("List recent tasks, most recent first"),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of tasks to return"),
		),
		mcplib.WithString("operation_type",
			mcplib.Description("Only return tasks of this operation type"),
			mcplib.Enum(
				string(task.KindAxisMovement),
				string(task.KindAngleAdjustment),
				string(task.KindFlatAlignment),
				string(task.KindFocusAlignment),
				string(task.KindProfileMeasurement),
			),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListTasks}
}

func (s *Server) getPositionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_positions",
		mcplib.WithDescription("Read the position and state of every axis"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetPositions}
}

func (s *Server) handleMoveAxis(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	args := req.GetArguments()
	rawAxis, ok := args["axis"]
	if !ok {
		return mcplib.NewToolResultError("axis is required"), nil
	}
	axis, err := stage.ParseAxis(fmt.Sprint(rawAxis))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid axis", err), nil
	}
	pos, ok := args["position"].(float64)
	if !ok {
		return mcplib.NewToolResultError("position must be a number"), nil
	}
	speed, _ := args["speed"].(float64)

	t, err := s.deps.Tasks.StartMove(ctx, stage.MoveParams{Axis: axis, Target: pos, Speed: speed})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to start move", err), nil
	}
	return marshalResult(t, "task")
}

func (s *Server) handleGetTaskStatus(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	id, ok := req.GetArguments()["task_id"].(string)
	if !ok || id == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.Get(id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get task %s", id), err), nil
	}
	return marshalResult(t, "task")
}

func (s *Server) handleCancelTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	args := req.GetArguments()
	id, ok := args["task_id"].(string)
	if !ok || id == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "cancelled via MCP"
	}
	t, err := s.deps.Tasks.Cancel(ctx, id, reason)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to cancel task %s", id), err), nil
	}
	return marshalResult(t, "task")
}

func (s *Server) handleListTasks(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	args := req.GetArguments()
	var filter task.HistoryFilter
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}
	if kind, ok := args["operation_type"].(string); ok && kind != "" {
		filter.Kind = task.Kind(kind)
		if !filter.Kind.Valid() {
			return mcplib.NewToolResultError(fmt.Sprintf("unknown operation_type %q", kind)), nil
		}
	}
	return marshalResult(s.deps.Tasks.History(filter), "tasks")
}

func (s *Server) handleGetPositions(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Positions == nil {
		return mcplib.NewToolResultError("position service not configured"), nil
	}
	axes, err := s.deps.Positions.Positions(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to read positions", err), nil
	}
	return marshalResult(axes, "positions")
}

func marshalResult(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return toolResultJSON(string(data)), nil
}
