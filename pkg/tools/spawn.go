package tools

import (
	"context"
	"fmt"
)

// Spawner starts a background task and returns its id without waiting.
type Spawner interface {
	Spawn(ctx context.Context, description, label string) (string, error)
}

type SpawnTool struct {
	spawner Spawner
}

func NewSpawnTool(spawner Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string {
	return "spawn"
}

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to handle a task in the background. Use this for complex or time-consuming tasks that can run independently. The subagent will complete the task and report back when done."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Optional short label for the task (for display)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	task, _ := stringArg(args, "task")
	if task == "" {
		return Failure("Task is required")
	}
	label, _ := stringArg(args, "label")

	if t.spawner == nil {
		return Failure("Subagent manager not configured")
	}

	id, err := t.spawner.Spawn(ctx, task, label)
	if err != nil {
		return Failure(fmt.Sprintf("Failed to spawn subagent: %v", err))
	}

	display := label
	if display == "" {
		display = task
	}
	return Success(fmt.Sprintf("Spawned subagent task %s (%s). It runs in the background and will report back when done.", id, display))
}
