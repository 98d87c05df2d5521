// Package bundled provides the hook set registered at startup: admission
// security, argument validation, parallel-pattern redirection, and the
// persistence sink.
package bundled

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/axiom/internal/eventlog"
	"github.com/haasonsaas/axiom/internal/exec"
	"github.com/haasonsaas/axiom/internal/hooks"
	"github.com/haasonsaas/axiom/internal/storage"
	"github.com/haasonsaas/axiom/pkg/models"
)

// Security blocks prompts that ask for destructive operations before any
// executor sees them.
func Security() *hooks.Hook {
	return &hooks.Hook{
		Name:     "security",
		Events:   []hooks.EventType{hooks.EventRequestReceived},
		Priority: 100,
		Handler: func(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
			prompt, _ := hc.Request.Args["prompt"].(string)
			if reason := exec.CheckPrompt(prompt); reason != "" {
				return hooks.Block("dangerous path: " + reason), nil
			}
			return hooks.Continue(), nil
		},
	}
}

// toolSchemaSources holds the argument schema per tool. SchemaValidation
// compiles them once at startup; unknown tools pass through so new tools
// need no schema before they work.
var toolSchemaSources = map[string]string{
	"spawn": `{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"verbose": {"type": "boolean"},
			"pattern": {"enum": ["single", "parallel"]},
			"count": {"type": "integer", "minimum": 1, "maximum": 10}
		}
	}`,
	"send": `{
		"type": "object",
		"required": ["taskId", "message"],
		"properties": {
			"taskId": {"type": "integer"},
			"message": {"type": "string"}
		}
	}`,
	"interrupt": `{
		"type": "object",
		"required": ["taskId"],
		"properties": {
			"taskId": {"type": "integer"},
			"followUp": {"type": "string"}
		}
	}`,
}

// SchemaValidation blocks requests whose arguments fail their tool's
// JSON Schema.
func SchemaValidation() (*hooks.Hook, error) {
	compiled := make(map[string]*jsonschema.Schema, len(toolSchemaSources))
	for tool, src := range toolSchemaSources {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(tool+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema resource %s: %w", tool, err)
		}
		schema, err := c.Compile(tool + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", tool, err)
		}
		compiled[tool] = schema
	}

	return &hooks.Hook{
		Name:     "schema-validation",
		Events:   []hooks.EventType{hooks.EventRequestReceived},
		Priority: 90,
		Handler: func(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
			schema, ok := compiled[hc.Request.Tool]
			if !ok {
				return hooks.Continue(), nil
			}
			args := make(map[string]any, len(hc.Request.Args))
			for k, v := range hc.Request.Args {
				args[k] = normalizeNumber(v)
			}
			if err := schema.Validate(args); err != nil {
				return hooks.Block(fmt.Sprintf("invalid arguments for %s: %v", hc.Request.Tool, err)), nil
			}
			return hooks.Continue(), nil
		},
	}, nil
}

// normalizeNumber maps Go integer types onto the json number shape the
// validator expects; RPC-decoded args arrive as float64 already.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return v
}

// ParallelDetection redirects spawn requests asking for the parallel
// pattern into the orchestrate tool.
func ParallelDetection() *hooks.Hook {
	return &hooks.Hook{
		Name:     "parallel-detection",
		Events:   []hooks.EventType{hooks.EventRequestReceived},
		Priority: 80,
		Handler: func(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
			if hc.Request.Tool != "spawn" {
				return hooks.Continue(), nil
			}
			if pattern, _ := hc.Request.Args["pattern"].(string); pattern != "parallel" {
				return hooks.Continue(), nil
			}
			return hooks.RedirectTo("orchestrate", map[string]any{
				"action": "execute",
				"prompt": hc.Request.Args["prompt"],
			}), nil
		},
	}
}

// Persistence writes terminal task states to the store and every event to
// the JSONL log. Failures are logged and swallowed: persistence never
// fails a task.
func Persistence(store storage.Store, events *eventlog.Logger, logger *slog.Logger) *hooks.Hook {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persistence")

	return &hooks.Hook{
		Name: "persistence",
		Events: []hooks.EventType{
			hooks.EventExecutionStarted,
			hooks.EventExecutionCompleted,
			hooks.EventExecutionFailed,
			hooks.EventExecutionIntervention,
			hooks.EventRequestBlocked,
		},
		Priority: 10,
		Handler: func(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
			var taskID int64
			if hc.Execution != nil {
				taskID = hc.Execution.TaskID
			}
			events.Log(taskID, string(hc.Event), hc.Metadata)

			if store == nil || hc.Execution == nil {
				return hooks.Continue(), nil
			}
			switch hc.Event {
			case hooks.EventExecutionCompleted, hooks.EventExecutionFailed:
				task := &models.Task{
					ID:     hc.Execution.TaskID,
					Status: models.TaskStatus(hc.Execution.Status),
					Output: hc.Execution.Output,
					Error:  hc.Execution.Error,
				}
				if err := store.SaveTask(ctx, task); err != nil {
					logger.Warn("task persist failed", "task_id", task.ID, "error", err)
				}
			}
			return hooks.Continue(), nil
		},
	}
}
