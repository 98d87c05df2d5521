package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/axiom/internal/decompose"
	"github.com/haasonsaas/axiom/internal/eventlog"
	"github.com/haasonsaas/axiom/internal/intervention"
	"github.com/haasonsaas/axiom/internal/orchestrator"
	"github.com/haasonsaas/axiom/pkg/models"
)

// followUpDelay separates an interrupt from its optional follow-up write.
const followUpDelay = 500 * time.Millisecond

// Server reads JSON-RPC requests line by line from in and writes
// responses to out. Long-running tools execute on their own goroutines so
// the read loop keeps accepting requests.
type Server struct {
	orch       *orchestrator.Orchestrator
	decomposer *decompose.Service
	controller *intervention.Controller
	events     *eventlog.Logger
	logger     *slog.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer wires the RPC surface over the orchestrator.
func NewServer(orch *orchestrator.Orchestrator, decomposer *decompose.Service, controller *intervention.Controller, events *eventlog.Logger, logger *slog.Logger, in io.Reader, out io.Writer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:       orch,
		decomposer: decomposer,
		controller: controller,
		events:     events,
		logger:     logger.With("component", "gateway"),
		in:         in,
		out:        out,
	}
}

// Serve runs the read loop until in closes or ctx is cancelled, then
// waits for in-flight tool calls to finish.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		// Copy the line: the scanner reuses its buffer and Params keeps
		// referencing this memory from the dispatch goroutine.
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.respond(errorResponse(nil, CodeParseError, "invalid json"))
			continue
		}
		if req.Method == "" {
			s.respond(errorResponse(req.ID, CodeInvalidRequest, "method required"))
			continue
		}

		s.wg.Add(1)
		go func(req JSONRPCRequest) {
			defer s.wg.Done()
			s.respond(s.dispatch(ctx, &req))
		}(req)
	}

	s.wg.Wait()
	return scanner.Err()
}

func (s *Server) respond(resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("response write failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	args := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "params must be an object")
		}
	}

	switch req.Method {
	case "spawn":
		resp, err := s.orch.HandleRequest(ctx, req.Method, args)
		if err != nil {
			return errorResponse(req.ID, CodeToolError, err.Error())
		}
		return resultResponse(req.ID, resp)

	case "orchestrate":
		return s.handleOrchestrate(ctx, req.ID, args)

	case "send":
		return s.handleSend(req.ID, args)

	case "status":
		return s.handleStatus(req.ID, args)

	case "output":
		return s.handleOutput(req.ID, args)

	case "interrupt":
		return s.handleInterrupt(req.ID, args)

	case "resources/read":
		name, _ := args["name"].(string)
		doc, err := s.resource(name)
		if err != nil {
			return errorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		return resultResponse(req.ID, map[string]any{"name": name, "text": doc})

	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// taskIDArg extracts the task id, tolerating the float64 JSON decodes to.
func taskIDArg(args map[string]any) (int64, error) {
	switch v := args["taskId"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	}
	return 0, errors.New("taskId is required")
}

// handleOrchestrate routes per-action decomposer operations. The execute
// action runs through the orchestrator so admission hooks apply; the
// bookkeeping actions act on the managers directly.
func (s *Server) handleOrchestrate(ctx context.Context, id any, args map[string]any) *JSONRPCResponse {
	action, _ := args["action"].(string)

	switch action {
	case "", "execute":
		resp, err := s.orch.HandleRequest(ctx, "orchestrate", args)
		if err != nil {
			return errorResponse(id, CodeToolError, err.Error())
		}
		return resultResponse(id, resp)

	case "decompose":
		if s.decomposer == nil {
			return errorResponse(id, CodeToolError, "decomposer not configured")
		}
		prompt, _ := args["prompt"].(string)
		plan, err := s.decomposer.Plan(prompt)
		if err != nil {
			return errorResponse(id, CodeToolError, err.Error())
		}
		return resultResponse(id, map[string]any{"tasks": plan})

	case "merge_all":
		if s.decomposer == nil || s.decomposer.Trees() == nil {
			return errorResponse(id, CodeToolError, "worktrees not enabled")
		}
		return resultResponse(id, s.decomposer.Trees().MergeAll(ctx))

	case "cleanup":
		if s.decomposer != nil && s.decomposer.Trees() != nil {
			s.decomposer.Trees().CleanupAll(ctx)
		}
		return resultResponse(id, map[string]any{"ok": true})

	default:
		return errorResponse(id, CodeInvalidParams, fmt.Sprintf("unknown orchestrate action %q", action))
	}
}

func (s *Server) handleSend(id any, args map[string]any) *JSONRPCResponse {
	taskID, err := taskIDArg(args)
	if err != nil {
		return errorResponse(id, CodeInvalidParams, err.Error())
	}
	message, _ := args["message"].(string)
	if message == "" {
		return errorResponse(id, CodeInvalidParams, "message is required")
	}

	exec, ok := s.orch.Tasks().ExecutorFor(taskID)
	if !ok {
		return errorResponse(id, CodeToolError, fmt.Sprintf("task %d has no running executor", taskID))
	}
	if err := exec.Write(message); err != nil {
		return errorResponse(id, CodeToolError, err.Error())
	}
	return resultResponse(id, map[string]any{"ok": true})
}

func (s *Server) handleStatus(id any, args map[string]any) *JSONRPCResponse {
	if _, present := args["taskId"]; !present {
		return resultResponse(id, s.orch.Tasks().All())
	}
	taskID, err := taskIDArg(args)
	if err != nil {
		return errorResponse(id, CodeInvalidParams, err.Error())
	}
	task, ok := s.orch.Tasks().Get(taskID)
	if !ok {
		return errorResponse(id, CodeToolError, fmt.Sprintf("task %d not found", taskID))
	}
	return resultResponse(id, task)
}

func (s *Server) handleOutput(id any, args map[string]any) *JSONRPCResponse {
	taskID, err := taskIDArg(args)
	if err != nil {
		return errorResponse(id, CodeInvalidParams, err.Error())
	}
	task, ok := s.orch.Tasks().Get(taskID)
	if !ok {
		return errorResponse(id, CodeToolError, fmt.Sprintf("task %d not found", taskID))
	}

	output := task.Output
	if tail, ok := args["tail"].(float64); ok && tail > 0 && int(tail) < len(output) {
		output = output[len(output)-int(tail):]
	}
	return resultResponse(id, map[string]any{"taskId": taskID, "output": output})
}

func (s *Server) handleInterrupt(id any, args map[string]any) *JSONRPCResponse {
	taskID, err := taskIDArg(args)
	if err != nil {
		return errorResponse(id, CodeInvalidParams, err.Error())
	}

	if !s.orch.Tasks().Interrupt(taskID, "caller interrupt") {
		return errorResponse(id, CodeToolError, fmt.Sprintf("task %d is not running", taskID))
	}

	if followUp, _ := args["followUp"].(string); followUp != "" {
		exec, ok := s.orch.Tasks().ExecutorFor(taskID)
		if ok {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				time.Sleep(followUpDelay)
				if err := exec.Write(followUp); err != nil {
					s.logger.Warn("follow-up write failed", "task_id", taskID, "error", err)
				}
				s.orch.Tasks().Resume(taskID)
			}()
		}
	}
	return resultResponse(id, map[string]any{"ok": true})
}

// statusSnapshot summarises the registry for the status resource.
func (s *Server) statusSnapshot() map[string]any {
	all := s.orch.Tasks().All()
	counts := map[models.TaskStatus]int{}
	for _, t := range all {
		counts[t.Status]++
	}
	return map[string]any{
		"tasks":   len(all),
		"running": counts[models.TaskStatusRunning],
		"byStatus": map[string]int{
			"pending":     counts[models.TaskStatusPending],
			"running":     counts[models.TaskStatusRunning],
			"completed":   counts[models.TaskStatusCompleted],
			"failed":      counts[models.TaskStatusFailed],
			"interrupted": counts[models.TaskStatusInterrupted],
			"timeout":     counts[models.TaskStatusTimeout],
		},
	}
}
