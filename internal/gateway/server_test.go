package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/axiom/internal/hooks"
	"github.com/haasonsaas/axiom/internal/intervention"
	"github.com/haasonsaas/axiom/internal/orchestrator"
	"github.com/haasonsaas/axiom/internal/tasks"
)

type echoExecutor struct {
	output string
	mu     sync.Mutex
	writes []string
}

func (e *echoExecutor) Execute(ctx context.Context, prompt, systemPrompt string, taskID int64, onChunk func(string)) (string, error) {
	if onChunk != nil {
		onChunk(e.output)
	}
	return e.output, nil
}
func (e *echoExecutor) Inject(command string) error { return nil }
func (e *echoExecutor) Write(data string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, data)
	return nil
}
func (e *echoExecutor) Interrupt() error { return nil }
func (e *echoExecutor) Kill()            {}
func (e *echoExecutor) Running() bool    { return false }
func (e *echoExecutor) Output() string   { return e.output }

// lockedBuffer lets the server write responses while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// serve runs the request lines to completion and indexes responses by id.
func serve(t *testing.T, o *orchestrator.Orchestrator, lines ...string) map[string]*JSONRPCResponse {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	out := &lockedBuffer{}
	controller := intervention.NewController(intervention.Config{}, nil, nil)
	srv := NewServer(o, nil, controller, nil, nil, in, out)

	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	responses := make(map[string]*JSONRPCResponse)
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", sc.Text(), err)
		}
		key := ""
		if resp.ID != nil {
			if data, err := json.Marshal(resp.ID); err == nil {
				key = string(data)
			}
		}
		responses[key] = &resp
	}
	return responses
}

func newGatewayOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(hooks.NewRegistry(nil), tasks.NewRegistry(nil), nil, nil)
	o.RegisterExecutor("spawn", func() orchestrator.Executor {
		return &echoExecutor{output: "task output"}
	})
	return o
}

func TestServer_Spawn(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":1,"method":"spawn","params":{"prompt":"do it"}}`)

	resp := responses["1"]
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}
	result := resp.Result.(map[string]any)
	if result["output"] != "task output" {
		t.Errorf("output = %v", result["output"])
	}
}

func TestServer_StatusAndOutput(t *testing.T) {
	o := newGatewayOrchestrator(t)

	// Run one task synchronously first so the registry has state.
	resp, err := o.HandleRequest(context.Background(), "spawn", map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatal(err)
	}
	taskID := resp.TaskID

	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":"all","method":"status"}`,
		`{"jsonrpc":"2.0","id":"one","method":"status","params":{"taskId":`+jsonInt(taskID)+`}}`,
		`{"jsonrpc":"2.0","id":"missing","method":"status","params":{"taskId":42}}`,
		`{"jsonrpc":"2.0","id":"out","method":"output","params":{"taskId":`+jsonInt(taskID)+`,"tail":6}}`)

	if resp := responses[`"all"`]; resp == nil || resp.Error != nil {
		t.Errorf("status all = %+v", resp)
	}
	if resp := responses[`"one"`]; resp == nil || resp.Error != nil {
		t.Errorf("status one = %+v", resp)
	}
	if resp := responses[`"missing"`]; resp == nil || resp.Error == nil {
		t.Errorf("missing task must error, got %+v", resp)
	}
	if resp := responses[`"out"`]; resp == nil || resp.Error != nil {
		t.Errorf("output = %+v", resp)
	} else {
		result := resp.Result.(map[string]any)
		if result["output"] != "output" {
			t.Errorf("tail slice = %q, want last 6 bytes", result["output"])
		}
	}
}

func TestServer_SendRequiresRunningTask(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":1,"method":"send","params":{"taskId":999,"message":"hello"}}`)

	if resp := responses["1"]; resp == nil || resp.Error == nil {
		t.Errorf("send to missing task must error, got %+v", resp)
	}
}

func TestServer_InterruptNotRunning(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":1,"method":"interrupt","params":{"taskId":5}}`)

	if resp := responses["1"]; resp == nil || resp.Error == nil {
		t.Errorf("interrupt on unknown task must error, got %+v", resp)
	}
}

func TestServer_Resources(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":"help","method":"resources/read","params":{"name":"help"}}`,
		`{"jsonrpc":"2.0","id":"status","method":"resources/read","params":{"name":"status"}}`,
		`{"jsonrpc":"2.0","id":"debug","method":"resources/read","params":{"name":"debug"}}`,
		`{"jsonrpc":"2.0","id":"nope","method":"resources/read","params":{"name":"bogus"}}`)

	help := responses[`"help"`]
	if help == nil || help.Error != nil {
		t.Fatalf("help = %+v", help)
	}
	text := help.Result.(map[string]any)["text"].(string)
	if !strings.Contains(text, "spawn") {
		t.Errorf("help text = %q", text)
	}

	if resp := responses[`"status"`]; resp == nil || resp.Error != nil {
		t.Errorf("status resource = %+v", resp)
	}
	if resp := responses[`"debug"`]; resp == nil || resp.Error != nil {
		t.Errorf("debug resource = %+v", resp)
	}
	if resp := responses[`"nope"`]; resp == nil || resp.Error == nil {
		t.Errorf("unknown resource must error, got %+v", resp)
	}
}

func TestServer_OrchestrateActions(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`{"jsonrpc":"2.0","id":1,"method":"orchestrate","params":{"action":"merge_all"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"orchestrate","params":{"action":"sideways"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"orchestrate","params":{"action":"cleanup"}}`)

	// No decomposer wired in this server: merge_all reports that.
	if resp := responses["1"]; resp == nil || resp.Error == nil {
		t.Errorf("merge_all without worktrees must error, got %+v", resp)
	}
	if resp := responses["2"]; resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("unknown action = %+v", resp)
	}
	if resp := responses["3"]; resp == nil || resp.Error != nil {
		t.Errorf("cleanup = %+v", resp)
	}
}

func TestServer_MalformedRequests(t *testing.T) {
	o := newGatewayOrchestrator(t)
	responses := serve(t, o,
		`this is not json`,
		`{"jsonrpc":"2.0","id":2,"method":"does-not-exist"}`,
		`{"jsonrpc":"2.0","id":3}`)

	if resp := responses[""]; resp == nil || resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("parse error response = %+v", resp)
	}
	if resp := responses["2"]; resp == nil || resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("method not found = %+v", resp)
	}
	if resp := responses["3"]; resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("invalid request = %+v", resp)
	}
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
