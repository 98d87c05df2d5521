package bundled

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/axiom/internal/hooks"
)

func requestCtx(tool string, args map[string]any) *hooks.Context {
	return hooks.NewContext(hooks.EventRequestReceived).WithRequest(tool, args)
}

func TestSecurity_BlocksDestructivePrompt(t *testing.T) {
	h := Security()

	res, err := h.Handler(context.Background(), requestCtx("spawn", map[string]any{
		"prompt": "rm -rf / please",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != hooks.ActionBlock {
		t.Fatalf("action = %s, want block", res.Action)
	}
	if !strings.Contains(res.Reason, "dangerous path") {
		t.Errorf("reason = %q", res.Reason)
	}

	res, _ = h.Handler(context.Background(), requestCtx("spawn", map[string]any{
		"prompt": "build a REST API",
	}))
	if res.Action != hooks.ActionContinue {
		t.Errorf("benign prompt blocked: %s", res.Action)
	}
}

func TestSchemaValidation(t *testing.T) {
	h, err := SchemaValidation()
	if err != nil {
		t.Fatalf("SchemaValidation: %v", err)
	}

	cases := []struct {
		name string
		tool string
		args map[string]any
		want hooks.Action
	}{
		{"valid spawn", "spawn", map[string]any{"prompt": "p"}, hooks.ActionContinue},
		{"spawn missing prompt", "spawn", map[string]any{"verbose": true}, hooks.ActionBlock},
		{"spawn empty prompt", "spawn", map[string]any{"prompt": ""}, hooks.ActionBlock},
		{"spawn bad pattern", "spawn", map[string]any{"prompt": "p", "pattern": "sideways"}, hooks.ActionBlock},
		{"valid send", "send", map[string]any{"taskId": int64(7), "message": "hi"}, hooks.ActionContinue},
		{"send missing message", "send", map[string]any{"taskId": int64(7)}, hooks.ActionBlock},
		{"unknown tool passes", "orchestrate", map[string]any{"anything": 1}, hooks.ActionContinue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.Handler(context.Background(), requestCtx(tc.tool, tc.args))
			if err != nil {
				t.Fatal(err)
			}
			if res.Action != tc.want {
				t.Errorf("action = %s, want %s (reason %q)", res.Action, tc.want, res.Reason)
			}
		})
	}
}

func TestParallelDetection(t *testing.T) {
	h := ParallelDetection()

	res, _ := h.Handler(context.Background(), requestCtx("spawn", map[string]any{
		"prompt":  "build api",
		"pattern": "parallel",
	}))
	if res.Action != hooks.ActionRedirect {
		t.Fatalf("action = %s, want redirect", res.Action)
	}
	if res.Redirect.Tool != "orchestrate" {
		t.Errorf("redirect tool = %q", res.Redirect.Tool)
	}
	if res.Redirect.Args["prompt"] != "build api" {
		t.Errorf("redirect args = %v", res.Redirect.Args)
	}

	res, _ = h.Handler(context.Background(), requestCtx("spawn", map[string]any{
		"prompt": "build api", "pattern": "single",
	}))
	if res.Action != hooks.ActionContinue {
		t.Errorf("single pattern redirected")
	}

	res, _ = h.Handler(context.Background(), requestCtx("status", map[string]any{"pattern": "parallel"}))
	if res.Action != hooks.ActionContinue {
		t.Errorf("non-spawn tool redirected")
	}
}
