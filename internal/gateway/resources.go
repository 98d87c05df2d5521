package gateway

import (
	"encoding/json"
	"fmt"
)

const helpText = `# Axiom supervisor

Tools:
- spawn {prompt, verbose?, pattern?, count?} — run a task; verbose returns immediately with a taskId
- send {taskId, message} — type into a running agent's terminal
- status {taskId?} — one task or all tasks
- output {taskId, tail?} — the task's output buffer
- interrupt {taskId, followUp?} — send Ctrl+C, optionally followed by a message
- orchestrate {prompt, action} — parallel decomposition; worktree use, base branch and auto-merge come from the server settings, not from the request

Resources: status, logs, debug, help, quick-start
`

const quickStartText = `# Quick start

1. spawn {"prompt": "Build a REST API", "verbose": true}
2. status {"taskId": <id>} until completed
3. output {"taskId": <id>}

For parallel work, pass "pattern": "parallel" to spawn — the request is
redirected into the decomposer, which runs file-disjoint subtasks in git
worktrees and merges the best results.
`

// resource returns one of the read-only documents.
func (s *Server) resource(name string) (string, error) {
	switch name {
	case "help":
		return helpText, nil
	case "quick-start":
		return quickStartText, nil

	case "status":
		data, err := json.MarshalIndent(s.statusSnapshot(), "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "logs":
		return fmt.Sprintf("event log: %s\ndropped records: %d\n",
			s.events.Path(), s.events.Dropped()), nil

	case "debug":
		stats := s.controller.Statistics()
		data, err := json.MarshalIndent(map[string]any{
			"interventions": stats,
			"registry":      s.statusSnapshot(),
		}, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil

	default:
		return "", fmt.Errorf("unknown resource %q", name)
	}
}
