package models

import (
	"time"
)

// PatternMatch records a single regex hit in an agent's output stream.
type PatternMatch struct {
	// RuleID identifies the pattern rule that fired.
	RuleID string `json:"rule_id"`

	// Matched is the exact substring the rule matched.
	Matched string `json:"matched"`

	// Groups holds capture groups, full match first.
	Groups []string `json:"groups,omitempty"`

	// Action is the rule's intervention action name.
	Action string `json:"action"`

	// Priority orders concurrent matches, higher first.
	Priority int `json:"priority"`

	// Context is up to 128 characters either side of the match.
	Context string `json:"context,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Intervention is a supervisor-initiated corrective action against a task.
type Intervention struct {
	TaskID    int64        `json:"task_id"`
	Match     PatternMatch `json:"match"`
	Action    string       `json:"action"`
	Timestamp time.Time    `json:"timestamp"`
	Handled   bool         `json:"handled"`
	Success   bool         `json:"success"`
}
