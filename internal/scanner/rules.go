package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Intervention action names emitted by the default rule set.
const (
	ActionStopPlanning  = "INTERRUPT_STOP_PLANNING"
	ActionImplementNow  = "INTERRUPT_IMPLEMENT_NOW"
	ActionWrongLanguage = "INTERRUPT_WRONG_LANGUAGE"
	ActionDangerous     = "INTERRUPT_DANGEROUS"
	ActionTrackProgress = "TRACK_PROGRESS"
	ActionVerifyClaim   = "VERIFY_CLAIM"
	ActionHandleError   = "HANDLE_ERROR"
)

var (
	planningPattern = regexp.MustCompile(`(?i)\b(analyzing|planning|would implement|let me think about|first,? I(?:'|’)ll outline)\b`)
	todoPattern     = regexp.MustCompile(`\b(TODO|FIXME)\b`)
	progressPattern = regexp.MustCompile(`(?i)(File created:|Created file:|Successfully created|has been created|Wrote to|Writing to ['"\x60]?[\w./-]+)`)
	claimPattern    = regexp.MustCompile(`(?i)\bI(?:'ve| have) (?:created|implemented|written|finished|completed)\b`)
	errorPattern    = regexp.MustCompile(`(?i)(^|\n)\s*(error:|exception|traceback|panic:|fatal:)`)

	// dangerousPattern flags destructive shell commands appearing in agent
	// output before they are executed.
	dangerousPattern = regexp.MustCompile(`(?i)(rm\s+-r?f\s+[/~*]|git\s+push\s+--force|git\s+reset\s+--hard|DROP\s+TABLE|TRUNCATE\s+TABLE|mkfs\.|dd\s+if=|chmod\s+-R\s+777\s+/|:\(\)\s*\{\s*:\|:&\s*\};)`)
)

// DefaultRules returns the built-in rule set. The exact regexes are
// replaceable at runtime; these are the compiled defaults.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "endless-planning",
			Pattern:     planningPattern,
			Action:      ActionStopPlanning,
			Priority:    50,
			Cooldown:    10 * time.Second,
			Description: "planning language without file-creation evidence",
		},
		{
			ID:          "todo-stub",
			Pattern:     todoPattern,
			Action:      ActionImplementNow,
			Priority:    60,
			Cooldown:    10 * time.Second,
			Description: "TODO/FIXME stub in emitted code",
		},
		{
			ID:          "file-progress",
			Pattern:     progressPattern,
			Action:      ActionTrackProgress,
			Priority:    30,
			Description: "file creation evidence, resets the planning timer",
		},
		{
			ID:          "completion-claim",
			Pattern:     claimPattern,
			Action:      ActionVerifyClaim,
			Priority:    40,
			Cooldown:    5 * time.Second,
			Description: "completion claim to verify against produced files",
		},
		{
			ID:          "dangerous-op",
			Pattern:     dangerousPattern,
			Action:      ActionDangerous,
			Priority:    100,
			Cooldown:    2 * time.Second,
			Description: "destructive shell command in output",
		},
		{
			ID:          "error-output",
			Pattern:     errorPattern,
			Action:      ActionHandleError,
			Priority:    20,
			Cooldown:    15 * time.Second,
			Description: "error text in agent output",
		},
	}
}

// languageMarkers maps a language to regex fragments that are strong
// evidence of code written in a different language.
var languageMarkers = map[string]string{
	"go":         `(?m)^\s*(def |import React|function\s+\w+\s*\(.*\)\s*\{|const\s+\w+\s*=\s*require\(|#include\s*<)`,
	"python":     `(?m)^\s*(func\s+\w+\(|package\s+\w+$|const\s+\w+\s*=\s*require\(|#include\s*<|fn\s+\w+\()`,
	"javascript": `(?m)^\s*(def\s+\w+\(|func\s+\w+\(|package\s+\w+$|#include\s*<|fn\s+\w+\()`,
	"typescript": `(?m)^\s*(def\s+\w+\(|func\s+\w+\(|package\s+\w+$|#include\s*<|fn\s+\w+\()`,
	"rust":       `(?m)^\s*(def\s+\w+\(|func\s+\w+\(|import React|const\s+\w+\s*=\s*require\()`,
}

// WrongLanguageRule builds a rule that fires when output shows code in a
// language other than the one the user asked for. Returns nil when the
// requested language has no marker table entry.
func WrongLanguageRule(requested string) *Rule {
	markers, ok := languageMarkers[strings.ToLower(requested)]
	if !ok {
		return nil
	}
	return &Rule{
		ID:          fmt.Sprintf("wrong-language-%s", strings.ToLower(requested)),
		Pattern:     regexp.MustCompile(markers),
		Action:      ActionWrongLanguage,
		Priority:    70,
		Cooldown:    20 * time.Second,
		Description: fmt.Sprintf("output not in requested language %s", requested),
	}
}
