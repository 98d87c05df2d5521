package decompose

import (
	"sort"
	"strings"
)

// qualityTokens each add a small bonus when present in a produced file.
var qualityTokens = []string{"test", "error", "async", "export", "import"}

// ScoreFile scores one produced file in the context of its execution.
// Deterministic: identical inputs always produce the identical score,
// clamped to [0, 1].
func ScoreFile(exec *TaskExecution, content string) float64 {
	score := 0.0

	if exec.Status == ExecComplete {
		score += 0.5
	}

	if total := len(exec.Task.ExpectedOutputs); total > 0 {
		produced := 0
		for _, f := range exec.Task.ExpectedOutputs {
			if _, ok := exec.Files[f]; ok {
				produced++
			}
		}
		score += 0.3 * float64(produced) / float64(total)
	}

	for _, tok := range qualityTokens {
		if strings.Contains(content, tok) {
			score += 0.05
		}
	}

	if strings.Contains(content, "TODO") || strings.Contains(content, "FIXME") {
		score -= 0.1
	}

	if exec.Attempts > 1 {
		score -= 0.1 * float64(exec.Attempts-1)
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Selection is the merged output of competing executions.
type Selection struct {
	// Files maps filename to the winning content.
	Files map[string]string `json:"files"`

	// Provenance maps filename to the task id whose content won.
	Provenance map[string]string `json:"provenance"`
}

// SelectBest picks, for each file produced by any execution, the content
// with the highest score. Ties break by task id lexicographic order.
func SelectBest(execs map[string]*TaskExecution) Selection {
	sel := Selection{
		Files:      make(map[string]string),
		Provenance: make(map[string]string),
	}

	// Iterate task ids in sorted order so the lexicographically first id
	// wins ties deterministically.
	ids := make([]string, 0, len(execs))
	for id := range execs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := make(map[string]float64)
	for _, id := range ids {
		exec := execs[id]
		for name, content := range exec.Files {
			score := ScoreFile(exec, content)
			if prev, seen := best[name]; seen && score <= prev {
				continue
			}
			best[name] = score
			sel.Files[name] = content
			sel.Provenance[name] = id
		}
	}
	return sel
}
