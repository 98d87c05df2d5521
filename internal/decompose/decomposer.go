package decompose

import (
	"fmt"
	"strings"
	"time"
)

// planRule maps prompt keywords to a subtask vector.
type planRule struct {
	keywords []string
	tasks    func(prompt string) []*OrthogonalTask
}

// planRules is the heuristic decomposition table, checked in order.
var planRules = []planRule{
	{
		keywords: []string{"rest api", "rest", " api", "endpoint", "http server"},
		tasks:    restAPITasks,
	},
	{
		keywords: []string{"cache", "lru", "memoize"},
		tasks:    cacheTasks,
	},
}

func restAPITasks(prompt string) []*OrthogonalTask {
	return []*OrthogonalTask{
		{
			ID:                "models",
			Prompt:            "Create only the data models for this task. Put them under models/. Task: " + prompt,
			EstimatedDuration: 3 * time.Minute,
			ExpectedOutputs:   []string{"models/index.js"},
		},
		{
			ID:                "routes",
			Prompt:            "Create only the route handlers for this task. Put them under routes/. Task: " + prompt,
			EstimatedDuration: 4 * time.Minute,
			ExpectedOutputs:   []string{"routes/index.js"},
		},
		{
			ID:                "middleware",
			Prompt:            "Create only the middleware (auth, logging, error handling) for this task. Put it under middleware/. Task: " + prompt,
			EstimatedDuration: 3 * time.Minute,
			ExpectedOutputs:   []string{"middleware/index.js"},
		},
		{
			ID:                "tests",
			Prompt:            "Create only the tests for this task. Put them under tests/. Task: " + prompt,
			EstimatedDuration: 3 * time.Minute,
			ExpectedOutputs:   []string{"tests/api.test.js"},
		},
		{
			ID:                "config",
			Prompt:            "Create only the configuration (env, server setup) for this task. Put it under config/. Task: " + prompt,
			EstimatedDuration: 2 * time.Minute,
			ExpectedOutputs:   []string{"config/index.js"},
		},
	}
}

func cacheTasks(prompt string) []*OrthogonalTask {
	return []*OrthogonalTask{
		{
			ID:                "core",
			Prompt:            "Implement only the core cache data structure. Task: " + prompt,
			EstimatedDuration: 3 * time.Minute,
			ExpectedOutputs:   []string{"cache.js"},
		},
		{
			ID:                "eviction",
			Prompt:            "Implement only the eviction policy as a separate module. Task: " + prompt,
			EstimatedDuration: 2 * time.Minute,
			ExpectedOutputs:   []string{"eviction.js"},
		},
		{
			ID:                "ttl",
			Prompt:            "Implement only TTL expiry as a separate module. Task: " + prompt,
			EstimatedDuration: 2 * time.Minute,
			ExpectedOutputs:   []string{"ttl.js"},
		},
		{
			ID:                "tests",
			Prompt:            "Write only the tests for the cache. Task: " + prompt,
			EstimatedDuration: 2 * time.Minute,
			ExpectedOutputs:   []string{"cache.test.js"},
		},
	}
}

// Decompose plans a prompt into orthogonal subtasks plus an integration
// reserve that depends on all of them. Returns an error if the rule table
// produced colliding output sets.
func Decompose(prompt string) ([]*OrthogonalTask, error) {
	lower := strings.ToLower(prompt)

	var tasks []*OrthogonalTask
	for _, rule := range planRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				tasks = rule.tasks(prompt)
				break
			}
		}
		if tasks != nil {
			break
		}
	}
	if tasks == nil {
		tasks = []*OrthogonalTask{{
			ID:                "implementation",
			Prompt:            prompt,
			EstimatedDuration: 5 * time.Minute,
			ExpectedOutputs:   []string{"index.js"},
		}}
	}

	if err := checkOrthogonality(tasks); err != nil {
		return nil, err
	}

	deps := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps = append(deps, t.ID)
	}
	tasks = append(tasks, &OrthogonalTask{
		ID:                "integration",
		Prompt:            "Integrate the produced modules into a working whole. Wire imports, fix interfaces, make it run. Task: " + prompt,
		EstimatedDuration: 3 * time.Minute,
		ExpectedOutputs:   []string{"app.js"},
		Dependencies:      deps,
		Trigger:           TriggerAfterOrthogonal,
	})

	return tasks, nil
}

// checkOrthogonality rejects plans where two tasks declare the same
// output file.
func checkOrthogonality(tasks []*OrthogonalTask) error {
	owner := make(map[string]string)
	for _, t := range tasks {
		for _, f := range t.ExpectedOutputs {
			if prev, taken := owner[f]; taken {
				return fmt.Errorf("output collision: %q declared by both %q and %q", f, prev, t.ID)
			}
			owner[f] = t.ID
		}
	}
	return nil
}
