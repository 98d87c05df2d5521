// Package intervention converts pattern matches on agent output into
// corrective actions injected back into the terminal.
package intervention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/axiom/internal/hooks"
	"github.com/haasonsaas/axiom/internal/observability"
	"github.com/haasonsaas/axiom/internal/scanner"
	"github.com/haasonsaas/axiom/pkg/models"
)

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	// PlanningGrace is how long planning language is tolerated without
	// file-creation evidence before a stop-planning interrupt fires.
	PlanningGrace time.Duration

	// ActionCooldown suppresses repeats of the same (task, action) pair.
	ActionCooldown time.Duration

	// VerifyWindow is how long a completion claim has to produce concrete
	// evidence before it is flipped to a failed claim.
	VerifyWindow time.Duration

	// Messages maps an action to the text injected into the terminal.
	// Missing actions use compiled defaults.
	Messages map[string]string
}

func (c Config) withDefaults() Config {
	if c.PlanningGrace <= 0 {
		c.PlanningGrace = 30 * time.Second
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = 5 * time.Second
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = 10 * time.Second
	}
	if c.Messages == nil {
		c.Messages = map[string]string{}
	}
	for action, msg := range defaultMessages {
		if _, ok := c.Messages[action]; !ok {
			c.Messages[action] = msg
		}
	}
	return c
}

var defaultMessages = map[string]string{
	scanner.ActionStopPlanning:  "Stop planning. Implement the code now. Create the files.\n",
	scanner.ActionImplementNow:  "Do not leave TODO stubs. Implement this now.\n",
	scanner.ActionWrongLanguage: "Wrong language. Rewrite in the language the task asked for.\n",
	scanner.ActionDangerous:     "\x03Stop. That command is destructive. Ask before running it.\n",
}

// interruptClass marks actions that inject a command into the terminal.
var interruptClass = map[string]bool{
	scanner.ActionStopPlanning:  true,
	scanner.ActionImplementNow:  true,
	scanner.ActionWrongLanguage: true,
	scanner.ActionDangerous:     true,
}

type pendingClaim struct {
	match    models.PatternMatch
	deadline time.Time
}

type taskState struct {
	scanner     *scanner.Scanner
	started     time.Time
	lastProgress time.Time

	lastAction map[string]time.Time

	// inFlightUntil serialises interrupt-class interventions: while set in
	// the future, further interrupt matches queue and coalesce by action.
	inFlightUntil time.Time
	queued        map[string]models.PatternMatch

	claims  []pendingClaim
	history []models.Intervention
}

// Stats aggregates controller activity across tasks.
type Stats struct {
	TotalInterventions int            `json:"total_interventions"`
	ByAction           map[string]int `json:"by_action"`
	Handled            int            `json:"handled"`
	Succeeded          int            `json:"succeeded"`
	FailedClaims       int            `json:"failed_claims"`
	AvgResponseMillis  int64          `json:"avg_response_ms"`

	totalResponse time.Duration
	responses     int
}

// Controller owns per-task scanners, the action table, cooldowns and the
// intervention history. It is driven through its hook handlers.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	tasks map[int64]*taskState
	stats Stats

	newRules func() []*scanner.Rule
	now      func() time.Time
}

// NewController creates a controller with the default rule set.
func NewController(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "intervention"),
		metrics:  metrics,
		tasks:    make(map[int64]*taskState),
		stats:    Stats{ByAction: make(map[string]int)},
		newRules: scanner.DefaultRules,
		now:      time.Now,
	}
}

// Hooks returns the controller's hook registrations: the stream handler
// that scans output, and the observability handler that stamps injected
// interventions as handled.
func (c *Controller) Hooks() []*hooks.Hook {
	return []*hooks.Hook{
		{
			Name:     "intervention",
			Events:   []hooks.EventType{hooks.EventExecutionStream},
			Priority: 50,
			Handler:  c.onStream,
		},
		{
			Name:     "intervention-ack",
			Events:   []hooks.EventType{hooks.EventExecutionIntervention},
			Priority: 50,
			Handler:  c.onIntervention,
		},
	}
}

// AddRule installs an extra rule on a task's scanner, e.g. a
// wrong-language rule derived from the request.
func (c *Controller) AddRule(taskID int64, rule *scanner.Rule) error {
	if rule == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(taskID).scanner.Add(rule)
}

// Forget drops all state for a task.
func (c *Controller) Forget(taskID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
}

// History returns a copy of the interventions recorded for a task.
func (c *Controller) History(taskID int64) []models.Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]models.Intervention, len(st.history))
	copy(out, st.history)
	return out
}

// Statistics returns a snapshot of the aggregate counters.
func (c *Controller) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.stats
	snap.ByAction = make(map[string]int, len(c.stats.ByAction))
	for k, v := range c.stats.ByAction {
		snap.ByAction[k] = v
	}
	if snap.responses > 0 {
		snap.AvgResponseMillis = c.stats.totalResponse.Milliseconds() / int64(snap.responses)
	}
	return snap
}

func (c *Controller) stateLocked(taskID int64) *taskState {
	st, ok := c.tasks[taskID]
	if !ok {
		sc := scanner.NewWithClock(func() time.Time { return c.now() })
		for _, r := range c.newRules() {
			_ = sc.Add(r)
		}
		st = &taskState{
			scanner:      sc,
			started:      c.now(),
			lastProgress: c.now(),
			lastAction:   make(map[string]time.Time),
			queued:       make(map[string]models.PatternMatch),
		}
		c.tasks[taskID] = st
	}
	return st
}

// onStream feeds the task scanner, works through the action table, and
// returns a modify verdict when a command must be injected.
func (c *Controller) onStream(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
	if hc.Stream == nil {
		return hooks.Continue(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(hc.Stream.TaskID)
	now := c.now()

	matches := st.scanner.Scan(hc.Stream.Data)
	c.expireClaimsLocked(hc.Stream.TaskID, st, now)

	var command string
	for _, m := range matches {
		switch m.Action {
		case scanner.ActionTrackProgress:
			st.lastProgress = now
			c.resolveClaimsLocked(st)
			c.recordLocked(hc.Stream.TaskID, st, m, true, true)

		case scanner.ActionVerifyClaim:
			st.claims = append(st.claims, pendingClaim{match: m, deadline: now.Add(c.cfg.VerifyWindow)})
			c.recordLocked(hc.Stream.TaskID, st, m, true, false)

		case scanner.ActionHandleError:
			c.recordLocked(hc.Stream.TaskID, st, m, true, false)

		default:
			if !interruptClass[m.Action] {
				continue
			}
			if m.Action == scanner.ActionStopPlanning && now.Sub(st.lastProgress) < c.cfg.PlanningGrace {
				continue
			}
			if last, ok := st.lastAction[m.Action]; ok && now.Sub(last) < c.cfg.ActionCooldown {
				continue
			}
			if command != "" || now.Before(st.inFlightUntil) {
				// One interrupt in flight per task: coalesce by action.
				st.queued[m.Action] = m
				c.countLocked(m.Action, "queued")
				continue
			}
			st.lastAction[m.Action] = now
			st.inFlightUntil = now.Add(c.cfg.ActionCooldown)
			command = c.cfg.Messages[m.Action]
			c.recordLocked(hc.Stream.TaskID, st, m, false, false)
		}
	}

	// Drain one queued interrupt once the previous one has settled.
	if command == "" && !now.Before(st.inFlightUntil) {
		if m, ok := c.popQueuedLocked(st); ok {
			st.lastAction[m.Action] = now
			st.inFlightUntil = now.Add(c.cfg.ActionCooldown)
			command = c.cfg.Messages[m.Action]
			c.recordLocked(hc.Stream.TaskID, st, m, false, false)
		}
	}

	if command == "" {
		return hooks.Continue(), nil
	}
	return hooks.Modify(map[string]any{"command": command}), nil
}

// onIntervention marks the most recent unhandled intervention as handled
// and tracks response latency.
func (c *Controller) onIntervention(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
	if hc.Execution == nil {
		return hooks.Continue(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.tasks[hc.Execution.TaskID]
	if !ok {
		return hooks.Continue(), nil
	}
	for i := len(st.history) - 1; i >= 0; i-- {
		if !st.history[i].Handled {
			st.history[i].Handled = true
			c.stats.Handled++
			c.stats.totalResponse += c.now().Sub(st.history[i].Timestamp)
			c.stats.responses++
			break
		}
	}
	return hooks.Continue(), nil
}

// popQueuedLocked picks the highest-priority coalesced interrupt.
func (c *Controller) popQueuedLocked(st *taskState) (models.PatternMatch, bool) {
	var best models.PatternMatch
	found := false
	for _, m := range st.queued {
		if !found || m.Priority > best.Priority {
			best = m
			found = true
		}
	}
	if found {
		delete(st.queued, best.Action)
	}
	return best, found
}

// resolveClaimsLocked marks all pending claims successful on evidence.
func (c *Controller) resolveClaimsLocked(st *taskState) {
	for range st.claims {
		c.stats.Succeeded++
	}
	st.claims = st.claims[:0]
}

// expireClaimsLocked fails claims whose verification window lapsed with no
// evidence, recording a follow-up intervention.
func (c *Controller) expireClaimsLocked(taskID int64, st *taskState, now time.Time) {
	kept := st.claims[:0]
	for _, cl := range st.claims {
		if now.Before(cl.deadline) {
			kept = append(kept, cl)
			continue
		}
		c.stats.FailedClaims++
		failed := cl.match
		failed.Action = scanner.ActionHandleError
		c.recordLocked(taskID, st, failed, true, false)
		c.logger.Debug("completion claim expired without evidence",
			"task_id", taskID,
			"claim", cl.match.Matched)
	}
	st.claims = kept
}

func (c *Controller) recordLocked(taskID int64, st *taskState, m models.PatternMatch, handled, success bool) {
	st.history = append(st.history, models.Intervention{
		TaskID:    taskID,
		Match:     m,
		Action:    m.Action,
		Timestamp: c.now(),
		Handled:   handled,
		Success:   success,
	})
	c.stats.TotalInterventions++
	c.stats.ByAction[m.Action]++
	if handled {
		c.stats.Handled++
	}
	if success {
		c.stats.Succeeded++
	}
	outcome := "handled"
	if !handled {
		outcome = "injected"
	}
	c.countLocked(m.Action, outcome)
}

func (c *Controller) countLocked(action, outcome string) {
	if c.metrics != nil {
		c.metrics.InterventionCounter.WithLabelValues(action, outcome).Inc()
	}
}
