// Package trigger evaluates escalation rules over failure and staleness
// observations. A matching observation inside a rule's dedup window never
// produces a second notification, only an occurrence bump; severity escalates
// automatically once the occurrence count crosses the rule's threshold.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
)

type Engine struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	rules   []config.TriggerRuleConfig
	windows map[string][]time.Time
}

func NewEngine(store *persistence.Store, rules []config.TriggerRuleConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		rules:   rules,
		logger:  logger.With("component", "trigger_engine"),
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// signaturePayload is the canonical dedup key stored on the event.
type signaturePayload struct {
	Signature string `json:"signature"`
}

func encodeSignature(sig string) string {
	data, _ := json.Marshal(signaturePayload{Signature: sig})
	return string(data)
}

// Observe feeds one categorized occurrence into every matching rule. It
// returns the trigger event created or touched by the highest-priority
// match, or nil when no rule fired.
func (e *Engine) Observe(ctx context.Context, projectID, category, signature string) (*persistence.TriggerEvent, error) {
	e.mu.Lock()
	rules := append([]config.TriggerRuleConfig(nil), e.rules...)
	e.mu.Unlock()

	var fired *persistence.TriggerEvent
	for _, rule := range rules {
		if rule.Category != category {
			continue
		}
		ev, err := e.apply(ctx, rule, projectID, signature)
		if err != nil {
			return nil, err
		}
		if fired == nil {
			fired = ev
		}
	}
	return fired, nil
}

func (e *Engine) apply(ctx context.Context, rule config.TriggerRuleConfig, projectID, signature string) (*persistence.TriggerEvent, error) {
	if !e.crossedThreshold(ctx, rule, projectID, signature) {
		return nil, nil
	}

	payload := encodeSignature(signature)
	dedup := time.Duration(rule.DedupWindowHours) * time.Hour

	open, err := e.store.OpenTriggerEvent(ctx, projectID, rule.ID, payload, dedup)
	switch {
	case err == nil:
		newSeverity := ""
		if rule.EscalateAt > 0 && open.OccurrenceCount+1 >= rule.EscalateAt && open.Severity != rule.EscalateSeverity {
			newSeverity = rule.EscalateSeverity
		}
		ev, err := e.store.TouchTriggerEvent(ctx, open.ID, newSeverity)
		if err != nil {
			return nil, fmt.Errorf("touch trigger %s: %w", open.ID, err)
		}
		if newSeverity != "" {
			e.logger.Warn("trigger escalated",
				"rule", rule.ID,
				"project_id", projectID,
				"severity", newSeverity,
				"occurrences", ev.OccurrenceCount,
			)
		}
		return ev, nil
	case errors.Is(err, persistence.ErrNotFound):
		ev, err := e.store.CreateTriggerEvent(ctx, rule.ID, projectID, rule.Severity, payload)
		if err != nil {
			return nil, fmt.Errorf("create trigger for rule %s: %w", rule.ID, err)
		}
		e.logger.Info("trigger raised", "rule", rule.ID, "project_id", projectID, "severity", rule.Severity)
		return ev, nil
	default:
		return nil, fmt.Errorf("open trigger lookup: %w", err)
	}
}

const windowKeyPrefix = "trigwin:"

// crossedThreshold records the observation in the rule's sliding window and
// reports whether the window now holds at least Threshold entries. Windows
// are mirrored into the kv table so partial counts survive a restart; a
// persistence hiccup degrades to in-memory counting rather than failing the
// observation.
func (e *Engine) crossedThreshold(ctx context.Context, rule config.TriggerRuleConfig, projectID, signature string) bool {
	threshold := rule.Threshold
	if threshold <= 1 {
		return true
	}
	key := rule.ID + "|" + projectID + "|" + signature
	now := e.now()
	cutoff := now.Add(-time.Duration(rule.WindowHours) * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	window, seen := e.windows[key]
	if !seen {
		window = e.loadWindow(ctx, key)
	}
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	e.windows[key] = kept
	e.saveWindow(ctx, key, kept)
	return len(kept) >= threshold
}

func (e *Engine) loadWindow(ctx context.Context, key string) []time.Time {
	val, err := e.store.GetKV(ctx, windowKeyPrefix+key)
	if err != nil || val == "" {
		return nil
	}
	var window []time.Time
	if err := json.Unmarshal([]byte(val), &window); err != nil {
		return nil
	}
	return window
}

func (e *Engine) saveWindow(ctx context.Context, key string, window []time.Time) {
	data, err := json.Marshal(window)
	if err != nil {
		return
	}
	if err := e.store.SetKV(ctx, windowKeyPrefix+key, string(data)); err != nil {
		e.logger.Warn("persist trigger window", "key", key, "error", err)
	}
}

// ReplaceRules swaps the active rule set on config hot-reload. Open events
// keep the severity their original rule gave them.
func (e *Engine) ReplaceRules(rules []config.TriggerRuleConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Acknowledge resolves a trigger event. The only resolution path; rows are
// retained for history.
func (e *Engine) Acknowledge(ctx context.Context, eventID string) error {
	return e.store.ResolveTriggerEvent(ctx, eventID)
}

// Run tails the bus and converts task failures into observations until ctx
// ends. Staleness observations arrive through Observe directly from the
// scheduler sweep.
func (e *Engine) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicTaskFailed)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			change, ok := ev.Payload.(bus.TaskStateChangedEvent)
			if !ok {
				continue
			}
			if _, err := e.Observe(ctx, change.ProjectID, "task_failed", change.Signature); err != nil {
				e.logger.Error("observe failure", "task_id", change.TaskID, "error", err)
			}
		}
	}
}
