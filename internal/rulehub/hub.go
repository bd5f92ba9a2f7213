// Package rulehub holds the live intent rule table and hot-swaps it at runtime.
//
// Rule priority (highest wins):
//
//	Layer 2: the YAML rules file, re-read on Reload (SIGHUP)
//	Layer 1: the built-in table
//
// A file that fails to load or compile never replaces a working table.
package rulehub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dayuer/supportbot/internal/intent"
)

// Hub owns the current classifier and notifies subscribers when it changes.
type Hub struct {
	mu       sync.RWMutex
	path     string // rules file; empty = built-in table only
	current  *intent.Classifier
	rules    int
	reloads  int
	onChange []func(*intent.Classifier)
	log      *slog.Logger
}

// New loads path (when set) and returns a hub serving it. A broken file at
// startup is an error.
func New(path string, log *slog.Logger) (*Hub, error) {
	h := &Hub{path: path, log: log}
	table := intent.DefaultTable()
	if path != "" {
		t, err := intent.LoadTable(path)
		if err != nil {
			return nil, err
		}
		table = t
		log.Info("Intent rules loaded", "file", path, "rules", len(t.Rules()))
	}
	h.current = intent.NewClassifier(table)
	h.rules = len(table.Rules())
	return h, nil
}

// Current returns the active classifier.
func (h *Hub) Current() *intent.Classifier {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnChange registers fn, called synchronously after every successful swap.
func (h *Hub) OnChange(fn func(*intent.Classifier)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the rules file. On failure the current table stays active.
func (h *Hub) Reload() error {
	if h.path == "" {
		h.log.Info("No rules file configured, keeping built-in intent rules")
		return nil
	}
	table, err := intent.LoadTable(h.path)
	if err != nil {
		h.log.Warn("Intent rules reload failed, keeping current table", "file", h.path, "err", err)
		return fmt.Errorf("reload intent rules: %w", err)
	}
	h.Apply(table)
	return nil
}

// Apply makes table active and fires the OnChange callbacks.
func (h *Hub) Apply(table *intent.Table) {
	c := intent.NewClassifier(table)

	h.mu.Lock()
	old := h.rules
	h.current = c
	h.rules = len(table.Rules())
	h.reloads++
	callbacks := make([]func(*intent.Classifier), len(h.onChange))
	copy(callbacks, h.onChange)
	h.mu.Unlock()

	h.log.Info("Intent rules updated", "rules", len(table.Rules()), "previous", old)
	for _, fn := range callbacks {
		fn(c)
	}
}

// Stats reports the active table size and how often it was swapped.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"file":    h.path,
		"rules":   h.rules,
		"reloads": h.reloads,
	}
}
