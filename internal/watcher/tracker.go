package watcher

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Tracker records which namespaces have completed a successful list. It
// outlives individual watchers so readiness survives cohort restarts.
type Tracker struct {
	mu     sync.RWMutex
	synced map[string]bool
}

// NewTracker creates a tracker expecting the given namespaces.
func NewTracker(namespaces []string) *Tracker {
	t := &Tracker{synced: make(map[string]bool, len(namespaces))}
	for _, ns := range namespaces {
		t.synced[ns] = false
	}
	return t
}

// MarkSynced records a successful list for namespace.
func (t *Tracker) MarkSynced(namespace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.synced[namespace] = true
}

// Pending returns the namespaces that never completed a list, sorted.
func (t *Tracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var pending []string
	for ns, ok := range t.synced {
		if !ok {
			pending = append(pending, ns)
		}
	}
	sort.Strings(pending)
	return pending
}

// Check implements a controller-runtime healthz.Checker.
func (t *Tracker) Check(_ *http.Request) error {
	if pending := t.Pending(); len(pending) > 0 {
		return fmt.Errorf("namespaces not synced: %s", strings.Join(pending, ","))
	}
	return nil
}
