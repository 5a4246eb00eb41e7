package tabsync

import (
	"sort"
	"sync"
)

// TabDirectory is the external browser-tab enumeration surface. The sync
// engine only consumes it; implementations live with the embedding shell.
type TabDirectory interface {
	CurrentContextID() string
	ListContextIDs() []string
	OnContextRemoved(fn func(contextID string)) (cancel func())
}

// StaticTabDirectory is an in-process directory fed by explicit
// Add/Remove calls — the daemon registers contexts as they connect and
// removes them via the management API; tests drive it directly.
type StaticTabDirectory struct {
	mu        sync.Mutex
	current   string
	contexts  map[string]struct{}
	listeners map[int]func(string)
	nextID    int
}

func NewStaticTabDirectory(currentContextID string) *StaticTabDirectory {
	d := &StaticTabDirectory{
		current:   currentContextID,
		contexts:  map[string]struct{}{},
		listeners: map[int]func(string){},
	}
	if currentContextID != "" {
		d.contexts[currentContextID] = struct{}{}
	}
	return d
}

func (d *StaticTabDirectory) CurrentContextID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *StaticTabDirectory) ListContextIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.contexts))
	for id := range d.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *StaticTabDirectory) OnContextRemoved(fn func(contextID string)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Add registers a context id.
func (d *StaticTabDirectory) Add(contextID string) {
	if contextID == "" {
		return
	}
	d.mu.Lock()
	d.contexts[contextID] = struct{}{}
	d.mu.Unlock()
}

// Remove deletes a context id and fires removal listeners. Listeners
// fire even for an id that never registered: contexts that only ever
// mutated over HTTP still own records that need orphan cleanup.
func (d *StaticTabDirectory) Remove(contextID string) {
	if contextID == "" {
		return
	}
	d.mu.Lock()
	delete(d.contexts, contextID)
	listeners := make([]func(string), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(contextID)
	}
}
