// Package registry holds the analyzer modules the orchestrator fans out to.
// Each entry knows how to enqueue its own job, so adding a module never
// touches orchestration code.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

// QueuePrefix namespaces analyzer queues.
const QueuePrefix = "analyzer:"

// ErrDuplicateModule is returned when a name is registered twice.
var ErrDuplicateModule = errors.New("module already registered")

// EnqueueFunc schedules one analyzer job.
type EnqueueFunc func(ctx context.Context, job audit.AnalyzerJob) error

// Entry is one registered module.
type Entry struct {
	Module  audit.Module
	enqueue EnqueueFunc
}

// Enqueue schedules job for this module.
func (e Entry) Enqueue(ctx context.Context, job audit.AnalyzerJob) error {
	job.Module = e.Module.Name
	return e.enqueue(ctx, job)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a module.
func (r *Registry) Register(module audit.Module, enqueue EnqueueFunc) error {
	switch {
	case module.Name == "":
		return errors.New("module name is required")
	case module.Name == audit.FetchModuleName:
		return fmt.Errorf("module name %q is reserved", module.Name)
	case enqueue == nil:
		return fmt.Errorf("module %q: enqueue func is required", module.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[module.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, module.Name)
	}
	r.entries[module.Name] = Entry{Module: module, enqueue: enqueue}
	return nil
}

// Entries returns the registered modules sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module.Name < out[j].Module.Name })
	return out
}

// Modules lists module metadata sorted by name.
func (r *Registry) Modules() []audit.Module {
	entries := r.Entries()
	out := make([]audit.Module, len(entries))
	for i, e := range entries {
		out[i] = e.Module
	}
	return out
}

// Lookup finds a module by name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// QueueName is the job queue serving module.
func QueueName(module string) string {
	return QueuePrefix + module
}

// QueueEnqueue returns an EnqueueFunc that posts JSON-encoded jobs to the
// module's queue with opts.
func QueueEnqueue(q jobqueue.Queue, module string, opts jobqueue.Options) EnqueueFunc {
	queue := QueueName(module)
	return func(ctx context.Context, job audit.AnalyzerJob) error {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode analyzer job: %w", err)
		}
		if _, err := q.Enqueue(ctx, queue, payload, opts); err != nil {
			return fmt.Errorf("enqueue %s: %w", queue, err)
		}
		return nil
	}
}
