// Package registry owns the console's canonical in-memory copy of tracked maintenance operations.
//
// Writes come from two places only: the launcher's optimistic insert after a successful start, and the
// poller's merge of each operations listing. Everything else reads deep-copied snapshots.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nadmax/opsconsole/internal/operation"
)

const DefaultAbandonAfter = 6

const abandonedStep = "Not confirmed by job service"

type entry struct {
	op          operation.Operation
	provisional bool
	missed      int
}

type MergeResult struct {
	Inserted  []string
	Updated   []string
	Abandoned []string
}

type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	dismissed    map[string]struct{}
	abandonAfter int
}

// New returns an empty registry. abandonAfter is the number of consecutive listings a provisional
// operation may be missing from before it is marked failed; values below 1 use DefaultAbandonAfter.
func New(abandonAfter int) *Registry {
	if abandonAfter < 1 {
		abandonAfter = DefaultAbandonAfter
	}

	return &Registry{
		entries:      make(map[string]*entry),
		dismissed:    make(map[string]struct{}),
		abandonAfter: abandonAfter,
	}
}

// Insert adds a confirmed operation.
func (r *Registry) Insert(op operation.Operation) error {
	return r.insert(op, false)
}

// InsertProvisional adds an operation predicted by the client before the job service has listed it.
func (r *Registry) InsertProvisional(op operation.Operation) error {
	return r.insert(op, true)
}

func (r *Registry) insert(op operation.Operation, provisional bool) error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[op.ID]; exists {
		return fmt.Errorf("operation %s already registered", op.ID)
	}

	r.entries[op.ID] = &entry{op: op.Clone(), provisional: provisional}
	return nil
}

func (r *Registry) Update(id string, fn func(*operation.Operation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}

	kind, start := e.op.Kind, e.op.StartTime
	fn(&e.op)
	e.op.ID, e.op.Kind, e.op.StartTime = id, kind, start

	return nil
}

// Merge applies one operations listing from the job service. Known ids take the fetched mutable fields,
// unknown ids are inserted, and ids absent from the listing are kept as they are.
func (r *Registry) Merge(fetched []operation.Operation) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res MergeResult
	seen := make(map[string]struct{}, len(fetched))

	for i := range fetched {
		f := &fetched[i]
		if f.ID == "" {
			continue
		}
		seen[f.ID] = struct{}{}

		if _, gone := r.dismissed[f.ID]; gone {
			continue
		}

		e, ok := r.entries[f.ID]
		if !ok {
			op := f.Clone()
			if op.StartTime.IsZero() {
				op.StartTime = time.Now()
			}
			r.entries[f.ID] = &entry{op: op}
			res.Inserted = append(res.Inserted, f.ID)
			continue
		}

		e.op.Status = f.Status
		e.op.Progress = f.Progress
		e.op.CurrentStep = f.CurrentStep
		e.op.Logs = slices.Clone(f.Logs)
		if e.op.Logs == nil {
			e.op.Logs = []string{}
		}
		if f.EstimatedCompletion != nil {
			t := *f.EstimatedCompletion
			e.op.EstimatedCompletion = &t
		}
		e.provisional = false
		e.missed = 0
		res.Updated = append(res.Updated, f.ID)
	}

	for id, e := range r.entries {
		if !e.provisional {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}

		e.missed++
		if e.missed >= r.abandonAfter && !e.op.Status.IsTerminal() {
			e.op.Status = operation.StatusFailed
			e.op.CurrentStep = abandonedStep
			e.op.AppendLog(fmt.Sprintf("%s after %d refresh cycles", abandonedStep, e.missed))
			e.provisional = false
			res.Abandoned = append(res.Abandoned, id)
		}
	}

	slices.Sort(res.Inserted)
	slices.Sort(res.Updated)
	slices.Sort(res.Abandoned)

	return res
}

func (r *Registry) Get(id string) (operation.Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return operation.Operation{}, false
	}

	return e.op.Clone(), true
}

// Provisional reports whether id is still awaiting its first appearance in a listing.
func (r *Registry) Provisional(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.provisional
}

// Snapshot returns deep copies of every visible operation, newest first.
func (r *Registry) Snapshot() []operation.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]operation.Operation, 0, len(r.entries))
	for _, e := range r.entries {
		ops = append(ops, e.op.Clone())
	}

	slices.SortFunc(ops, func(a, b operation.Operation) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	return ops
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Dismiss hides a finished operation. The id is remembered so later listings do not bring it back.
func (r *Registry) Dismiss(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if !e.op.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", operation.ErrNotTerminal, id, e.op.Status)
	}

	delete(r.entries, id)
	r.dismissed[id] = struct{}{}

	return nil
}
