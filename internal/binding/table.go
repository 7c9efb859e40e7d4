// Package binding holds the engine's task to VM binding table.
package binding

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/limiquantix/vmplacer/internal/domain"
)

// Table maps each admitted, not yet completed task to the VM running it.
// Iteration follows admission order so sweeps are deterministic.
type Table struct {
	entries *orderedmap.OrderedMap[domain.TaskID, domain.VMID]
}

// NewTable creates an empty binding table.
func NewTable() *Table {
	return &Table{entries: orderedmap.NewOrderedMap[domain.TaskID, domain.VMID]()}
}

// Bind records that task runs on vm. A task may be bound only once.
func (t *Table) Bind(task domain.TaskID, vm domain.VMID) error {
	if existing, ok := t.entries.Get(task); ok {
		return fmt.Errorf("%w: task %d already bound to vm %d", domain.ErrInvariant, task, existing)
	}
	t.entries.Set(task, vm)
	return nil
}

// Unbind removes the binding for a completed task and returns the VM it ran on.
func (t *Table) Unbind(task domain.TaskID) (domain.VMID, error) {
	vm, ok := t.entries.Get(task)
	if !ok {
		return 0, fmt.Errorf("%w: no binding for task %d", domain.ErrInvariant, task)
	}
	t.entries.Delete(task)
	return vm, nil
}

// Lookup returns the VM a task is bound to.
func (t *Table) Lookup(task domain.TaskID) (domain.VMID, bool) {
	return t.entries.Get(task)
}

// Len returns the number of bound tasks.
func (t *Table) Len() int {
	return t.entries.Len()
}

// Tasks returns bound task IDs in admission order.
func (t *Table) Tasks() []domain.TaskID {
	return t.entries.Keys()
}

// TasksOn returns the tasks bound to vm, in admission order.
func (t *Table) TasksOn(vm domain.VMID) []domain.TaskID {
	var out []domain.TaskID
	for el := t.entries.Front(); el != nil; el = el.Next() {
		if el.Value == vm {
			out = append(out, el.Key)
		}
	}
	return out
}
