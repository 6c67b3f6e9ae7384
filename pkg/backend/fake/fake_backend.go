// Package fake provides an in-memory workflow backend for tests and offline
// runs of the CLI.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/chriscow/fieldvoice/pkg/backend"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

// Backend is an in-memory stand-in for the workflow REST service.
type Backend struct {
	mu        sync.Mutex
	states    map[string]workflow.Snapshot
	notes     map[string][]backend.Note
	inventory map[string][]backend.InventoryItem
	orders    map[string][]backend.WorkOrder
	clockOuts map[string]int
	calls     []string

	// Err, when set, is returned by every method.
	Err error

	// BeforeUpdate runs at the start of UpdateWorkflowState; tests use it to
	// block or observe in-flight writes.
	BeforeUpdate func(ctx context.Context)
}

// NewBackend returns an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		states:    make(map[string]workflow.Snapshot),
		notes:     make(map[string][]backend.Note),
		inventory: make(map[string][]backend.InventoryItem),
		orders:    make(map[string][]backend.WorkOrder),
		clockOuts: make(map[string]int),
	}
}

// SetState seeds the workflow state of a technician.
func (b *Backend) SetState(technicianID string, s workflow.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[technicianID] = s
}

// State returns the stored workflow state of a technician.
func (b *Backend) State(technicianID string) workflow.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[technicianID]
	if !ok {
		return workflow.Snapshot{State: workflow.Initial}
	}
	return s
}

// SetInventory seeds a truck's stock.
func (b *Backend) SetInventory(truckID string, items []backend.InventoryItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inventory[truckID] = items
}

// SetWorkOrders seeds a technician's assignments.
func (b *Backend) SetWorkOrders(technicianID string, orders []backend.WorkOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[technicianID] = orders
}

// Notes returns the notes stored for a work order.
func (b *Backend) Notes(workOrderID string) []backend.Note {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Note, len(b.notes[workOrderID]))
	copy(out, b.notes[workOrderID])
	return out
}

// ClockOuts returns how often a technician clocked out.
func (b *Backend) ClockOuts(technicianID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clockOuts[technicianID]
}

// Calls returns the method names invoked so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *Backend) record(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
	return b.Err
}

func (b *Backend) WorkflowState(ctx context.Context, technicianID string) (workflow.Snapshot, error) {
	if err := b.record("WorkflowState"); err != nil {
		return workflow.Snapshot{}, err
	}
	return b.State(technicianID), nil
}

func (b *Backend) UpdateWorkflowState(ctx context.Context, technicianID string, s workflow.Snapshot) (workflow.Snapshot, error) {
	if b.BeforeUpdate != nil {
		b.BeforeUpdate(ctx)
	}
	if err := b.record("UpdateWorkflowState"); err != nil {
		return workflow.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return workflow.Snapshot{}, err
	}
	b.SetState(technicianID, s)
	return s, nil
}

func (b *Backend) WorkOrders(ctx context.Context, technicianID string) ([]backend.WorkOrder, error) {
	if err := b.record("WorkOrders"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders[technicianID], nil
}

func (b *Backend) ClockOut(ctx context.Context, technicianID string) (backend.ClockRecord, error) {
	if err := b.record("ClockOut"); err != nil {
		return backend.ClockRecord{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clockOuts[technicianID]++
	return backend.ClockRecord{TechnicianID: backend.ID(technicianID), Message: "Successfully clocked out"}, nil
}

func (b *Backend) AddNote(ctx context.Context, workOrderID string, note backend.Note) (backend.NoteResult, error) {
	if err := b.record("AddNote"); err != nil {
		return backend.NoteResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes[workOrderID] = append(b.notes[workOrderID], note)
	return backend.NoteResult{ID: backend.ID(workOrderID)}, nil
}

func (b *Backend) TruckInventory(ctx context.Context, truckID string) ([]backend.InventoryItem, error) {
	if err := b.record("TruckInventory"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.inventory[truckID]
	if !ok {
		return nil, &backend.APIError{StatusCode: 404, Detail: "Truck not found"}
	}
	return items, nil
}

func (b *Backend) UpdateInventory(ctx context.Context, truckID string, itemID backend.ID, quantity int) error {
	if err := b.record("UpdateInventory"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.inventory[truckID]
	for i := range items {
		if items[i].ItemID == itemID {
			items[i].Quantity = quantity
			return nil
		}
	}
	return &backend.APIError{StatusCode: 404, Detail: fmt.Sprintf("Inventory item %s not found for this truck", itemID)}
}
