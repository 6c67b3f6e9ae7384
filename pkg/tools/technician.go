package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chriscow/fieldvoice/pkg/backend"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

// Backend is the part of the workflow service the technician tools use.
type Backend interface {
	WorkflowState(ctx context.Context, technicianID string) (workflow.Snapshot, error)
	UpdateWorkflowState(ctx context.Context, technicianID string, s workflow.Snapshot) (workflow.Snapshot, error)
	WorkOrders(ctx context.Context, technicianID string) ([]backend.WorkOrder, error)
	ClockOut(ctx context.Context, technicianID string) (backend.ClockRecord, error)
	AddNote(ctx context.Context, workOrderID string, note backend.Note) (backend.NoteResult, error)
	TruckInventory(ctx context.Context, truckID string) ([]backend.InventoryItem, error)
	UpdateInventory(ctx context.Context, truckID string, itemID backend.ID, quantity int) error
}

// ErrTechnicianMismatch is returned when the model names a technician other
// than the one the session belongs to.
var ErrTechnicianMismatch = errors.New("technician does not match session")

// TechnicianConfig binds the technician toolset to one technician.
type TechnicianConfig struct {
	TechnicianID string
	Backend      Backend
	Machine      *workflow.Machine

	// OnTransition is called after a transition has been persisted.
	OnTransition func(workflow.Snapshot)
	Logger       *slog.Logger
}

// StateResult is the success payload of workflow tools.
type StateResult struct {
	Success            bool           `json:"success"`
	State              workflow.State `json:"state"`
	CurrentWorkOrderID string         `json:"current_work_order_id,omitempty"`
	NextWorkOrderID    string         `json:"next_work_order_id,omitempty"`
	AllowedNext        []string       `json:"allowed_next,omitempty"`
	Message            string         `json:"message,omitempty"`
	Warning            string         `json:"warning,omitempty"`
}

type technicianArgs struct {
	TechnicianID backend.ID `json:"technician_id,omitempty" description:"ID of the technician; defaults to the signed-in technician"`
}

type jobArgs struct {
	WorkOrderID  backend.ID `json:"work_order_id" description:"ID of the work order"`
	TechnicianID backend.ID `json:"technician_id,omitempty" description:"ID of the technician; defaults to the signed-in technician"`
}

type completeJobArgs struct {
	WorkOrderID     backend.ID `json:"work_order_id" description:"ID of the work order that was finished"`
	TechnicianID    backend.ID `json:"technician_id,omitempty" description:"ID of the technician; defaults to the signed-in technician"`
	Notes           string     `json:"notes,omitempty" description:"Summary of the work performed"`
	NextWorkOrderID backend.ID `json:"next_work_order_id,omitempty" description:"ID of the next work order, if the technician has another job"`
}

type noteArgs struct {
	WorkOrderID  backend.ID `json:"work_order_id" description:"ID of the work order"`
	TechnicianID backend.ID `json:"technician_id,omitempty" description:"ID of the technician; defaults to the signed-in technician"`
	Notes        string     `json:"notes" description:"Text of the note"`
	AlertOffice  bool       `json:"alert_office,omitempty" description:"Also notify the office about this note"`
}

type alertArgs struct {
	WorkOrderID  backend.ID `json:"work_order_id" description:"ID of the work order the alert concerns"`
	TechnicianID backend.ID `json:"technician_id,omitempty" description:"ID of the technician; defaults to the signed-in technician"`
	Message      string     `json:"message" description:"What the office needs to know"`
}

type truckArgs struct {
	TruckID backend.ID `json:"truck_id" description:"ID of the truck"`
}

type inventoryUpdateArgs struct {
	TruckID  backend.ID `json:"truck_id" description:"ID of the truck"`
	ItemID   backend.ID `json:"item_id" description:"ID of the inventory item"`
	Quantity int        `json:"quantity" description:"New quantity on the truck"`
}

type technicianTools struct {
	technicianID string
	backend      Backend
	machine      *workflow.Machine
	onTransition func(workflow.Snapshot)
	logger       *slog.Logger
}

// RegisterTechnicianTools adds the field technician workflow tools to r.
func RegisterTechnicianTools(r *Registry, cfg TechnicianConfig) error {
	if cfg.TechnicianID == "" {
		return fmt.Errorf("technician id is required")
	}
	if cfg.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if cfg.Machine == nil {
		cfg.Machine = workflow.NewMachine()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &technicianTools{
		technicianID: cfg.TechnicianID,
		backend:      cfg.Backend,
		machine:      cfg.Machine,
		onTransition: cfg.OnTransition,
		logger:       cfg.Logger,
	}

	builders := []func() (Tool, error){
		func() (Tool, error) {
			return Func("get_workflow_state", "Get the technician's current workflow state and work orders in progress.", t.getWorkflowState)
		},
		func() (Tool, error) {
			return Func("start_travel", "Record that the technician is driving to a job site.", t.startTravel)
		},
		func() (Tool, error) {
			return Func("arrive_at_jobsite", "Record that the technician arrived at the job site.", t.arriveAtJobsite)
		},
		func() (Tool, error) {
			return Func("start_work", "Record that the technician started working on the job.", t.startWork)
		},
		func() (Tool, error) {
			return Func("complete_job", "Record that the job is finished, with notes and the next work order if there is one.", t.completeJob)
		},
		func() (Tool, error) {
			return Func("return_to_office", "Record that the technician is driving back to the office.", t.returnToOffice)
		},
		func() (Tool, error) {
			return Func("end_day", "Finish the working day and clock the technician out.", t.endDay)
		},
		func() (Tool, error) {
			return Func("add_work_order_note", "Add a note to a work order.", t.addNote)
		},
		func() (Tool, error) {
			return Func("alert_office", "Send an urgent message about a work order to the office.", t.alertOffice)
		},
		func() (Tool, error) {
			return Func("check_inventory", "List the parts and quantities carried on a truck.", t.checkInventory)
		},
		func() (Tool, error) {
			return Func("update_inventory", "Set the quantity of a part carried on a truck.", t.updateInventory)
		},
		func() (Tool, error) {
			return Func("get_work_orders", "List the work orders assigned to the technician.", t.getWorkOrders)
		},
	}

	for _, build := range builders {
		tool, err := build()
		if err != nil {
			return err
		}
		r.Register(tool)
	}
	return nil
}

// TechnicianInstructions returns the behavioural instructions sent with the
// session configuration.
func TechnicianInstructions(technicianName string) string {
	var b strings.Builder
	b.WriteString("You are a hands-free voice assistant for a field service technician")
	if technicianName != "" {
		b.WriteString(" named ")
		b.WriteString(technicianName)
	}
	b.WriteString(". Keep answers short; the technician is driving or working with their hands. ")
	b.WriteString("Use the tools to record every change in the working day: start_travel when they head to a job, ")
	b.WriteString("arrive_at_jobsite, start_work, complete_job, then start_travel for the next job or return_to_office, and end_day. ")
	b.WriteString("Only move the day forward one step at a time. If a tool returns an error, explain it plainly and ask how to proceed. ")
	b.WriteString("Use alert_office for anything urgent such as safety issues or a customer problem.")
	return b.String()
}

func (t *technicianTools) technician(id backend.ID) (string, error) {
	if id == "" || string(id) == t.technicianID {
		return t.technicianID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrTechnicianMismatch, id)
}

// transition validates target against the mirrored state before writing it
// to the backend.
func (t *technicianTools) transition(ctx context.Context, techID string, target workflow.State, tc workflow.Context, message string) (StateResult, error) {
	next, err := t.machine.Propose(target, tc)
	if err != nil {
		return StateResult{}, err
	}

	saved, err := t.backend.UpdateWorkflowState(ctx, techID, next)
	if err != nil {
		return StateResult{}, err
	}
	if err := t.machine.Commit(saved); err != nil {
		return StateResult{}, err
	}

	t.logger.Info("Workflow transition",
		slog.String("technician_id", techID),
		slog.String("state", saved.State.String()),
		slog.String("work_order_id", saved.CurrentWorkOrderID))

	if t.onTransition != nil {
		t.onTransition(saved)
	}
	return stateResult(saved, message), nil
}

// annotate writes a workflow note; failures are reported in the result but do
// not undo the transition.
func (t *technicianTools) annotate(ctx context.Context, res *StateResult, techID, workOrderID, text string) {
	if workOrderID == "" || text == "" {
		return
	}
	if _, err := t.backend.AddNote(ctx, workOrderID, backend.Note{Notes: text, TechnicianID: techID}); err != nil {
		t.logger.Warn("Failed to annotate work order",
			slog.String("work_order_id", workOrderID),
			slog.String("error", err.Error()))
		res.Warning = "state saved but the work order note could not be written"
	}
}

func stateResult(s workflow.Snapshot, message string) StateResult {
	allowed := workflow.Allowed(s.State)
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = a.String()
	}
	return StateResult{
		Success:            true,
		State:              s.State,
		CurrentWorkOrderID: s.CurrentWorkOrderID,
		NextWorkOrderID:    s.NextWorkOrderID,
		AllowedNext:        names,
		Message:            message,
	}
}

func (t *technicianTools) getWorkflowState(ctx context.Context, args technicianArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	s, err := t.backend.WorkflowState(ctx, techID)
	if err != nil {
		return nil, err
	}
	if err := t.machine.Reset(s); err != nil {
		return nil, err
	}
	return stateResult(s, ""), nil
}

func (t *technicianTools) startTravel(ctx context.Context, args jobArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	target := workflow.StateTravelingToFirstJob
	if t.machine.Current().State == workflow.StateJobCompleted {
		target = workflow.StateTravelingToNextJob
	}

	wo := string(args.WorkOrderID)
	res, err := t.transition(ctx, techID, target, workflow.Context{CurrentWorkOrderID: wo},
		fmt.Sprintf("Traveling to work order %s", wo))
	if err != nil {
		return nil, err
	}
	t.annotate(ctx, &res, techID, res.CurrentWorkOrderID, "Technician en route")
	return res, nil
}

func (t *technicianTools) arriveAtJobsite(ctx context.Context, args jobArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	res, err := t.transition(ctx, techID, workflow.StateAtJobsite,
		workflow.Context{CurrentWorkOrderID: string(args.WorkOrderID)}, "Arrived at job site")
	if err != nil {
		return nil, err
	}
	t.annotate(ctx, &res, techID, res.CurrentWorkOrderID, "Technician arrived on site")
	return res, nil
}

func (t *technicianTools) startWork(ctx context.Context, args jobArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	res, err := t.transition(ctx, techID, workflow.StateWorkingOnJob,
		workflow.Context{CurrentWorkOrderID: string(args.WorkOrderID)}, "Work started")
	if err != nil {
		return nil, err
	}
	t.annotate(ctx, &res, techID, res.CurrentWorkOrderID, "Work started")
	return res, nil
}

func (t *technicianTools) completeJob(ctx context.Context, args completeJobArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	tc := workflow.Context{
		CurrentWorkOrderID: string(args.WorkOrderID),
		NextWorkOrderID:    string(args.NextWorkOrderID),
	}
	res, err := t.transition(ctx, techID, workflow.StateJobCompleted, tc, "Job completed")
	if err != nil {
		return nil, err
	}
	note := "Job completed"
	if args.Notes != "" {
		note = "Job completed: " + args.Notes
	}
	t.annotate(ctx, &res, techID, res.CurrentWorkOrderID, note)
	return res, nil
}

func (t *technicianTools) returnToOffice(ctx context.Context, args technicianArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	return t.transition(ctx, techID, workflow.StateTravelingToOffice, workflow.Context{}, "Returning to the office")
}

func (t *technicianTools) endDay(ctx context.Context, args technicianArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	res, err := t.transition(ctx, techID, workflow.StateDayCompleted, workflow.Context{}, "Day completed")
	if err != nil {
		return nil, err
	}
	if _, err := t.backend.ClockOut(ctx, techID); err != nil {
		t.logger.Warn("Failed to clock out", slog.String("technician_id", techID), slog.String("error", err.Error()))
		res.Warning = "day completed but clock-out failed: " + err.Error()
	}
	return res, nil
}

func (t *technicianTools) addNote(ctx context.Context, args noteArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	if args.WorkOrderID == "" {
		return nil, workflow.ErrWorkOrderRequired
	}
	if strings.TrimSpace(args.Notes) == "" {
		return nil, fmt.Errorf("note text is required")
	}
	if _, err := t.backend.AddNote(ctx, string(args.WorkOrderID), backend.Note{
		Notes:        args.Notes,
		TechnicianID: techID,
		AlertOffice:  args.AlertOffice,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":        true,
		"work_order_id":  string(args.WorkOrderID),
		"office_alerted": args.AlertOffice,
	}, nil
}

func (t *technicianTools) alertOffice(ctx context.Context, args alertArgs) (any, error) {
	return t.addNote(ctx, noteArgs{
		WorkOrderID:  args.WorkOrderID,
		TechnicianID: args.TechnicianID,
		Notes:        args.Message,
		AlertOffice:  true,
	})
}

func (t *technicianTools) checkInventory(ctx context.Context, args truckArgs) (any, error) {
	if args.TruckID == "" {
		return nil, fmt.Errorf("truck id is required")
	}
	items, err := t.backend.TruckInventory(ctx, string(args.TruckID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"truck_id": string(args.TruckID), "items": items}, nil
}

// InventoryResult is the payload of update_inventory.
type InventoryResult struct {
	Success       bool   `json:"success"`
	TruckID       string `json:"truck_id"`
	ItemID        string `json:"item_id"`
	Quantity      int    `json:"quantity"`
	LowStock      bool   `json:"low_stock"`
	MinQuantity   int    `json:"min_quantity,omitempty"`
	OfficeAlerted bool   `json:"office_alerted,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

func (t *technicianTools) updateInventory(ctx context.Context, args inventoryUpdateArgs) (any, error) {
	if args.TruckID == "" {
		return nil, fmt.Errorf("truck id is required")
	}
	if args.ItemID == "" {
		return nil, fmt.Errorf("item id is required")
	}
	if args.Quantity < 0 {
		return nil, fmt.Errorf("quantity cannot be negative: %d", args.Quantity)
	}
	truckID := string(args.TruckID)
	if err := t.backend.UpdateInventory(ctx, truckID, args.ItemID, args.Quantity); err != nil {
		return nil, err
	}

	res := InventoryResult{
		Success:  true,
		TruckID:  truckID,
		ItemID:   args.ItemID.String(),
		Quantity: args.Quantity,
	}
	t.checkStockLevel(ctx, &res)
	return res, nil
}

// checkStockLevel flags an item at or below its minimum and alerts the office
// through the current work order. Failures only add a warning; the quantity
// is already saved.
func (t *technicianTools) checkStockLevel(ctx context.Context, res *InventoryResult) {
	items, err := t.backend.TruckInventory(ctx, res.TruckID)
	if err != nil {
		t.logger.Warn("Failed to read inventory after update",
			slog.String("truck_id", res.TruckID),
			slog.String("error", err.Error()))
		res.Warning = "quantity saved but the stock level could not be checked"
		return
	}

	var item *backend.InventoryItem
	for i := range items {
		if items[i].ItemID.String() == res.ItemID {
			item = &items[i]
			break
		}
	}
	if item == nil || res.Quantity > item.MinLevel {
		return
	}
	res.LowStock = true
	res.MinQuantity = item.MinLevel

	t.logger.Info("Low inventory",
		slog.String("truck_id", res.TruckID),
		slog.String("item_id", res.ItemID),
		slog.Int("quantity", res.Quantity),
		slog.Int("min_quantity", item.MinLevel))

	wo := t.machine.Current().CurrentWorkOrderID
	if wo == "" {
		res.Warning = "stock is low; no active work order to alert the office through"
		return
	}
	name := item.Name
	if name == "" {
		name = "item " + res.ItemID
	}
	msg := fmt.Sprintf("Low inventory: %s on truck %s is at %d (minimum %d)", name, res.TruckID, res.Quantity, item.MinLevel)
	if _, err := t.backend.AddNote(ctx, wo, backend.Note{Notes: msg, TechnicianID: t.technicianID, AlertOffice: true}); err != nil {
		t.logger.Warn("Failed to alert office about low inventory",
			slog.String("work_order_id", wo),
			slog.String("error", err.Error()))
		res.Warning = "stock is low but the office could not be alerted"
		return
	}
	res.OfficeAlerted = true
}

func (t *technicianTools) getWorkOrders(ctx context.Context, args technicianArgs) (any, error) {
	techID, err := t.technician(args.TechnicianID)
	if err != nil {
		return nil, err
	}
	orders, err := t.backend.WorkOrders(ctx, techID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"technician_id": techID, "work_orders": orders}, nil
}
