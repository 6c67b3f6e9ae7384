package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/chriscow/fieldvoice/pkg/workflow"
)

var (
	// ErrNotFound matches APIErrors with status 404.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches APIErrors with status 409 or 422, returned when the
	// backend refuses a write that conflicts with its current state.
	ErrConflict = errors.New("conflict")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// ID is an identifier the backend sends either as a number or a string.
type ID string

func (f ID) String() string { return string(f) }

// UnmarshalJSON accepts numbers, strings and null.
func (f *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		*f = ID(unq)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid id %s", s)
	}
	*f = ID(s)
	return nil
}

type workflowBody struct {
	State              string `json:"state"`
	CurrentWorkOrderID ID     `json:"current_work_order_id,omitempty"`
	NextWorkOrderID    ID     `json:"next_work_order_id,omitempty"`
}

func (b workflowBody) snapshot() (workflow.Snapshot, error) {
	if b.State == "" {
		return workflow.Snapshot{State: workflow.Initial}, nil
	}
	state, err := workflow.ParseState(b.State)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	return workflow.Snapshot{
		State:              state,
		CurrentWorkOrderID: string(b.CurrentWorkOrderID),
		NextWorkOrderID:    string(b.NextWorkOrderID),
	}, nil
}

// TechnicianStatus is the technician's clock and assignment summary.
type TechnicianStatus struct {
	TechnicianID  ID          `json:"technician_id"`
	Name          string      `json:"name"`
	Phone         string      `json:"phone,omitempty"`
	Status        string      `json:"status"`
	ClockInTime   string      `json:"clock_in_time,omitempty"`
	ClockOutTime  string      `json:"clock_out_time,omitempty"`
	TruckID       ID          `json:"truck_id,omitempty"`
	TruckName     string      `json:"truck_name,omitempty"`
	IsOfficeTruck bool        `json:"is_office_truck,omitempty"`
	WorkOrders    []WorkOrder `json:"work_orders,omitempty"`
}

// Active reports whether the technician is clocked in.
func (s TechnicianStatus) Active() bool {
	return s.Status == "active"
}

// WorkOrder is a job assigned to a technician.
type WorkOrder struct {
	ID               ID     `json:"work_order_id"`
	Title            string `json:"title"`
	BriefDescription string `json:"brief_description,omitempty"`
	Status           string `json:"status"`
	ScheduledFor     string `json:"scheduled_for,omitempty"`
}

// ClockRecord is the backend's answer to a clock-in or clock-out.
type ClockRecord struct {
	ID           ID     `json:"id"`
	TechnicianID ID     `json:"technician_id"`
	TruckID      ID     `json:"truck_id,omitempty"`
	ClockInTime  string `json:"clock_in_time,omitempty"`
	ClockOutTime string `json:"clock_out_time,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Note is a work-order note written by a technician.
type Note struct {
	Notes        string `json:"notes"`
	TechnicianID string `json:"technician_id"`
	AlertOffice  bool   `json:"alert_office"`
}

// NoteResult is returned after a note is stored.
type NoteResult struct {
	ID         ID               `json:"id"`
	LatestNote map[string]any   `json:"latest_note,omitempty"`
	Notes      []map[string]any `json:"notes,omitempty"`
}

// InventoryItem is stock carried on a truck.
type InventoryItem struct {
	ItemID   ID     `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Unit     string `json:"unit,omitempty"`
	MinLevel int    `json:"min_quantity,omitempty"`
}
