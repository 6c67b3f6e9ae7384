package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/fieldvoice/pkg/workflow"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, &calls
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "valid", baseURL: "http://localhost:8000", wantErr: false},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "websocket scheme", baseURL: "ws://localhost:8000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{BaseURL: tt.baseURL})
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_WorkflowState(t *testing.T) {
	is := is.New(t)
	c, calls := newTestServer(t, http.StatusOK,
		`{"state":"JOB_COMPLETED","current_work_order_id":41,"next_work_order_id":"42"}`)

	snap, err := c.WorkflowState(context.Background(), "3")
	is.NoErr(err)
	is.Equal(snap.State, workflow.StateJobCompleted)
	is.Equal(snap.CurrentWorkOrderID, "41") // numeric ids are accepted
	is.Equal(snap.NextWorkOrderID, "42")

	is.Equal(len(*calls), 1)
	is.Equal((*calls)[0].method, http.MethodGet)
	is.Equal((*calls)[0].path, "/api/technicians/3/workflow-state")
}

func TestClient_WorkflowStateEmptyMeansInitial(t *testing.T) {
	is := is.New(t)
	c, _ := newTestServer(t, http.StatusOK, `{}`)

	snap, err := c.WorkflowState(context.Background(), "3")
	is.NoErr(err)
	is.Equal(snap.State, workflow.StateClockedIn)
}

func TestClient_UpdateWorkflowState(t *testing.T) {
	is := is.New(t)
	c, calls := newTestServer(t, http.StatusOK, `{"state":"TRAVELING_TO_FIRST_JOB","current_work_order_id":"7"}`)

	snap, err := c.UpdateWorkflowState(context.Background(), "3", workflow.Snapshot{
		State:              workflow.StateTravelingToFirstJob,
		CurrentWorkOrderID: "7",
	})
	is.NoErr(err)
	is.Equal(snap.CurrentWorkOrderID, "7")

	got := (*calls)[0]
	is.Equal(got.method, http.MethodPut)
	is.Equal(got.body["state"], "TRAVELING_TO_FIRST_JOB")
	is.Equal(got.body["current_work_order_id"], "7")
}

func TestClient_AddNote(t *testing.T) {
	is := is.New(t)
	c, calls := newTestServer(t, http.StatusOK, `{"id":7,"latest_note":{"id":1}}`)

	res, err := c.AddNote(context.Background(), "7", Note{Notes: "gas leak", TechnicianID: "3", AlertOffice: true})
	is.NoErr(err)
	is.Equal(res.ID.String(), "7")

	got := (*calls)[0]
	is.Equal(got.path, "/api/work-orders/7/notes")
	is.Equal(got.body["alert_office"], true)
	is.Equal(got.body["notes"], "gas leak")
}

func TestClient_TechnicianStatus(t *testing.T) {
	is := is.New(t)
	c, calls := newTestServer(t, http.StatusOK,
		`{"technician_id":3,"name":"Dana","status":"clocked_in","truck_id":"2","work_orders":[{"work_order_id":41}]}`)

	st, err := c.TechnicianStatus(context.Background(), "3")
	is.NoErr(err)
	is.Equal(st.TechnicianID.String(), "3")
	is.Equal(st.Status, "clocked_in")
	is.Equal(st.TruckID.String(), "2")
	is.Equal(len(st.WorkOrders), 1)

	is.Equal((*calls)[0].method, http.MethodGet)
	is.Equal((*calls)[0].path, "/api/technicians/3/status")
}

func TestClient_Inventory(t *testing.T) {
	is := is.New(t)
	c, calls := newTestServer(t, http.StatusOK, `[{"item_id":14,"name":"Air filter","quantity":3}]`)

	items, err := c.TruckInventory(context.Background(), "2")
	is.NoErr(err)
	is.Equal(len(items), 1)
	is.Equal(items[0].ItemID.String(), "14")
	is.Equal(items[0].Quantity, 3)

	is.NoErr(c.UpdateInventory(context.Background(), "2", "14", 2))
	patch := (*calls)[1]
	is.Equal(patch.method, http.MethodPatch)
	is.Equal(patch.path, "/api/trucks/2/inventory/14")
	is.Equal(patch.body["quantity"], float64(2))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		detail   string
	}{
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     `{"detail":"Inventory item not found for this truck"}`,
			sentinel: ErrNotFound,
			detail:   "Inventory item not found for this truck",
		},
		{
			name:     "already clocked in",
			status:   http.StatusUnprocessableEntity,
			body:     `{"detail":"Cannot clock in"}`,
			sentinel: ErrConflict,
			detail:   "Cannot clock in",
		},
		{
			name:   "plain text",
			status: http.StatusInternalServerError,
			body:   `boom`,
			detail: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, tt.status, tt.body)
			_, err := c.ClockIn(context.Background(), "3", 2)

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Detail != tt.detail {
				t.Errorf("Detail = %q, want %q", apiErr.Detail, tt.detail)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected errors.Is(err, %v)", tt.sentinel)
			}
		})
	}
}
