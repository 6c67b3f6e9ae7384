// Package backend is a client for the technician workflow REST service. The
// service owns workflow state, clock records, work-order notes and truck
// inventory; the session only reads and updates them through this client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chriscow/fieldvoice/pkg/workflow"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the workflow backend over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. The HTTP transport is instrumented with OpenTelemetry
// unless a custom client is supplied.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL scheme %q", base.Scheme)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{base: base, http: cfg.HTTPClient, logger: cfg.Logger}, nil
}

// WorkflowState fetches the authoritative workflow snapshot of a technician.
func (c *Client) WorkflowState(ctx context.Context, technicianID string) (workflow.Snapshot, error) {
	var body workflowBody
	if err := c.do(ctx, http.MethodGet, c.path("api", "technicians", technicianID, "workflow-state"), nil, &body); err != nil {
		return workflow.Snapshot{}, fmt.Errorf("failed to get workflow state: %w", err)
	}
	return body.snapshot()
}

// UpdateWorkflowState persists a validated snapshot.
func (c *Client) UpdateWorkflowState(ctx context.Context, technicianID string, s workflow.Snapshot) (workflow.Snapshot, error) {
	req := workflowBody{
		State:              string(s.State),
		CurrentWorkOrderID: ID(s.CurrentWorkOrderID),
		NextWorkOrderID:    ID(s.NextWorkOrderID),
	}
	var body workflowBody
	if err := c.do(ctx, http.MethodPut, c.path("api", "technicians", technicianID, "workflow-state"), req, &body); err != nil {
		return workflow.Snapshot{}, fmt.Errorf("failed to update workflow state: %w", err)
	}
	if body.State == "" {
		return s, nil
	}
	return body.snapshot()
}

// TechnicianStatus returns the clock and work-order status of a technician.
func (c *Client) TechnicianStatus(ctx context.Context, technicianID string) (TechnicianStatus, error) {
	var st TechnicianStatus
	if err := c.do(ctx, http.MethodGet, c.path("api", "technicians", technicianID, "status"), nil, &st); err != nil {
		return TechnicianStatus{}, fmt.Errorf("failed to get technician status: %w", err)
	}
	return st, nil
}

// WorkOrders lists the work orders assigned to a technician.
func (c *Client) WorkOrders(ctx context.Context, technicianID string) ([]WorkOrder, error) {
	var orders []WorkOrder
	if err := c.do(ctx, http.MethodGet, c.path("api", "technicians", technicianID, "work-orders"), nil, &orders); err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	return orders, nil
}

// ClockIn opens today's clock record on the given truck.
func (c *Client) ClockIn(ctx context.Context, technicianID string, truckID int) (ClockRecord, error) {
	var rec ClockRecord
	req := map[string]int{"truck_id": truckID}
	if err := c.do(ctx, http.MethodPost, c.path("api", "technicians", technicianID, "clock-in"), req, &rec); err != nil {
		return ClockRecord{}, fmt.Errorf("failed to clock in: %w", err)
	}
	return rec, nil
}

// ClockOut closes today's clock record.
func (c *Client) ClockOut(ctx context.Context, technicianID string) (ClockRecord, error) {
	var rec ClockRecord
	if err := c.do(ctx, http.MethodPost, c.path("api", "technicians", technicianID, "clock-out"), nil, &rec); err != nil {
		return ClockRecord{}, fmt.Errorf("failed to clock out: %w", err)
	}
	return rec, nil
}

// AddNote appends a note to a work order. With AlertOffice set the backend
// also raises a manual notification for the office.
func (c *Client) AddNote(ctx context.Context, workOrderID string, note Note) (NoteResult, error) {
	var res NoteResult
	if err := c.do(ctx, http.MethodPut, c.path("api", "work-orders", workOrderID, "notes"), note, &res); err != nil {
		return NoteResult{}, fmt.Errorf("failed to add work order note: %w", err)
	}
	return res, nil
}

// TruckInventory lists the stock carried on a truck.
func (c *Client) TruckInventory(ctx context.Context, truckID string) ([]InventoryItem, error) {
	var items []InventoryItem
	if err := c.do(ctx, http.MethodGet, c.path("api", "trucks", truckID, "inventory"), nil, &items); err != nil {
		return nil, fmt.Errorf("failed to get truck inventory: %w", err)
	}
	return items, nil
}

// UpdateInventory sets the quantity of an item on a truck.
func (c *Client) UpdateInventory(ctx context.Context, truckID string, itemID ID, quantity int) error {
	req := map[string]int{"quantity": quantity}
	path := c.path("api", "trucks", truckID, "inventory", itemID.String())
	if err := c.do(ctx, http.MethodPatch, path, req, nil); err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}
	return nil
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Backend request",
		slog.String("method", method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}

	var payload struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			apiErr.Detail = s
		} else if b, err := json.Marshal(payload.Detail); err == nil {
			apiErr.Detail = string(b)
		}
	}
	return apiErr
}
