// Package session runs one technician's realtime voice session: it opens the
// transport, feeds inbound events through the protocol processor, executes
// function calls and plays the model's audio.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/chriscow/fieldvoice/internal/transport"
	"github.com/chriscow/fieldvoice/pkg/audio"
	"github.com/chriscow/fieldvoice/pkg/realtime"
	"github.com/chriscow/fieldvoice/pkg/rtc"
	"github.com/chriscow/fieldvoice/pkg/tools"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

const (
	// DefaultSignalingTimeout bounds how long Connect waits for the transport.
	DefaultSignalingTimeout = 15 * time.Second

	// DefaultResponseGrace is the delay between delivering a function result
	// and asking the model to respond to it.
	DefaultResponseGrace = 500 * time.Millisecond

	// ShutdownTimeout bounds how long teardown waits for session goroutines.
	ShutdownTimeout = 5 * time.Second

	inboundQueueSize = 256
)

// ErrShutdownTimeout is returned by Disconnect when session goroutines did
// not exit within ShutdownTimeout.
var ErrShutdownTimeout = errors.New("timed out waiting for session goroutines")

// TransportFactory creates an unopened transport wired to callbacks. It is
// called once per connection attempt.
type TransportFactory func(cb transport.Callbacks) (transport.Transport, error)

// WorkflowSource is the authority for the technician's workflow state.
type WorkflowSource interface {
	WorkflowState(ctx context.Context, technicianID string) (workflow.Snapshot, error)
}

// Dispatcher executes function calls. *tools.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call realtime.PendingFunctionCall) tools.Result
	Reject(call realtime.PendingFunctionCall, err error) tools.Result
}

// Audio is the local audio device side of a session. *audio.Pipeline
// implements it.
type Audio interface {
	StartCapture(ctx context.Context) (<-chan rtc.AudioChunk, error)
	StopCapture()
	PlayDelta(b64 string) error
	PlayPCM(pcm []byte) error
}

// Config configures a Controller.
type Config struct {
	TechnicianID string
	NewTransport TransportFactory
	Backend      WorkflowSource
	Machine      *workflow.Machine
	Dispatcher   Dispatcher

	// Audio is optional; without it the session is control-only.
	Audio Audio

	// Session is sent as the session.update body on every connect.
	Session    realtime.SessionConfig
	ICEServers []webrtc.ICEServer

	SignalingTimeout  time.Duration
	ResponseGrace     time.Duration
	RateLimitCooldown time.Duration

	Listeners []Listener
	Logger    *slog.Logger
}

// Controller owns the lifecycle of a technician's realtime session. Connect
// and Disconnect may be called from any goroutine; all protocol handling for
// a connection happens on that connection's event loop.
type Controller struct {
	technicianID      string
	newTransport      TransportFactory
	backend           WorkflowSource
	machine           *workflow.Machine
	dispatcher        Dispatcher
	audio             Audio
	session           realtime.SessionConfig
	iceServers        []webrtc.ICEServer
	signalingTimeout  time.Duration
	responseGrace     time.Duration
	rateLimitCooldown time.Duration
	listeners         []Listener
	logger            *slog.Logger
	metrics           *Metrics

	state atomic.Int32

	// lifecycle serializes Connect, Disconnect and disconnect handling.
	lifecycle sync.Mutex

	mu            sync.Mutex
	run           *run
	last          *run
	cancelConnect context.CancelFunc
}

// run is one connection. Callbacks hold the run they were created for, so
// events from a replaced connection are recognized and ignored.
type run struct {
	id        string
	transport transport.Transport
	tracker   *realtime.ResponseTracker
	processor *realtime.Processor

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan []byte
	results chan tools.Result
	nudge   chan struct{}
	cleared chan struct{}

	// responseWanted is set while a follow-up response is owed to the model
	// but another response is still active. Owned by the loop.
	responseWanted bool

	// live is cleared first during teardown; nothing is sent once it is.
	live atomic.Bool

	// workflow is the last snapshot reported to listeners. Owned by the loop.
	workflow workflow.Snapshot

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	endOnce sync.Once
	ended   chan struct{}
	endErr  error
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.TechnicianID == "" {
		return nil, fmt.Errorf("technician ID is required")
	}
	if cfg.NewTransport == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("workflow backend is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Machine == nil {
		cfg.Machine = workflow.NewMachine()
	}
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = DefaultSignalingTimeout
	}
	if cfg.ResponseGrace <= 0 {
		cfg.ResponseGrace = DefaultResponseGrace
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = realtime.DefaultRateLimitCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		technicianID:      cfg.TechnicianID,
		newTransport:      cfg.NewTransport,
		backend:           cfg.Backend,
		machine:           cfg.Machine,
		dispatcher:        cfg.Dispatcher,
		audio:             cfg.Audio,
		session:           cfg.Session,
		iceServers:        cfg.ICEServers,
		signalingTimeout:  cfg.SignalingTimeout,
		responseGrace:     cfg.ResponseGrace,
		rateLimitCooldown: cfg.RateLimitCooldown,
		listeners:         cfg.Listeners,
		logger:            cfg.Logger.With(slog.String("technician_id", cfg.TechnicianID)),
		metrics:           newMetrics(),
	}, nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the session is live.
func (c *Controller) IsConnected() bool {
	return c.State() == StateActive
}

// SessionID returns the id of the live connection, or "" when there is none.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Connect opens a new session. It is a no-op when one is already connecting
// or live. The session outlives ctx; only the connection attempt is bound to
// it. End the session with Disconnect.
func (c *Controller) Connect(ctx context.Context) error {
	if c.warnIfLive() {
		return nil
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.warnIfLive() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelConnect = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelConnect = nil
		c.mu.Unlock()
		cancel()
	}()

	c.setState(StateConnecting)

	r, err := c.open(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Error("Failed to connect session", slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.run = r
	c.last = r
	c.mu.Unlock()

	r.live.Store(true)
	c.metrics.Sessions.Add(1)
	c.setState(StateActive)

	if err := c.send(r, realtime.NewSessionUpdate(c.session)); err != nil {
		c.setState(StateDisconnected)
		if terr := c.teardown(r, err); terr != nil {
			c.logger.Warn("Session teardown incomplete", slog.String("error", terr.Error()))
		}
		return fmt.Errorf("failed to configure session: %w", err)
	}

	r.workflow = c.machine.Current()
	r.spawn(func() { c.loop(r) })

	c.logger.Info("Session connected",
		slog.String("session_id", r.id),
		slog.String("workflow_state", r.workflow.State.String()))
	c.publish(WorkflowChanged{Snapshot: r.workflow})
	return nil
}

func (c *Controller) warnIfLive() bool {
	switch s := c.State(); s {
	case StateConnecting, StateActive:
		c.logger.Warn("Session already connected, ignoring connect", slog.String("state", s.String()))
		return true
	}
	return false
}

// open restores the workflow state and brings up the transport and capture.
// Anything it started is torn down when it fails.
func (c *Controller) open(ctx context.Context) (*run, error) {
	snap, err := c.backend.WorkflowState(ctx, c.technicianID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow state: %w", err)
	}
	if err := c.machine.Reset(snap); err != nil {
		return nil, fmt.Errorf("failed to restore workflow state: %w", err)
	}

	r := c.newRun(ctx)
	fail := func(err error) (*run, error) {
		if terr := c.teardown(r, err); terr != nil {
			c.logger.Warn("Session teardown incomplete", slog.String("error", terr.Error()))
		}
		return nil, err
	}

	tr, err := c.newTransport(c.callbacks(r))
	if err != nil {
		return fail(fmt.Errorf("failed to create transport: %w", err))
	}
	r.transport = tr

	openCtx, cancel := context.WithTimeout(ctx, c.signalingTimeout)
	defer cancel()
	if err := tr.Open(openCtx, c.iceServers); err != nil {
		return fail(err)
	}

	if c.audio != nil {
		chunks, err := c.audio.StartCapture(r.ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to start capture: %w", err))
		}
		if err := tr.AddLocalAudio(r.ctx, chunks); err != nil {
			return fail(fmt.Errorf("failed to attach microphone: %w", err))
		}
	}
	return r, nil
}

func (c *Controller) newRun(ctx context.Context) *run {
	tracker := realtime.NewResponseTracker()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      uuid.NewString(),
		tracker: tracker,
		processor: realtime.NewProcessor(realtime.ProcessorConfig{
			Tracker:           tracker,
			RateLimitCooldown: c.rateLimitCooldown,
			Logger:            c.logger,
		}),
		ctx:     runCtx,
		cancel:  cancel,
		inbound: make(chan []byte, inboundQueueSize),
		results: make(chan tools.Result),
		nudge:   make(chan struct{}, 1),
		cleared: make(chan struct{}, 1),
		ended:   make(chan struct{}),
	}
	tracker.OnClear(func() {
		select {
		case r.cleared <- struct{}{}:
		default:
		}
	})
	return r
}

func (c *Controller) callbacks(r *run) transport.Callbacks {
	return transport.Callbacks{
		OnControlMessage: func(msg []byte) {
			select {
			case r.inbound <- msg:
			case <-r.ctx.Done():
			}
		},
		OnRemoteAudio: func(ra transport.RemoteAudio) {
			c.playRemote(r, ra)
		},
		OnDisconnected: func(err error) {
			go c.handleDisconnect(r, err)
		},
	}
}

// loop is the single goroutine that handles a connection's protocol traffic.
func (c *Controller) loop(r *run) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.inbound:
			c.handleMessage(r, msg)
		case res := <-r.results:
			c.deliver(r, res)
		case <-r.nudge:
			r.responseWanted = true
			c.requestResponse(r)
		case <-r.cleared:
			if r.responseWanted {
				c.requestResponse(r)
			}
		}
	}
}

func (c *Controller) handleMessage(r *run, msg []byte) {
	events, err := r.processor.Feed(msg)
	if err != nil {
		c.logger.Warn("Dropping realtime message", slog.String("error", err.Error()))
		return
	}
	for _, ev := range events {
		c.handleEvent(r, ev)
	}
}

func (c *Controller) handleEvent(r *run, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SessionCreated:
		c.logger.Info("Realtime session created",
			slog.String("session_id", r.id),
			slog.String("remote_session_id", e.SessionID))

	case realtime.SessionUpdated:
		c.logger.Debug("Realtime session configured", slog.String("session_id", r.id))

	case realtime.ServerError:
		c.metrics.ServerErrors.Add(1)
		c.logger.Warn("Realtime error", slog.String("error", e.Error()))
		c.publish(SessionError{Err: e})

	case realtime.SpeechStarted:
		c.publish(SpeechActivity{Speaking: true, ItemID: e.ItemID})

	case realtime.SpeechStopped:
		c.publish(SpeechActivity{Speaking: false, ItemID: e.ItemID})

	case realtime.InputTranscriptDone:
		c.publish(Transcript{Role: RoleUser, ItemID: e.ItemID, Text: e.Transcript})

	case realtime.TranscriptDone:
		c.publish(Transcript{Role: RoleAssistant, ItemID: e.ItemID, Text: e.Transcript})

	case realtime.TextDone:
		c.publish(Transcript{Role: RoleAssistant, ItemID: e.ItemID, Text: e.Text})

	case realtime.AudioDelta:
		if c.audio == nil {
			return
		}
		if err := c.audio.PlayDelta(e.Delta); err != nil {
			c.logger.Debug("Failed to queue audio", slog.String("error", err.Error()))
		}

	case realtime.ResponseDone:
		if e.Status == "failed" && !e.RateLimited {
			c.publish(SessionError{Err: fmt.Errorf("response %s failed: %s", e.ResponseID, e.Reason)})
		}

	case realtime.RateLimitsUpdated:
		for _, l := range e.Limits {
			c.logger.Debug("Rate limit",
				slog.String("name", l.Name),
				slog.Int("remaining", l.Remaining))
		}

	case realtime.FunctionCallReady:
		c.execute(r, e.Call)

	case realtime.FunctionCallRejected:
		c.deliver(r, c.dispatcher.Reject(e.Call, e.Err))
	}
}

// execute runs a call off the loop. The handler is not cancelled by teardown
// so a backend write it started completes; its result is dropped instead.
func (c *Controller) execute(r *run, call realtime.PendingFunctionCall) {
	c.logger.Info("Executing function",
		slog.String("name", call.Name),
		slog.String("call_id", call.CallID))

	r.spawn(func() {
		res := c.dispatcher.Dispatch(context.WithoutCancel(r.ctx), call)
		select {
		case r.results <- res:
		case <-r.ctx.Done():
			c.dropResult(res)
		}
	})
}

func (c *Controller) dropResult(res tools.Result) {
	c.metrics.ResultsDropped.Add(1)
	c.logger.Info("Dropping function result, session closed",
		slog.String("name", res.Name),
		slog.String("call_id", res.CallID))
}

// deliver sends a function result and schedules the follow-up response.
func (c *Controller) deliver(r *run, res tools.Result) {
	if !r.live.Load() {
		c.dropResult(res)
		return
	}
	if err := c.send(r, res.Message()); err != nil {
		c.logger.Warn("Failed to send function result",
			slog.String("call_id", res.CallID),
			slog.String("error", err.Error()))
		return
	}

	c.publish(FunctionExecuted{
		CallID:   res.CallID,
		Name:     res.Name,
		Output:   res.Output,
		Err:      res.Err,
		Duration: res.Duration,
	})

	if snap := c.machine.Current(); snap != r.workflow {
		r.workflow = snap
		c.publish(WorkflowChanged{Snapshot: snap})
	}

	r.spawn(func() {
		timer := time.NewTimer(c.responseGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case r.nudge <- struct{}{}:
			default:
			}
		case <-r.ctx.Done():
		}
	})
}

// requestResponse asks the model to respond unless a response is already
// active, in which case the request is retried when the tracker clears.
func (c *Controller) requestResponse(r *run) {
	if !r.live.Load() {
		r.responseWanted = false
		return
	}
	if !r.tracker.TryBegin() {
		c.logger.Debug("Response already active, requesting when it ends")
		return
	}
	r.responseWanted = false
	if err := c.send(r, realtime.NewResponseCreate()); err != nil {
		r.tracker.Clear()
		c.logger.Warn("Failed to request response", slog.String("error", err.Error()))
	}
}

func (c *Controller) playRemote(r *run, ra transport.RemoteAudio) {
	if c.audio == nil {
		return
	}
	if ra.Codec != "opus" {
		c.logger.Warn("Ignoring remote audio", slog.String("codec", ra.Codec))
		return
	}
	r.spawn(func() {
		err := audio.DecodeOpusTrack(r.ctx, ra.ReadRTP, func(pcm []byte) {
			if err := c.audio.PlayPCM(pcm); err != nil {
				c.logger.Debug("Failed to queue audio", slog.String("error", err.Error()))
			}
		})
		if err != nil && r.live.Load() {
			c.logger.Warn("Remote audio stopped", slog.String("error", err.Error()))
		}
	})
}

// CommitInput asks the server to treat the buffered input audio as a user
// turn. Server VAD normally does this on its own.
func (c *Controller) CommitInput() error {
	return c.sendLive(realtime.NewInputAudioCommit())
}

// ClearInput discards buffered input audio on the server.
func (c *Controller) ClearInput() error {
	return c.sendLive(realtime.NewInputAudioClear())
}

func (c *Controller) sendLive(v any) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil || !r.live.Load() {
		return transport.ErrClosed
	}
	return c.send(r, v)
}

func (c *Controller) send(r *run, v any) error {
	msg, err := realtime.Encode(v)
	if err != nil {
		return err
	}
	return r.transport.SendControl(msg)
}

// handleDisconnect tears down a connection the transport lost.
func (c *Controller) handleDisconnect(r *run, cause error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	current := c.run == r
	c.mu.Unlock()
	if !current {
		c.logger.Debug("Ignoring disconnect from a previous connection", slog.String("session_id", r.id))
		return
	}

	c.logger.Warn("Session disconnected",
		slog.String("session_id", r.id),
		slog.String("error", cause.Error()))
	c.setState(StateDisconnected)
	if err := c.teardown(r, cause); err != nil {
		c.logger.Warn("Session teardown incomplete", slog.String("error", err.Error()))
	}
	c.publish(Disconnected{Err: cause})
}

// Disconnect ends the session. It cancels a Connect in progress, always
// completes teardown, and returns the errors of any steps that failed.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	c.mu.Unlock()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	c.setState(StateClosed)
	if r == nil {
		return nil
	}
	c.logger.Info("Disconnecting session", slog.String("session_id", r.id))
	return c.teardown(r, nil)
}

// Wait blocks until the most recent connection ends. It returns the reason
// the connection was lost, or nil when it was closed with Disconnect.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.ended:
		return r.endErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs every step even when earlier ones fail or panic.
func (c *Controller) teardown(r *run, cause error) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"mark closed", func() error {
			r.live.Store(false)
			return nil
		}},
		{"cancel", func() error {
			r.cancel()
			return nil
		}},
		{"stop audio", func() error {
			if c.audio != nil {
				c.audio.StopCapture()
			}
			return nil
		}},
		{"close transport", func() error {
			if r.transport == nil {
				return nil
			}
			return r.transport.Close()
		}},
		{"wait for goroutines", func() error {
			return r.wait(ShutdownTimeout)
		}},
		{"stop response tracker", func() error {
			r.tracker.Stop()
			r.tracker.Clear()
			return nil
		}},
		{"clear session", func() error {
			r.processor.Reset()
			c.mu.Lock()
			if c.run == r {
				c.run = nil
			}
			c.mu.Unlock()
			return nil
		}},
	}

	var errs []error
	for _, step := range steps {
		if err := guard(step.name, step.fn); err != nil {
			c.logger.Warn("Teardown step failed",
				slog.String("step", step.name),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	r.endOnce.Do(func() {
		r.endErr = cause
		close(r.ended)
	})
	return errors.Join(errs...)
}

func guard(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", name, rec)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	return nil
}

// spawn starts fn unless the run is being torn down.
func (r *run) spawn(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *run) wait(timeout time.Duration) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
	}
}
