package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/chriscow/fieldvoice/internal/transport"
	"github.com/chriscow/fieldvoice/pkg/backend/fake"
	"github.com/chriscow/fieldvoice/pkg/realtime"
	"github.com/chriscow/fieldvoice/pkg/rtc"
	"github.com/chriscow/fieldvoice/pkg/tools"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records what the controller sends and lets tests play the
// remote side through the callbacks it was created with.
type fakeTransport struct {
	cb       transport.Callbacks
	openErr  error
	closeErr error

	mu     sync.Mutex
	opened bool
	closes int
	closed bool
	sent   [][]byte
	audio  bool
}

func (f *fakeTransport) Open(ctx context.Context, _ []webrtc.ICEServer) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeTransport) AddLocalAudio(ctx context.Context, in <-chan rtc.AudioChunk) error {
	f.mu.Lock()
	f.audio = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendControl(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	return f.closeErr
}

// push delivers a server event.
func (f *fakeTransport) push(msg string) {
	f.cb.OnControlMessage([]byte(msg))
}

func (f *fakeTransport) drop(err error) {
	f.cb.OnDisconnected(err)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type sentMessage struct {
	Type string `json:"type"`
	Item struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	} `json:"item"`
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var m sentMessage
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) count(eventType string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == eventType {
			n++
		}
	}
	return n
}

// fakeFactory hands out fakeTransports, failing Open with the queued errors
// in order.
type fakeFactory struct {
	mu       sync.Mutex
	made     []*fakeTransport
	openErrs []error
	closeErr error
}

func (f *fakeFactory) New(cb transport.Callbacks) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{cb: cb, closeErr: f.closeErr}
	if len(f.openErrs) > 0 {
		tr.openErr = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	}
	f.made = append(f.made, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[len(f.made)-1]
}

// fakeAudio records playback and capture calls.
type fakeAudio struct {
	mu       sync.Mutex
	deltas   []string
	pcm      int
	starts   int
	stops    int
	chunks   chan rtc.AudioChunk
	startErr error
}

func (a *fakeAudio) StartCapture(ctx context.Context) (<-chan rtc.AudioChunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	a.starts++
	a.chunks = make(chan rtc.AudioChunk)
	return a.chunks, nil
}

func (a *fakeAudio) StopCapture() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
}

func (a *fakeAudio) PlayDelta(b64 string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltas = append(a.deltas, b64)
	return nil
}

func (a *fakeAudio) PlayPCM(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pcm += len(pcm)
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, call realtime.PendingFunctionCall) tools.Result {
	return tools.Result{CallID: call.CallID, Name: call.Name, Output: "{}"}
}

func (nopDispatcher) Reject(call realtime.PendingFunctionCall, err error) tools.Result {
	return tools.Result{CallID: call.CallID, Name: call.Name, Output: "{}", Err: err}
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fixture struct {
	ctrl     *Controller
	factory  *fakeFactory
	backend  *fake.Backend
	machine  *workflow.Machine
	audio    *fakeAudio
	recorder *recorder
}

type fixtureOption func(*Config, *fixture)

func withAudio() fixtureOption {
	return func(cfg *Config, f *fixture) {
		f.audio = &fakeAudio{}
		cfg.Audio = f.audio
	}
}

func newFixture(t *testing.T, start workflow.Snapshot, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		factory:  &fakeFactory{},
		backend:  fake.NewBackend(),
		machine:  workflow.NewMachine(),
		recorder: &recorder{},
	}
	f.backend.SetState("3", start)

	reg := tools.NewRegistry()
	if err := tools.RegisterTechnicianTools(reg, tools.TechnicianConfig{
		TechnicianID: "3",
		Backend:      f.backend,
		Machine:      f.machine,
		Logger:       quietLogger(),
	}); err != nil {
		t.Fatalf("RegisterTechnicianTools() error: %v", err)
	}
	reg.Freeze()

	dispatcher, err := tools.NewDispatcher(tools.DispatcherConfig{Registry: reg, Timeout: 5 * time.Second, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error: %v", err)
	}

	cfg := Config{
		TechnicianID:  "3",
		NewTransport:  f.factory.New,
		Backend:       f.backend,
		Machine:       f.machine,
		Dispatcher:    dispatcher,
		ResponseGrace: 10 * time.Millisecond,
		Listeners:     []Listener{f.recorder.listen},
		Logger:        quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg, f)
	}

	f.ctrl, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Disconnect() })
	return f
}

// eventually polls cond until it holds or fails the test after two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
