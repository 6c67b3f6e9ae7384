package session

import (
	"context"
	"errors"
	"expvar"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/fieldvoice/internal/transport"
	"github.com/chriscow/fieldvoice/pkg/backend/fake"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

var clockedIn = workflow.Snapshot{State: workflow.StateClockedIn}

func TestNew_Validation(t *testing.T) {
	f := &fakeFactory{}
	valid := Config{
		TechnicianID: "3",
		NewTransport: f.New,
		Backend:      fake.NewBackend(),
		Dispatcher:   nopDispatcher{},
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no technician", mutate: func(c *Config) { c.TechnicianID = "" }, wantErr: true},
		{name: "no transport", mutate: func(c *Config) { c.NewTransport = nil }, wantErr: true},
		{name: "no backend", mutate: func(c *Config) { c.Backend = nil }, wantErr: true},
		{name: "no dispatcher", mutate: func(c *Config) { c.Dispatcher = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			c, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.State() != StateIdle {
				t.Errorf("new controller state = %s, want Idle", c.State())
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "Idle"},
		{StateConnecting, "Connecting"},
		{StateActive, "Active"},
		{StateDisconnected, "Disconnected"},
		{StateClosed, "Closed"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}

func TestSetState_ConcurrentTransitionsCounted(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					f.ctrl.setState(StateActive)
				} else {
					f.ctrl.setState(StateDisconnected)
				}
			}
		}(i)
	}
	wg.Wait()

	changes := 0
	for _, ev := range f.recorder.all() {
		if _, ok := ev.(StateChanged); ok {
			changes++
		}
	}
	var counted int64
	f.ctrl.Metrics().StateTransitions.Do(func(kv expvar.KeyValue) {
		counted += kv.Value.(*expvar.Int).Value()
	})
	is.Equal(counted, int64(changes)) // every transition counted once
}

func TestConnect_Idempotent(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)

	is.NoErr(f.ctrl.Connect(context.Background()))
	is.NoErr(f.ctrl.Connect(context.Background())) // second connect is a no-op

	is.Equal(f.factory.count(), 1)                        // one transport
	is.Equal(f.factory.last().count("session.update"), 1) // configured exactly once
	is.True(f.ctrl.IsConnected())
	is.True(f.ctrl.SessionID() != "")

	transitions := f.ctrl.Metrics().StateTransitions
	is.Equal(transitions.Get("Idle_to_Connecting").(*expvar.Int).Value(), int64(1))
	is.Equal(transitions.Get("Connecting_to_Active").(*expvar.Int).Value(), int64(1))
	is.Equal(f.ctrl.Metrics().Sessions.Value(), int64(1))
}

func TestConnect_RestoresWorkflowState(t *testing.T) {
	is := is.New(t)
	traveling := workflow.Snapshot{State: workflow.StateTravelingToFirstJob, CurrentWorkOrderID: "7"}
	f := newFixture(t, traveling)

	is.Equal(f.machine.Current().State, workflow.StateClockedIn) // local mirror starts stale
	is.NoErr(f.ctrl.Connect(context.Background()))

	is.Equal(f.machine.Current(), traveling)
	is.Equal(f.backend.Calls()[0], "WorkflowState")

	var changed []WorkflowChanged
	for _, ev := range f.recorder.all() {
		if wc, ok := ev.(WorkflowChanged); ok {
			changed = append(changed, wc)
		}
	}
	is.Equal(len(changed), 1)
	is.Equal(changed[0].Snapshot, traveling)
}

func TestConnect_Failures(t *testing.T) {
	openErr := &transport.ConnectionError{Op: "signaling", Err: errors.New("upstream unavailable")}

	tests := []struct {
		name          string
		setup         func(*fixture)
		wantTransport bool
		check         func(*is.I, error)
	}{
		{
			name:          "transport open",
			setup:         func(f *fixture) { f.factory.openErrs = []error{openErr} },
			wantTransport: true,
			check: func(is *is.I, err error) {
				var connErr *transport.ConnectionError
				is.True(errors.As(err, &connErr))
				is.Equal(connErr.Op, "signaling")
			},
		},
		{
			name:  "backend",
			setup: func(f *fixture) { f.backend.Err = errors.New("backend down") },
			check: func(is *is.I, err error) {
				is.True(strings.Contains(err.Error(), "failed to fetch workflow state"))
			},
		},
		{
			name:          "capture",
			setup:         func(f *fixture) { f.audio.startErr = errors.New("no microphone") },
			wantTransport: true,
			check: func(is *is.I, err error) {
				is.True(strings.Contains(err.Error(), "no microphone"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			f := newFixture(t, clockedIn, withAudio())
			tt.setup(f)

			err := f.ctrl.Connect(context.Background())
			is.True(err != nil)
			tt.check(is, err)

			is.Equal(f.ctrl.State(), StateDisconnected)
			is.Equal(f.ctrl.SessionID(), "")
			if tt.wantTransport {
				is.True(f.factory.last().isClosed()) // partial connection cleaned up
				is.Equal(f.factory.last().count("session.update"), 0)
			} else {
				is.Equal(f.factory.count(), 0)
			}
		})
	}
}

func TestFunctionCall_RoundTrip(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	tr.push(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"start_travel","arguments":"{\"work_order_id\":\"7\",\"technician_id\":\"3\"}"}`)

	eventually(t, "response.create", func() bool { return tr.count("response.create") == 1 })

	msgs := tr.messages()
	var output sentMessage
	for _, m := range msgs {
		if m.Type == "conversation.item.create" {
			output = m
		}
	}
	is.Equal(output.Item.Type, "function_call_output")
	is.Equal(output.Item.CallID, "call_1")
	is.True(strings.Contains(output.Item.Output, "TRAVELING_TO_FIRST_JOB"))
	is.Equal(msgs[len(msgs)-1].Type, "response.create") // the result goes out before the response request

	is.Equal(f.backend.State("3").State, workflow.StateTravelingToFirstJob)

	var executed *FunctionExecuted
	var workflowChanges int
	for _, ev := range f.recorder.all() {
		switch e := ev.(type) {
		case FunctionExecuted:
			executed = &e
		case WorkflowChanged:
			workflowChanges++
		}
	}
	is.True(executed != nil)
	is.Equal(executed.Name, "start_travel")
	is.NoErr(executed.Err)
	is.Equal(workflowChanges, 2) // on connect and after the transition
}

func TestFunctionCall_MalformedArguments(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	tr.push(`{"type":"response.function_call_arguments.done","call_id":"call_bad","name":"start_travel","arguments":"{not json"}`)

	eventually(t, "error result", func() bool { return tr.count("conversation.item.create") == 1 })
	for _, m := range tr.messages() {
		if m.Type == "conversation.item.create" {
			is.Equal(m.Item.CallID, "call_bad")
			is.True(strings.Contains(m.Item.Output, "error"))
		}
	}
	is.Equal(f.backend.State("3").State, workflow.StateClockedIn) // nothing executed
}

func TestFunctionCall_ResponseAlreadyActive(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	tr.push(`{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`)
	tr.push(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"get_workflow_state","arguments":"{\"technician_id\":\"3\"}"}`)

	eventually(t, "function result", func() bool { return tr.count("conversation.item.create") == 1 })
	time.Sleep(100 * time.Millisecond)       // well past the grace delay
	is.Equal(tr.count("response.create"), 0) // the server's response is still active
}

func TestFunctionCall_ResponseRequestedWhenActiveEnds(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	tr.push(`{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`)
	tr.push(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"get_workflow_state","arguments":"{\"technician_id\":\"3\"}"}`)

	eventually(t, "function result", func() bool { return tr.count("conversation.item.create") == 1 })
	time.Sleep(50 * time.Millisecond) // past the grace delay
	is.Equal(tr.count("response.create"), 0)

	tr.push(`{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)
	eventually(t, "follow-up response", func() bool { return tr.count("response.create") == 1 })

	msgs := tr.messages()
	is.Equal(msgs[len(msgs)-1].Type, "response.create") // requested after the function output

	time.Sleep(50 * time.Millisecond)
	is.Equal(tr.count("response.create"), 1) // only once
}

func TestDisconnect_DuringFunctionCallDropsResult(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.BeforeUpdate = func(ctx context.Context) {
		close(entered)
		<-release
	}

	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()
	tr.push(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"start_travel","arguments":"{\"work_order_id\":\"7\",\"technician_id\":\"3\"}"}`)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never reached the backend")
	}

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Disconnect() }()
	eventually(t, "closed state", func() bool { return f.ctrl.State() == StateClosed })
	close(release)

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return")
	}

	is.Equal(tr.count("conversation.item.create"), 0) // result never sent
	is.Equal(tr.count("response.create"), 0)
	is.Equal(f.ctrl.Metrics().ResultsDropped.Value(), int64(1))
	is.Equal(f.backend.State("3").State, workflow.StateTravelingToFirstJob) // the write itself completed
}

func TestTransportDisconnect(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn, withAudio())
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	lost := &transport.ConnectionError{Op: "read", Err: errors.New("connection reset")}
	tr.drop(lost)

	is.True(errors.Is(f.ctrl.Wait(context.Background()), lost))
	eventually(t, "disconnected event", func() bool {
		for _, ev := range f.recorder.all() {
			if d, ok := ev.(Disconnected); ok && errors.Is(d.Err, lost) {
				return true
			}
		}
		return false
	})

	is.Equal(f.ctrl.State(), StateDisconnected)
	is.True(!f.ctrl.IsConnected())
	is.True(tr.isClosed())
	is.Equal(f.ctrl.SessionID(), "")
	is.Equal(f.audio.stops, 1) // capture stopped

	is.NoErr(f.ctrl.Connect(context.Background())) // no automatic reconnect, but a manual one works
	is.Equal(f.factory.count(), 2)
	is.Equal(f.factory.last().count("session.update"), 1)
}

func TestStaleDisconnectIgnored(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)

	is.NoErr(f.ctrl.Connect(context.Background()))
	first := f.factory.last()
	is.NoErr(f.ctrl.Disconnect())
	is.NoErr(f.ctrl.Connect(context.Background()))

	first.drop(errors.New("late callback"))
	time.Sleep(50 * time.Millisecond)

	is.Equal(f.ctrl.State(), StateActive) // the new connection is unaffected
	is.True(!f.factory.last().isClosed())
}

func TestDisconnect_Teardown(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn, withAudio())
	f.factory.closeErr = errors.New("close failed")
	is.NoErr(f.ctrl.Connect(context.Background()))

	err := f.ctrl.Disconnect()
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "close failed")) // step errors are reported
	is.Equal(f.ctrl.State(), StateClosed)                  // and teardown still completed
	is.Equal(f.ctrl.SessionID(), "")
	is.Equal(f.audio.stops, 1)

	is.NoErr(f.ctrl.Disconnect()) // idempotent
	is.Equal(f.factory.last().closes, 1)
}

func TestGuard(t *testing.T) {
	is := is.New(t)

	is.NoErr(guard("noop", func() error { return nil }))

	err := guard("close transport", func() error { panic("boom") })
	is.True(err != nil)
	is.Equal(err.Error(), "close transport panicked: boom")

	cause := errors.New("bad")
	err = guard("stop audio", func() error { return cause })
	is.True(errors.Is(err, cause))
	is.Equal(err.Error(), "failed to stop audio: bad")
}

func TestEvents(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn, withAudio())
	is.NoErr(f.ctrl.Connect(context.Background()))
	tr := f.factory.last()

	tr.push(`{"type":"input_audio_buffer.speech_started","item_id":"item_1","audio_start_ms":100}`)
	tr.push(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"heading to the first job"}`)
	tr.push(`{"type":"response.audio.delta","item_id":"item_2","delta":"AAAA"}`)
	tr.push(`{"type":"response.audio_transcript.done","item_id":"item_2","transcript":"Drive safe."}`)
	tr.push(`{"type":"error","error":{"type":"invalid_request_error","message":"bad event"}}`)

	eventually(t, "session error", func() bool {
		for _, ev := range f.recorder.all() {
			if _, ok := ev.(SessionError); ok {
				return true
			}
		}
		return false
	})

	var transcripts []Transcript
	var speaking bool
	for _, ev := range f.recorder.all() {
		switch e := ev.(type) {
		case Transcript:
			transcripts = append(transcripts, e)
		case SpeechActivity:
			speaking = e.Speaking
		}
	}
	is.True(speaking)
	is.Equal(len(transcripts), 2)
	is.Equal(transcripts[0], Transcript{Role: RoleUser, ItemID: "item_1", Text: "heading to the first job"})
	is.Equal(transcripts[1].Role, RoleAssistant)

	f.audio.mu.Lock()
	is.Equal(f.audio.deltas, []string{"AAAA"})
	f.audio.mu.Unlock()

	is.True(f.ctrl.IsConnected()) // server errors are not fatal
	is.Equal(f.ctrl.Metrics().ServerErrors.Value(), int64(1))
}

func TestInputControl(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, clockedIn)

	is.True(errors.Is(f.ctrl.CommitInput(), transport.ErrClosed)) // not connected

	is.NoErr(f.ctrl.Connect(context.Background()))
	is.NoErr(f.ctrl.CommitInput())
	is.NoErr(f.ctrl.ClearInput())

	tr := f.factory.last()
	is.Equal(tr.count("input_audio_buffer.commit"), 1)
	is.Equal(tr.count("input_audio_buffer.clear"), 1)
}
