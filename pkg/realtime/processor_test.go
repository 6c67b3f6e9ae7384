package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func newTestProcessor(tracker *ResponseTracker) *Processor {
	return NewProcessor(ProcessorConfig{
		Tracker:           tracker,
		RateLimitCooldown: 50 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func feedAll(t *testing.T, p *Processor, msgs ...string) []Event {
	t.Helper()
	var out []Event
	for _, m := range msgs {
		events, err := p.Feed([]byte(m))
		if err != nil {
			t.Fatalf("Feed(%s) unexpected error: %v", m, err)
		}
		out = append(out, events...)
	}
	return out
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	return events[len(events)-1]
}

func TestProcessor_FunctionCallRoundTrip(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.output_item.added","item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"start_travel"}}`,
		`{"type":"response.function_call_arguments.delta","call_id":"call_1","item_id":"item_1","delta":"{\"work_order_id\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"call_1","item_id":"item_1","delta":"\"7\",\"technician_id\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"call_1","item_id":"item_1","delta":"\"3\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"call_1","item_id":"item_1","name":"start_travel"}`,
	)

	ready, ok := lastEvent(t, events).(FunctionCallReady)
	is.True(ok) // done produces a ready call
	is.Equal(ready.Call.CallID, "call_1")
	is.Equal(ready.Call.Name, "start_travel")
	is.Equal(ready.Call.ItemID, "item_1")

	var got map[string]any
	is.NoErr(json.Unmarshal(ready.Call.Arguments, &got))
	want := map[string]any{"work_order_id": "7", "technician_id": "3"}
	is.True(reflect.DeepEqual(got, want)) // arguments equal the concatenated JSON

	_, pending := p.calls.Pending()
	is.True(!pending) // buffer released after done
}

func TestProcessor_FirstDeltaOpensCall(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.function_call_arguments.delta","call_id":"call_9","delta":"{\"truck_id\":\"12\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"call_9","name":"check_inventory"}`,
	)

	ready, ok := lastEvent(t, events).(FunctionCallReady)
	is.True(ok)
	is.Equal(ready.Call.Name, "check_inventory")
	is.Equal(string(ready.Call.Arguments), `{"truck_id":"12"}`)
}

func TestProcessor_DoneArgumentsWin(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.function_call_arguments.delta","call_id":"c","delta":"{\"a\":"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c","name":"x","arguments":"{\"a\": 1}"}`,
	)

	ready, ok := lastEvent(t, events).(FunctionCallReady)
	is.True(ok)
	is.Equal(string(ready.Call.Arguments), `{"a":1}`)
}

func TestProcessor_MalformedArguments(t *testing.T) {
	tests := []struct {
		name  string
		delta string
	}{
		{name: "truncated object", delta: `{\"work_order_id\": \"7\"`},
		{name: "not an object", delta: `[1,2]`},
		{name: "plain text", delta: `start travel`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(nil)
			events := feedAll(t, p,
				fmt.Sprintf(`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"%s"}`, tt.delta),
				`{"type":"response.function_call_arguments.done","call_id":"c1","name":"start_travel"}`,
			)

			rejected, ok := lastEvent(t, events).(FunctionCallRejected)
			if !ok {
				t.Fatalf("expected FunctionCallRejected, got %T", lastEvent(t, events))
			}
			var mae *MalformedArgumentsError
			if !errors.As(rejected.Err, &mae) {
				t.Fatalf("expected MalformedArgumentsError, got %v", rejected.Err)
			}
			if mae.Name != "start_travel" || rejected.Call.CallID != "c1" {
				t.Errorf("rejection lost call identity: %+v", rejected.Call)
			}
			if _, pending := p.calls.Pending(); pending {
				t.Error("malformed call must still release the buffer")
			}
		})
	}
}

func TestProcessor_SecondCallRejectedNotOverwritten(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.output_item.added","item":{"id":"i1","type":"function_call","call_id":"a","name":"start_work"}}`,
		`{"type":"response.function_call_arguments.delta","call_id":"a","delta":"{\"work_order_id\":"}`,
		`{"type":"response.output_item.added","item":{"id":"i2","type":"function_call","call_id":"b","name":"alert_office"}}`,
		`{"type":"response.function_call_arguments.delta","call_id":"b","delta":"{\"message\":\"x\"}"}`,
	)
	for _, e := range events {
		if d, ok := e.(FunctionCallArgumentsDelta); ok {
			is.Equal(d.CallID, "a") // fragments of the rejected call are dropped
		}
	}

	id, pending := p.calls.Pending()
	is.True(pending)
	is.Equal(id, "a") // first call still open

	events = feedAll(t, p, `{"type":"response.function_call_arguments.done","call_id":"b"}`)
	rejected, ok := lastEvent(t, events).(FunctionCallRejected)
	is.True(ok)
	is.Equal(rejected.Call.Name, "alert_office")
	is.True(errors.Is(rejected.Err, ErrCallPending))

	events = feedAll(t, p,
		`{"type":"response.function_call_arguments.delta","call_id":"a","delta":"\"7\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"a"}`,
	)
	ready, ok := lastEvent(t, events).(FunctionCallReady)
	is.True(ok)
	is.Equal(ready.Call.Name, "start_work")
	is.Equal(string(ready.Call.Arguments), `{"work_order_id":"7"}`)
}

func TestProcessor_TextAndTranscriptReassembly(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.text.delta","item_id":"m1","delta":"On my "}`,
		`{"type":"response.audio_transcript.delta","item_id":"m1","delta":"Heading "}`,
		`{"type":"response.text.delta","item_id":"m1","delta":"way."}`,
		`{"type":"response.audio_transcript.delta","item_id":"m1","delta":"out."}`,
		`{"type":"response.text.done","item_id":"m1"}`,
		`{"type":"response.audio_transcript.done","item_id":"m1"}`,
	)

	is.Equal(len(events), 6)
	text, ok := events[4].(TextDone)
	is.True(ok)
	is.Equal(text.Text, "On my way.")
	tr, ok := events[5].(TranscriptDone)
	is.True(ok)
	is.Equal(tr.Transcript, "Heading out.")
}

func TestProcessor_AudioReassembly(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	a := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	b := base64.StdEncoding.EncodeToString([]byte{3, 0})

	events := feedAll(t, p,
		fmt.Sprintf(`{"type":"response.audio.delta","item_id":"m1","delta":"%s"}`, a),
		fmt.Sprintf(`{"type":"response.audio.delta","item_id":"m1","delta":"%s"}`, b),
		`{"type":"response.audio.done","item_id":"m1"}`,
	)

	is.Equal(len(events), 3)
	first, ok := events[0].(AudioDelta)
	is.True(ok)
	is.Equal(first.Delta, a) // deltas pass through verbatim

	done, ok := events[2].(AudioDone)
	is.True(ok)
	is.Equal(done.Audio, []byte{1, 0, 2, 0, 3, 0})
	is.True(!done.Truncated)
}

func TestProcessor_UnknownAndInvalid(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events, err := p.Feed([]byte(`{"type":"response.content_part.added"}`))
	is.NoErr(err)
	is.Equal(len(events), 0) // unknown types are dropped

	_, err = p.Feed([]byte(`not json`))
	is.True(errors.Is(err, ErrInvalidMessage))

	_, err = p.Feed([]byte(`{"event_id":"x"}`))
	is.True(errors.Is(err, ErrInvalidMessage)) // type is mandatory
}

func TestProcessor_Errors(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"error","error":{"type":"invalid_request_error","message":"Conversation already has an active response"}}`,
	)
	is.Equal(len(events), 0) // duplicate response error is swallowed

	events = feedAll(t, p,
		`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"bad voice"}}`,
	)
	se, ok := lastEvent(t, events).(ServerError)
	is.True(ok)
	is.Equal(se.Detail.Code, "invalid_value")
	is.Equal(se.Error(), "realtime invalid_request_error (invalid_value): bad voice")
}

func TestProcessor_ResponseLifecycle(t *testing.T) {
	is := is.New(t)
	tracker := NewResponseTracker()
	p := newTestProcessor(tracker)

	feedAll(t, p, `{"type":"response.created","response":{"id":"r1","status":"in_progress"}}`)
	is.True(tracker.Active()) // created marks active

	events := feedAll(t, p, `{"type":"response.done","response":{"id":"r1","status":"completed"}}`)
	done, ok := lastEvent(t, events).(ResponseDone)
	is.True(ok)
	is.Equal(done.Status, "completed")
	is.True(!tracker.Active()) // completed clears immediately
}

func TestProcessor_RateLimitCooldown(t *testing.T) {
	is := is.New(t)
	tracker := NewResponseTracker()
	p := newTestProcessor(tracker)

	feedAll(t, p, `{"type":"response.created","response":{"id":"r1"}}`)
	events := feedAll(t, p,
		`{"type":"response.done","response":{"id":"r1","status":"failed","status_details":{"type":"failed","reason":"rate_limit_exceeded"}}}`,
	)

	done, ok := lastEvent(t, events).(ResponseDone)
	is.True(ok)
	is.True(done.RateLimited)
	is.True(tracker.Active())    // flag held during cooldown
	is.True(!tracker.TryBegin()) // no new response during cooldown

	deadline := time.Now().Add(2 * time.Second)
	for tracker.Active() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	is.True(!tracker.Active()) // flag cleared after cooldown
}

func TestProcessor_RateLimitFromErrorCode(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"response.done","response":{"id":"r2","status":"failed","status_details":{"type":"failed","error":{"type":"requests","code":"rate_limit_exceeded"}}}}`,
	)
	done, ok := lastEvent(t, events).(ResponseDone)
	is.True(ok)
	is.True(done.RateLimited)
}

func TestProcessor_SessionEvents(t *testing.T) {
	is := is.New(t)
	p := newTestProcessor(nil)

	events := feedAll(t, p,
		`{"type":"session.created","session":{"id":"sess_1","model":"gpt-4o-realtime-preview"}}`,
		`{"type":"input_audio_buffer.speech_started","item_id":"u1","audio_start_ms":120}`,
		`{"type":"input_audio_buffer.speech_stopped","item_id":"u1","audio_end_ms":900}`,
		`{"type":"input_audio_buffer.committed","item_id":"u1"}`,
		`{"type":"rate_limits.updated","rate_limits":[{"name":"requests","limit":100,"remaining":99,"reset_seconds":1.5}]}`,
	)

	is.Equal(len(events), 5)
	created, ok := events[0].(SessionCreated)
	is.True(ok)
	is.Equal(created.SessionID, "sess_1")
	started, ok := events[1].(SpeechStarted)
	is.True(ok)
	is.Equal(started.AudioStartMs, 120)
	is.Equal(events[3].EventType(), TypeAudioBufferCommitted)
	limits, ok := events[4].(RateLimitsUpdated)
	is.True(ok)
	is.Equal(limits.Limits[0].Remaining, 99)
}

func TestProcessor_UndecodableSessionLogged(t *testing.T) {
	is := is.New(t)
	var logs bytes.Buffer
	p := NewProcessor(ProcessorConfig{
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	events, err := p.Feed([]byte(`{"type":"session.created","session":"not an object"}`))
	is.NoErr(err)
	is.Equal(len(events), 1)
	created, ok := events[0].(SessionCreated)
	is.True(ok)
	is.Equal(created.SessionID, "") // still reported, without an id
	is.True(strings.Contains(logs.String(), "Undecodable session"))
}
