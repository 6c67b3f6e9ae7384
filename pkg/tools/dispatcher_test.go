package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/fieldvoice/pkg/realtime"
)

type echoArgs struct {
	Text  string `json:"text" description:"text to echo"`
	Times int    `json:"times,omitempty"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, timeout time.Duration, tools ...Tool) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		r.Register(tool)
	}
	d, err := NewDispatcher(DispatcherConfig{Registry: r, Timeout: timeout, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error: %v", err)
	}
	return d
}

func errorText(t *testing.T, output string) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		t.Fatalf("output is not a JSON object: %s", output)
	}
	return payload["error"]
}

func TestDispatcher_Success(t *testing.T) {
	is := is.New(t)
	echo := MustFunc("echo", "Echo text", func(ctx context.Context, a echoArgs) (any, error) {
		return map[string]any{"text": strings.Repeat(a.Text, a.Times)}, nil
	})
	d := newTestDispatcher(t, time.Second, echo)

	res := d.Dispatch(context.Background(), realtime.PendingFunctionCall{
		CallID:    "call_1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"ab","times":2}`),
	})

	is.NoErr(res.Err)
	is.Equal(res.CallID, "call_1")
	is.Equal(res.Output, `{"text":"abab"}`)

	msg := res.Message()
	is.Equal(msg.Type, "conversation.item.create")
	is.Equal(msg.Item.Type, "function_call_output")
	is.Equal(msg.Item.CallID, "call_1") // result tagged with the original call id
	is.Equal(msg.Item.Output, res.Output)
}

func TestDispatcher_Failures(t *testing.T) {
	failing := Tool{
		Definition: openai.FunctionDefinition{Name: "fail"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}
	panicking := Tool{
		Definition: openai.FunctionDefinition{Name: "boom"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			panic("nil map")
		},
	}
	slow := Tool{
		Definition: openai.FunctionDefinition{Name: "slow"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	unencodable := Tool{
		Definition: openai.FunctionDefinition{Name: "chan"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return make(chan int), nil
		},
	}
	typed := MustFunc("typed", "", func(ctx context.Context, a echoArgs) (any, error) { return a, nil })

	d := newTestDispatcher(t, 50*time.Millisecond, failing, panicking, slow, unencodable, typed)

	tests := []struct {
		name      string
		call      string
		args      string
		wantErr   error
		wantInMsg string
	}{
		{name: "unknown function", call: "teleport", wantInMsg: `Error executing teleport: unknown function "teleport"`},
		{name: "handler error", call: "fail", wantInMsg: "Error executing fail: backend unavailable"},
		{name: "handler panic", call: "boom", wantErr: ErrHandlerPanic, wantInMsg: "Error executing boom: handler panicked: nil map"},
		{name: "handler timeout", call: "slow", wantErr: ErrHandlerTimeout, wantInMsg: "Error executing slow: handler timed out"},
		{name: "unencodable result", call: "chan", wantInMsg: "Error executing chan: failed to encode result"},
		{name: "wrong argument types", call: "typed", args: `{"text":5}`, wantInMsg: "Error executing typed: invalid arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if args == "" {
				args = "{}"
			}
			res := d.Dispatch(context.Background(), realtime.PendingFunctionCall{
				CallID:    "c",
				Name:      tt.call,
				Arguments: json.RawMessage(args),
			})

			if res.Err == nil {
				t.Fatal("expected an error result")
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
			if msg := errorText(t, res.Output); !strings.HasPrefix(msg, tt.wantInMsg) {
				t.Errorf("error payload = %q, want prefix %q", msg, tt.wantInMsg)
			}
		})
	}

	var unknown *UnknownFunctionError
	res := d.Dispatch(context.Background(), realtime.PendingFunctionCall{CallID: "x", Name: "teleport"})
	if !errors.As(res.Err, &unknown) {
		t.Errorf("expected UnknownFunctionError, got %v", res.Err)
	}
}

func TestDispatcher_Reject(t *testing.T) {
	is := is.New(t)
	d := newTestDispatcher(t, time.Second)

	cause := &realtime.MalformedArgumentsError{CallID: "c9", Name: "start_travel", Err: errors.New("unexpected end of JSON input")}
	res := d.Reject(realtime.PendingFunctionCall{CallID: "c9", Name: "start_travel"}, cause)

	is.Equal(res.CallID, "c9")
	is.True(errors.Is(res.Err, cause))
	is.True(strings.HasPrefix(errorText(t, res.Output), "Error executing start_travel: malformed arguments"))
	is.Equal(d.Metrics().Errors.Get("start_travel").String(), "1")
}

func TestErrorPayload(t *testing.T) {
	is := is.New(t)
	out := ErrorPayload("start_travel", errors.New(`invalid transition from CLOCKED_IN to AT_JOBSITE`))
	is.Equal(out, `{"error":"Error executing start_travel: invalid transition from CLOCKED_IN to AT_JOBSITE"}`)
}
