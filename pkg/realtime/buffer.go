package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// PendingFunctionCall is a model-issued tool invocation.
type PendingFunctionCall struct {
	CallID    string
	Name      string
	ItemID    string
	Arguments json.RawMessage
}

type openCall struct {
	callID string
	name   string
	itemID string
	args   strings.Builder
}

// ArgumentBuffer accumulates streamed function-call arguments. It holds at
// most one open call; opening a second call while one is pending fails with
// ErrCallPending and leaves the pending call untouched.
type ArgumentBuffer struct {
	mu   sync.Mutex
	open *openCall
}

// NewArgumentBuffer returns an empty buffer.
func NewArgumentBuffer() *ArgumentBuffer {
	return &ArgumentBuffer{}
}

// Open starts accumulating arguments for callID. Re-opening the pending call
// is a no-op that may fill in a name or item id learned late.
func (b *ArgumentBuffer) Open(callID, name, itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open != nil {
		if b.open.callID != callID {
			return fmt.Errorf("%w: %s is open, cannot open %s", ErrCallPending, b.open.callID, callID)
		}
		if b.open.name == "" {
			b.open.name = name
		}
		if b.open.itemID == "" {
			b.open.itemID = itemID
		}
		return nil
	}

	b.open = &openCall{callID: callID, name: name, itemID: itemID}
	return nil
}

// Append adds a fragment to the open call.
func (b *ArgumentBuffer) Append(callID, delta string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil || b.open.callID != callID {
		return fmt.Errorf("%w: %s", ErrNoOpenCall, callID)
	}
	b.open.args.WriteString(delta)
	return nil
}

// Close ends the open call and parses its arguments. final, when non-empty,
// is the complete argument string reported by the server and takes precedence
// over the accumulated fragments. The call is released even when parsing
// fails.
func (b *ArgumentBuffer) Close(callID, name, final string) (PendingFunctionCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil || b.open.callID != callID {
		return PendingFunctionCall{CallID: callID, Name: name}, fmt.Errorf("%w: %s", ErrNoOpenCall, callID)
	}

	oc := b.open
	b.open = nil

	if name == "" {
		name = oc.name
	}
	raw := final
	if raw == "" {
		raw = oc.args.String()
	}

	call := PendingFunctionCall{CallID: callID, Name: name, ItemID: oc.itemID}

	args, err := parseArguments(raw)
	if err != nil {
		return call, &MalformedArgumentsError{CallID: callID, Name: name, Raw: raw, Err: err}
	}
	call.Arguments = args
	return call, nil
}

// Pending reports the id of the open call, if any.
func (b *ArgumentBuffer) Pending() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return "", false
	}
	return b.open.callID, true
}

// Reset drops any open call.
func (b *ArgumentBuffer) Reset() {
	b.mu.Lock()
	b.open = nil
	b.mu.Unlock()
}

// parseArguments accepts a JSON object; an empty string means no arguments.
func parseArguments(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after arguments")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(trimmed)); err != nil {
		return nil, err
	}
	return json.RawMessage(compact.Bytes()), nil
}
