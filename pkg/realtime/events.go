package realtime

import (
	"encoding/json"
	"fmt"
)

// Event is an inbound control-channel event. The set of implementations is
// closed: only types in this package satisfy it, so a type switch over Event
// lists every kind the session can receive.
type Event interface {
	// EventType returns the protocol type string the event was decoded from.
	EventType() string
	isEvent()
}

type header struct {
	Type    string
	EventID string
}

func (h header) EventType() string { return h.Type }
func (header) isEvent()            {}

// SessionCreated is emitted once the remote session exists.
type SessionCreated struct {
	header
	SessionID string
	Raw       json.RawMessage
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	header
	Raw json.RawMessage
}

// ServerError is a protocol error reported by the remote service.
type ServerError struct {
	header
	Detail ErrorDetail
}

func (e ServerError) Error() string {
	if e.Detail.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Detail.Type, e.Detail.Code, e.Detail.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Detail.Type, e.Detail.Message)
}

// SpeechStarted reports the server VAD detected the user speaking.
type SpeechStarted struct {
	header
	ItemID       string
	AudioStartMs int
}

// SpeechStopped reports the server VAD detected the end of speech.
type SpeechStopped struct {
	header
	ItemID     string
	AudioEndMs int
}

// AudioBufferCommitted reports the input buffer became a user item.
type AudioBufferCommitted struct {
	header
	ItemID string
}

// InputTranscriptDone carries the transcription of the user's speech.
type InputTranscriptDone struct {
	header
	ItemID     string
	Transcript string
}

// ResponseCreated reports the model started a response.
type ResponseCreated struct {
	header
	ResponseID string
}

// ResponseDone reports the model finished a response.
type ResponseDone struct {
	header
	ResponseID  string
	Status      string
	Reason      string
	Error       *ErrorDetail
	RateLimited bool
}

// OutputItemAdded reports a new output item in a response.
type OutputItemAdded struct {
	header
	ResponseID string
	ItemID     string
	ItemType   string
	CallID     string
	Name       string
}

// TextDelta is a fragment of streamed text.
type TextDelta struct {
	header
	ItemID string
	Delta  string
}

// TextDone carries the complete text of an item.
type TextDone struct {
	header
	ItemID string
	Text   string
}

// TranscriptDelta is a fragment of the transcript of the model's audio.
type TranscriptDelta struct {
	header
	ItemID string
	Delta  string
}

// TranscriptDone carries the complete transcript of the model's audio.
type TranscriptDone struct {
	header
	ItemID     string
	Transcript string
}

// AudioDelta carries one base64 encoded PCM16 fragment of the model's voice.
type AudioDelta struct {
	header
	ItemID string
	Delta  string
}

// AudioDone marks the end of an item's audio. Audio holds the concatenated
// PCM16 of all deltas, unless Truncated.
type AudioDone struct {
	header
	ItemID    string
	Audio     []byte
	Truncated bool
}

// FunctionCallArgumentsDelta is a fragment of a call's JSON arguments.
type FunctionCallArgumentsDelta struct {
	header
	CallID string
	Delta  string
}

// FunctionCallReady is emitted when a call's arguments are complete and parse.
type FunctionCallReady struct {
	header
	Call PendingFunctionCall
}

// FunctionCallRejected is emitted when a call cannot be dispatched. The model
// still has to receive a result for it.
type FunctionCallRejected struct {
	header
	Call PendingFunctionCall
	Err  error
}

// RateLimitsUpdated reports the current rate limit budget.
type RateLimitsUpdated struct {
	header
	Limits []RateLimit
}
