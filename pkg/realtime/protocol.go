// Package realtime speaks the control-channel protocol of the hosted
// conversational model: it builds outbound client events and turns inbound
// server messages into typed events, reassembling streamed deltas.
package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Server event types recognised by the Processor.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeError                       = "error"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeAudioBufferCommitted        = "input_audio_buffer.committed"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated             = "response.created"
	TypeResponseDone                = "response.done"
	TypeOutputItemAdded             = "response.output_item.added"
	TypeTextDelta                   = "response.text.delta"
	TypeTextDone                    = "response.text.done"
	TypeTranscriptDelta             = "response.audio_transcript.delta"
	TypeTranscriptDone              = "response.audio_transcript.done"
	TypeAudioDelta                  = "response.audio.delta"
	TypeAudioDone                   = "response.audio.done"
	TypeFunctionCallArgumentsDelta  = "response.function_call_arguments.delta"
	TypeFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	TypeRateLimitsUpdated           = "rate_limits.updated"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeInputAudioCommit       = "input_audio_buffer.commit"
	TypeInputAudioClear        = "input_audio_buffer.clear"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

// Item types.
const (
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// DefaultModel is the realtime model the session negotiates when none is
// configured.
const DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

// Tool is a function tool as declared inside session.update.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// DefaultSessionConfig returns the configuration the field technician
// assistant runs with. Instructions and tools are filled in by the caller.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Voice:                   "alloy",
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &Transcription{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 200,
		},
		ToolChoice:  "auto",
		Temperature: 0.8,
	}
}

// SessionUpdate configures the remote session.
type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

// ConversationItem is an item added to the conversation by the client.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ConversationItemCreate adds an item to the conversation.
type ConversationItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

// ResponseCreate asks the model for the next response.
type ResponseCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// InputAudioAppend streams base64 PCM16 into the input buffer.
type InputAudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

// InputAudioControl commits or clears the input buffer.
type InputAudioControl struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// NewEventID returns a client event id.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// NewSessionUpdate wraps cfg in a session.update event.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, EventID: NewEventID(), Session: cfg}
}

// NewFunctionCallOutput returns the event that delivers a function result.
// output must already be a JSON document.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type:    TypeConversationItemCreate,
		EventID: NewEventID(),
		Item: ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

// NewResponseCreate returns a response.create event.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate, EventID: NewEventID()}
}

// NewInputAudioAppend returns an input_audio_buffer.append event carrying
// base64 encoded PCM16.
func NewInputAudioAppend(b64 string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, EventID: NewEventID(), Audio: b64}
}

// NewInputAudioCommit returns an input_audio_buffer.commit event.
func NewInputAudioCommit() InputAudioControl {
	return InputAudioControl{Type: TypeInputAudioCommit, EventID: NewEventID()}
}

// NewInputAudioClear returns an input_audio_buffer.clear event.
func NewInputAudioClear() InputAudioControl {
	return InputAudioControl{Type: TypeInputAudioClear, EventID: NewEventID()}
}

// Encode marshals a client event for the control channel.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// serverMessage is the union of every field the Processor reads from inbound
// events.
type serverMessage struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id"`
	ResponseID   string          `json:"response_id"`
	ItemID       string          `json:"item_id"`
	OutputIndex  int             `json:"output_index"`
	ContentIndex int             `json:"content_index"`
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	Delta        string          `json:"delta"`
	Text         string          `json:"text"`
	Transcript   string          `json:"transcript"`
	Arguments    string          `json:"arguments"`
	AudioStartMs int             `json:"audio_start_ms"`
	AudioEndMs   int             `json:"audio_end_ms"`
	Error        *ErrorDetail    `json:"error"`
	Session      json.RawMessage `json:"session"`
	Response     *responseBody   `json:"response"`
	Item         *itemBody       `json:"item"`
	RateLimits   []RateLimit     `json:"rate_limits"`
}

type responseBody struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	StatusDetails *statusDetails `json:"status_details"`
}

type statusDetails struct {
	Type   string       `json:"type"`
	Reason string       `json:"reason"`
	Error  *ErrorDetail `json:"error"`
}

type itemBody struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorDetail is the error object carried by error events and failed
// responses.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

// RateLimit is one entry of a rate_limits.updated event.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}
