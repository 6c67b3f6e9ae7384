package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// activeResponseMessage identifies the benign race where a response.create
// crosses a response the server already started.
const activeResponseMessage = "already has an active response"

// ProcessorConfig wires a Processor to the session state it updates.
type ProcessorConfig struct {
	Calls             *ArgumentBuffer
	Tracker           *ResponseTracker
	RateLimitCooldown time.Duration
	Logger            *slog.Logger
}

// Processor turns raw control-channel messages into Events. It is driven by a
// single goroutine and is not safe for concurrent Feed calls.
type Processor struct {
	calls    *ArgumentBuffer
	tracker  *ResponseTracker
	cooldown time.Duration
	logger   *slog.Logger

	text       map[string]*strings.Builder
	transcript map[string]*strings.Builder
	audio      map[string]*audioAccumulator

	// rejected holds calls refused while another was pending, keyed by call id,
	// until their done event arrives.
	rejected map[string]rejectedCall
}

type rejectedCall struct {
	name string
	err  error
}

type audioAccumulator struct {
	buf       bytes.Buffer
	truncated bool
}

// NewProcessor creates a Processor. Missing collaborators are created fresh.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Calls == nil {
		cfg.Calls = NewArgumentBuffer()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewResponseTracker()
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Processor{
		calls:      cfg.Calls,
		tracker:    cfg.Tracker,
		cooldown:   cfg.RateLimitCooldown,
		logger:     cfg.Logger,
		text:       make(map[string]*strings.Builder),
		transcript: make(map[string]*strings.Builder),
		audio:      make(map[string]*audioAccumulator),
		rejected:   make(map[string]rejectedCall),
	}
}

// Feed parses one raw message and returns the events it produces. Unknown
// event types produce no events and no error.
func (p *Processor) Feed(raw []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	h := header{Type: msg.Type, EventID: msg.EventID}

	switch msg.Type {
	case TypeSessionCreated:
		var s struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(msg.Session, &s); err != nil {
			p.logger.Debug("Undecodable session in session.created", slog.String("error", err.Error()))
		}
		return one(SessionCreated{header: h, SessionID: s.ID, Raw: msg.Session}), nil

	case TypeSessionUpdated:
		return one(SessionUpdated{header: h, Raw: msg.Session}), nil

	case TypeError:
		return p.handleError(h, msg), nil

	case TypeSpeechStarted:
		return one(SpeechStarted{header: h, ItemID: msg.ItemID, AudioStartMs: msg.AudioStartMs}), nil

	case TypeSpeechStopped:
		return one(SpeechStopped{header: h, ItemID: msg.ItemID, AudioEndMs: msg.AudioEndMs}), nil

	case TypeAudioBufferCommitted:
		return one(AudioBufferCommitted{header: h, ItemID: msg.ItemID}), nil

	case TypeInputTranscriptionCompleted:
		return one(InputTranscriptDone{header: h, ItemID: msg.ItemID, Transcript: msg.Transcript}), nil

	case TypeResponseCreated:
		p.tracker.MarkActive()
		var id string
		if msg.Response != nil {
			id = msg.Response.ID
		}
		return one(ResponseCreated{header: h, ResponseID: id}), nil

	case TypeResponseDone:
		return one(p.handleResponseDone(h, msg)), nil

	case TypeOutputItemAdded:
		return p.handleOutputItem(h, msg), nil

	case TypeTextDelta:
		appendTo(p.text, msg.ItemID, msg.Delta)
		return one(TextDelta{header: h, ItemID: msg.ItemID, Delta: msg.Delta}), nil

	case TypeTextDone:
		text := takeFrom(p.text, msg.ItemID, msg.Text)
		return one(TextDone{header: h, ItemID: msg.ItemID, Text: text}), nil

	case TypeTranscriptDelta:
		appendTo(p.transcript, msg.ItemID, msg.Delta)
		return one(TranscriptDelta{header: h, ItemID: msg.ItemID, Delta: msg.Delta}), nil

	case TypeTranscriptDone:
		text := takeFrom(p.transcript, msg.ItemID, msg.Transcript)
		return one(TranscriptDone{header: h, ItemID: msg.ItemID, Transcript: text}), nil

	case TypeAudioDelta:
		p.accumulateAudio(msg.ItemID, msg.Delta)
		return one(AudioDelta{header: h, ItemID: msg.ItemID, Delta: msg.Delta}), nil

	case TypeAudioDone:
		acc := p.audio[msg.ItemID]
		delete(p.audio, msg.ItemID)
		done := AudioDone{header: h, ItemID: msg.ItemID}
		if acc != nil {
			done.Audio = acc.buf.Bytes()
			done.Truncated = acc.truncated
		}
		return one(done), nil

	case TypeFunctionCallArgumentsDelta:
		return p.handleArgumentsDelta(h, msg), nil

	case TypeFunctionCallArgumentsDone:
		return one(p.handleArgumentsDone(h, msg)), nil

	case TypeRateLimitsUpdated:
		return one(RateLimitsUpdated{header: h, Limits: msg.RateLimits}), nil

	default:
		p.logger.Debug("Dropping unknown realtime event", slog.String("type", msg.Type))
		return nil, nil
	}
}

// Reset drops all partially reassembled state.
func (p *Processor) Reset() {
	p.calls.Reset()
	clear(p.text)
	clear(p.transcript)
	clear(p.audio)
	clear(p.rejected)
}

func (p *Processor) handleError(h header, msg serverMessage) []Event {
	var detail ErrorDetail
	if msg.Error != nil {
		detail = *msg.Error
	}
	if strings.Contains(detail.Message, activeResponseMessage) {
		p.logger.Info("Ignoring duplicate response request", slog.String("message", detail.Message))
		return nil
	}
	return one(ServerError{header: h, Detail: detail})
}

func (p *Processor) handleResponseDone(h header, msg serverMessage) ResponseDone {
	done := ResponseDone{header: h}
	if msg.Response != nil {
		done.ResponseID = msg.Response.ID
		done.Status = msg.Response.Status
		if sd := msg.Response.StatusDetails; sd != nil {
			done.Reason = sd.Reason
			done.Error = sd.Error
		}
	}

	if done.Status == "failed" && isRateLimit(done) {
		done.RateLimited = true
		p.logger.Warn("Response rate limited, cooling down",
			slog.String("response_id", done.ResponseID),
			slog.Duration("cooldown", p.cooldown))
		p.tracker.ClearAfter(p.cooldown)
		return done
	}

	p.tracker.Clear()
	return done
}

func isRateLimit(done ResponseDone) bool {
	if strings.Contains(done.Reason, "rate_limit") {
		return true
	}
	if done.Error != nil {
		return strings.Contains(done.Error.Code, "rate_limit") || strings.Contains(done.Error.Type, "rate_limit")
	}
	return false
}

func (p *Processor) handleOutputItem(h header, msg serverMessage) []Event {
	added := OutputItemAdded{header: h}
	if msg.Response != nil {
		added.ResponseID = msg.Response.ID
	}
	if msg.ResponseID != "" {
		added.ResponseID = msg.ResponseID
	}
	if msg.Item != nil {
		added.ItemID = msg.Item.ID
		added.ItemType = msg.Item.Type
		added.CallID = msg.Item.CallID
		added.Name = msg.Item.Name
	}

	if added.ItemType == ItemTypeFunctionCall && added.CallID != "" {
		p.openCall(added.CallID, added.Name, added.ItemID)
	}
	return one(added)
}

func (p *Processor) handleArgumentsDelta(h header, msg serverMessage) []Event {
	if _, ok := p.rejected[msg.CallID]; ok {
		return nil
	}
	if id, ok := p.calls.Pending(); !ok || id != msg.CallID {
		if !p.openCall(msg.CallID, msg.Name, msg.ItemID) {
			return nil
		}
	}
	if err := p.calls.Append(msg.CallID, msg.Delta); err != nil {
		p.logger.Warn("Dropping argument fragment", slog.String("call_id", msg.CallID), slog.String("error", err.Error()))
		return nil
	}
	return one(FunctionCallArgumentsDelta{header: h, CallID: msg.CallID, Delta: msg.Delta})
}

func (p *Processor) handleArgumentsDone(h header, msg serverMessage) Event {
	if r, ok := p.rejected[msg.CallID]; ok {
		delete(p.rejected, msg.CallID)
		name := msg.Name
		if name == "" {
			name = r.name
		}
		return FunctionCallRejected{
			header: h,
			Call:   PendingFunctionCall{CallID: msg.CallID, Name: name, ItemID: msg.ItemID},
			Err:    r.err,
		}
	}

	if id, ok := p.calls.Pending(); !ok || id != msg.CallID {
		if !p.openCall(msg.CallID, msg.Name, msg.ItemID) {
			r := p.rejected[msg.CallID]
			delete(p.rejected, msg.CallID)
			return FunctionCallRejected{
				header: h,
				Call:   PendingFunctionCall{CallID: msg.CallID, Name: msg.Name, ItemID: msg.ItemID},
				Err:    r.err,
			}
		}
	}

	call, err := p.calls.Close(msg.CallID, msg.Name, msg.Arguments)
	if err != nil {
		var mae *MalformedArgumentsError
		if errors.As(err, &mae) {
			p.logger.Warn("Rejecting function call with malformed arguments",
				slog.String("call_id", call.CallID),
				slog.String("name", call.Name))
		}
		return FunctionCallRejected{header: h, Call: call, Err: err}
	}
	return FunctionCallReady{header: h, Call: call}
}

// openCall opens callID in the argument buffer, recording a rejection if a
// different call is pending.
func (p *Processor) openCall(callID, name, itemID string) bool {
	if err := p.calls.Open(callID, name, itemID); err != nil {
		p.logger.Warn("Rejecting concurrent function call",
			slog.String("call_id", callID),
			slog.String("name", name),
			slog.String("error", err.Error()))
		p.rejected[callID] = rejectedCall{name: name, err: err}
		return false
	}
	return true
}

func (p *Processor) accumulateAudio(itemID, delta string) {
	acc := p.audio[itemID]
	if acc == nil {
		acc = &audioAccumulator{}
		p.audio[itemID] = acc
	}
	if acc.truncated {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		p.logger.Warn("Dropping undecodable audio delta", slog.String("item_id", itemID), slog.String("error", err.Error()))
		return
	}
	if acc.buf.Len()+len(pcm) > rtc.MaxChunkBytes {
		p.logger.Warn("Audio item exceeds size limit, truncating", slog.String("item_id", itemID))
		acc.truncated = true
		return
	}
	acc.buf.Write(pcm)
}

func appendTo(m map[string]*strings.Builder, key, delta string) {
	b := m[key]
	if b == nil {
		b = &strings.Builder{}
		m[key] = b
	}
	b.WriteString(delta)
}

// takeFrom returns the accumulated value for key, or fallback when nothing
// was streamed.
func takeFrom(m map[string]*strings.Builder, key, fallback string) string {
	b := m[key]
	delete(m, key)
	if b == nil || b.Len() == 0 {
		return fallback
	}
	return b.String()
}

func one(e Event) []Event {
	return []Event{e}
}
