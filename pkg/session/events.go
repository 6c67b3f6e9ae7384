package session

import (
	"log/slog"
	"time"

	"github.com/chriscow/fieldvoice/pkg/workflow"
)

// Event is something a session reports to its listeners. The set is closed.
type Event interface {
	isEvent()
}

// Listener receives session events. Listeners run on the goroutine that
// produced the event; they must not block or call Connect or Disconnect.
type Listener func(Event)

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	From State
	To   State
}

// Role identifies who spoke a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is a completed utterance.
type Transcript struct {
	Role   Role
	ItemID string
	Text   string
}

// SpeechActivity reports the server detecting the start or end of speech.
type SpeechActivity struct {
	Speaking bool
	ItemID   string
}

// FunctionExecuted reports a function result delivered to the model.
type FunctionExecuted struct {
	CallID   string
	Name     string
	Output   string
	Err      error
	Duration time.Duration
}

// SessionError reports a non-fatal error. The session stays up.
type SessionError struct {
	Err error
}

// WorkflowChanged reports a new authoritative workflow state.
type WorkflowChanged struct {
	Snapshot workflow.Snapshot
}

// Disconnected reports that the connection was lost. Err is the transport's
// reason.
type Disconnected struct {
	Err error
}

func (StateChanged) isEvent()     {}
func (Transcript) isEvent()       {}
func (SpeechActivity) isEvent()   {}
func (FunctionExecuted) isEvent() {}
func (SessionError) isEvent()     {}
func (WorkflowChanged) isEvent()  {}
func (Disconnected) isEvent()     {}

func (c *Controller) publish(ev Event) {
	for _, l := range c.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Session listener panicked", slog.Any("panic", r))
				}
			}()
			l(ev)
		}()
	}
}
