// Package voice holds the echo gate that mutes the microphone while the
// assistant is audible on the speaker.
package voice

import (
	"sync/atomic"
	"time"
)

// DefaultTail is how long the gate stays closed after queued output has
// finished playing, covering device latency and room echo.
const DefaultTail = 300 * time.Millisecond

// AudioGate controls whether microphone audio should be discarded during
// assistant playback.
type AudioGate interface {
	// Played records that d of audio was handed to the output device.
	Played(d time.Duration)

	// ShouldDiscardAudio returns true if microphone frames should be dropped.
	ShouldDiscardAudio() bool

	// Reset opens the gate immediately.
	Reset()
}

// NewAudioGate creates an AudioGate that stays closed while played audio is
// still queued on the output, plus tail.
func NewAudioGate(tail time.Duration) AudioGate {
	if tail < 0 {
		tail = 0
	}
	return &defaultGate{tail: tail, now: time.Now}
}

// defaultGate tracks when the output drains, in unix nanoseconds.
type defaultGate struct {
	tail  time.Duration
	until atomic.Int64
	now   func() time.Time
}

func (g *defaultGate) Played(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		cur := g.until.Load()
		start := g.now().UnixNano()
		if cur > start {
			start = cur
		}
		if g.until.CompareAndSwap(cur, start+int64(d)) {
			return
		}
	}
}

func (g *defaultGate) ShouldDiscardAudio() bool {
	until := g.until.Load()
	if until == 0 {
		return false
	}
	return g.now().UnixNano() < until+int64(g.tail)
}

func (g *defaultGate) Reset() {
	g.until.Store(0)
}
