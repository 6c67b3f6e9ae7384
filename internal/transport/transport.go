// Package transport carries a realtime session: a control channel for JSON
// events plus the audio streams in both directions.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a realtime connection. Open negotiates the connection and
// returns once the control channel is usable.
type Transport interface {
	Open(ctx context.Context, iceServers []webrtc.ICEServer) error
	AddLocalAudio(ctx context.Context, in <-chan rtc.AudioChunk) error
	SendControl(msg []byte) error
	Close() error
}

// RemoteAudio is the model's audio as delivered by the transport. WebRTC
// hands over an RTP stream of Opus packets; transports that carry audio
// inside control messages never report any.
type RemoteAudio struct {
	Codec string

	// ReadRTP reads one raw RTP packet.
	ReadRTP func(b []byte) (int, error)
}

// Callbacks receive transport events. Control messages are delivered one at
// a time from a single goroutine in wire order.
type Callbacks struct {
	OnControlMessage func(msg []byte)
	OnRemoteAudio    func(RemoteAudio)

	// OnDisconnected fires at most once, after the connection is lost.
	OnDisconnected func(err error)
}

func (c Callbacks) control(msg []byte) {
	if c.OnControlMessage != nil {
		c.OnControlMessage(msg)
	}
}

func (c Callbacks) remoteAudio(a RemoteAudio) {
	if c.OnRemoteAudio != nil {
		c.OnRemoteAudio(a)
	}
}

func (c Callbacks) disconnected(err error) {
	if c.OnDisconnected != nil {
		c.OnDisconnected(err)
	}
}

// ConnectionError reports a failure to establish or keep the connection.
// Sessions treat it as fatal.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
