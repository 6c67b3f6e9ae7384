package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/chriscow/fieldvoice/pkg/realtime"
	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// DefaultRealtimeURL is the realtime WebSocket endpoint.
const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

const sendQueueSize = 256

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	URL       string
	Model     string
	APIKey    string
	Dialer    *websocket.Dialer
	Callbacks Callbacks
	Logger    *slog.Logger
}

// WebSocket is a Transport that talks to the realtime endpoint directly.
// Audio travels inside control messages in both directions.
type WebSocket struct {
	url       string
	model     string
	apiKey    string
	dialer    *websocket.Dialer
	callbacks Callbacks
	logger    *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closed     bool

	disconnectOnce sync.Once
	wg             sync.WaitGroup
}

// NewWebSocket creates an unopened WebSocket transport.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultRealtimeURL
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Dialer == nil {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		cfg.Dialer = &dialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{
		url:       cfg.URL,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dialer:    cfg.Dialer,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger,
		done:      make(chan struct{}),
	}, nil
}

// Open dials the endpoint. ICE servers are not used.
func (t *WebSocket) Open(ctx context.Context, _ []webrtc.ICEServer) error {
	u, err := url.Parse(t.url)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: fmt.Errorf("invalid URL: %w", err)}
	}
	if t.model != "" {
		q := u.Query()
		q.Set("model", t.model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	t.logger.Debug("Connecting to WebSocket", slog.String("url", u.String()))

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &ConnectionError{Op: "dial", Err: err}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport already open")
	}
	t.conn = conn
	t.send = make(chan []byte, sendQueueSize)
	t.writerDone = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writeLoop(conn, t.send, t.writerDone)
	go t.readLoop(conn)

	t.logger.Info("WebSocket transport connected", slog.String("url", t.url))
	return nil
}

// writeLoop is the only writer on conn.
func (t *WebSocket) writeLoop(conn *websocket.Conn, send <-chan []byte, finished chan<- struct{}) {
	defer t.wg.Done()
	defer close(finished)
	for {
		select {
		case <-t.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.disconnect(&ConnectionError{Op: "write", Err: err})
				return
			}
		}
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			t.disconnect(&ConnectionError{Op: "read", Err: err})
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		t.callbacks.control(msg)
	}
}

func (t *WebSocket) disconnect(err error) {
	if t.isClosed() {
		return
	}
	t.disconnectOnce.Do(func() {
		t.logger.Warn("WebSocket transport disconnected", slog.String("error", err.Error()))
		t.callbacks.disconnected(err)
	})
}

func (t *WebSocket) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SendControl queues msg for the writer. Messages are written in call order.
func (t *WebSocket) SendControl(msg []byte) error {
	t.mu.Lock()
	send, closed := t.send, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if send == nil {
		return fmt.Errorf("transport not open")
	}

	select {
	case send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// AddLocalAudio streams chunks from in as input_audio_buffer.append events.
func (t *WebSocket) AddLocalAudio(ctx context.Context, in <-chan rtc.AudioChunk) error {
	t.mu.Lock()
	open, closed := t.conn != nil, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !open {
		return fmt.Errorf("transport not open")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				msg, err := realtime.Encode(realtime.NewInputAudioAppend(base64.StdEncoding.EncodeToString(chunk.Data)))
				if err != nil {
					t.logger.Warn("Failed to encode audio", slog.String("error", err.Error()))
					continue
				}
				if err := t.SendControl(msg); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// Close sends a close frame and shuts the connection. It is idempotent and
// does not report a disconnect.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn, writerDone := t.conn, t.writerDone
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.logger.Info("Closing WebSocket connection")
	// the writer sends the close frame; closing the socket unblocks the reader
	select {
	case <-writerDone:
	case <-time.After(time.Second):
	}
	err := conn.Close()
	t.wg.Wait()
	return err
}
