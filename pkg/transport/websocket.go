package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

type WebSocketOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
	// HandshakeTimeout defaults to 10 seconds.
	HandshakeTimeout time.Duration
}

// WebSocket is a transport to a remote serial bridge that relays the
// adapter's bytes as binary messages. Message boundaries carry no meaning.
type WebSocket struct {
	conn  *websocket.Conn
	lines lineBuffer

	msgs chan []byte
	err  error // set before msgs is closed

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to a ws:// or wss:// bridge, with HTTP Basic auth
// when a username and password are given.
func DialWebSocket(ctx context.Context, wsURL string, opts WebSocketOptions) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: opts.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return newWebSocket(conn), nil
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	w := &WebSocket{
		conn: conn,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocket) readLoop() {
	defer close(w.msgs)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.msgs <- data:
		case <-w.done:
			w.err = ErrConnectionClosed
			return
		}
	}
}

func (w *WebSocket) read(wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		select {
		case data, ok := <-w.msgs:
			if !ok {
				return nil, w.closedErr()
			}
			return data, nil
		default:
			return nil, nil
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case data, ok := <-w.msgs:
		if !ok {
			return nil, w.closedErr()
		}
		return data, nil
	case <-timer.C:
		return nil, nil
	}
}

func (w *WebSocket) closedErr() error {
	if w.err == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
}

func (w *WebSocket) Write(b []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *WebSocket) ReadUntilTerminator(timeout time.Duration) ([]byte, error) {
	return w.lines.readLine(timeout, w.read)
}

// SetBaud always fails: the bridge owns the serial line.
func (w *WebSocket) SetBaud(rate int) error {
	return fmt.Errorf("%w: %d", ErrBaudUnsupported, rate)
}

func (w *WebSocket) ResetInputBuffer() error {
	w.lines.reset()
	for {
		select {
		case _, ok := <-w.msgs:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (w *WebSocket) ResetOutputBuffer() error {
	return nil
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wmu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.wmu.Unlock()
		err = w.conn.Close()
	})
	return err
}
