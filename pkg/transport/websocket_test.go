package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridge answers V with a version split over two messages and O with an ack.
func bridge(t *testing.T, auth chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth <- r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch string(data) {
			case "V\r":
				conn.WriteMessage(websocket.TextMessage, []byte("ignored\r"))
				conn.WriteMessage(websocket.BinaryMessage, []byte("V10"))
				conn.WriteMessage(websocket.BinaryMessage, []byte("11\r"))
			case "O\r":
				conn.WriteMessage(websocket.BinaryMessage, []byte("\r"))
			case "bye\r":
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket(t *testing.T) {
	auth := make(chan string, 1)
	srv := bridge(t, auth)
	defer srv.Close()

	ws, err := DialWebSocket(context.Background(), wsURL(srv), WebSocketOptions{Username: "user", Password: "pass"})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if got := <-auth; got != "Basic dXNlcjpwYXNz" {
		t.Errorf("authorization = %q", got)
	}

	if err := ws.Write([]byte("V\r")); err != nil {
		t.Fatal(err)
	}
	line, err := ws.ReadUntilTerminator(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "V1011\r" {
		t.Errorf("got %q", line)
	}

	if err := ws.Write([]byte("O\r")); err != nil {
		t.Fatal(err)
	}
	line, err = ws.ReadUntilTerminator(time.Second)
	if err != nil || string(line) != "\r" {
		t.Errorf("got %q %v", line, err)
	}

	line, err = ws.ReadUntilTerminator(20 * time.Millisecond)
	if err != nil || len(line) != 0 {
		t.Errorf("expected timeout, got %q %v", line, err)
	}

	if err := ws.SetBaud(115200); !errors.Is(err, ErrBaudUnsupported) {
		t.Errorf("set baud = %v", err)
	}
	if err := ws.ResetInputBuffer(); err != nil {
		t.Error(err)
	}
}

func TestWebSocketServerGone(t *testing.T) {
	srv := bridge(t, nil)
	ws, err := DialWebSocket(context.Background(), wsURL(srv), WebSocketOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	defer ws.Close()
	if err := ws.Write([]byte("bye\r")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = ws.ReadUntilTerminator(50 * time.Millisecond); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestDialWebSocketScheme(t *testing.T) {
	if _, err := DialWebSocket(context.Background(), "http://localhost:1", WebSocketOptions{}); err == nil {
		t.Error("expected scheme error")
	}
}
