package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsMaxFrameSize = 1 << 20
)

// newUpgrader accepts requests without an Origin header (agents, CLI tools)
// and browser requests whose origin is listed. "*" allows any origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			slog.Warn("WebSocket origin not allowed",
				"origin", origin,
				"allowed_origins", allowedOrigins)
			return false
		},
	}
}

// wsFrameConn carries envelope frames as websocket text messages.
type wsFrameConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newWSFrameConn(conn *websocket.Conn) *wsFrameConn {
	conn.SetReadLimit(wsMaxFrameSize)
	return &wsFrameConn{conn: conn}
}

func (w *wsFrameConn) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (w *wsFrameConn) WriteFrame(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsFrameConn) Close(code int, text string) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("Failed to send websocket close", "error", err)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
