package transport

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WSCodec carries one envelope per websocket text message.
type WSCodec struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSCodec(conn *websocket.Conn, maxBytes int, writeTimeout time.Duration) *WSCodec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(int64(maxBytes))
	return &WSCodec{conn: conn, writeTimeout: writeTimeout}
}

func (w *WSCodec) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *WSCodec) WriteFrame(frame []byte) error {
	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *WSCodec) Close() error { return w.conn.Close() }

func (w *WSCodec) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }
