package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxMessageBytes matches the limit clients already assume for attachments.
const DefaultMaxMessageBytes = 10 << 20

var ErrFrameTooLarge = errors.New("transport: frame exceeds size limit")

// LineCodec frames newline-delimited JSON over a stream connection.
type LineCodec struct {
	conn         net.Conn
	r            *bufio.Reader
	maxBytes     int
	writeTimeout time.Duration
}

func NewLineCodec(conn net.Conn, maxBytes int, writeTimeout time.Duration) *LineCodec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &LineCodec{conn: conn, r: bufio.NewReaderSize(conn, 4096), maxBytes: maxBytes, writeTimeout: writeTimeout}
}

// ReadFrame returns the next non-empty line without its terminator. A trailing line without
// a newline is returned before io.EOF.
func (l *LineCodec) ReadFrame() ([]byte, error) {
	for {
		line, err := l.readLine()
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (l *LineCodec) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		if len(buf)+len(chunk) > l.maxBytes+1 {
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return bytes.TrimSpace(buf), io.EOF
		default:
			return nil, err
		}
	}
}

func (l *LineCodec) WriteFrame(frame []byte) error {
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	b := make([]byte, 0, len(frame)+1)
	b = append(b, frame...)
	b = append(b, '\n')
	_, err := l.conn.Write(b)
	return err
}

func (l *LineCodec) Close() error { return l.conn.Close() }

func (l *LineCodec) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
