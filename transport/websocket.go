package transport

import (
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drunlade/go-xfer/session"
)

// WSBridge drives a transfer session over a WebSocket carrying a
// browser terminal: binary messages are raw transport bytes in both
// directions, the way web terminals tunnel telnet traffic.
type WSBridge struct {
	conn    *websocket.Conn
	pending []byte
}

// NewWSBridge wraps an upgraded WebSocket connection.
func NewWSBridge(conn *websocket.Conn) *WSBridge {
	return &WSBridge{conn: conn}
}

// Run drives the session until it completes, feeding WebSocket binary
// messages through the pump and shipping pump output back as binary
// messages.
func (b *WSBridge) Run(s *session.Session) error {
	out := make([]byte, 0, session.MaxFrameSize)

	for !s.Done() {
		in, err := b.readSome(100 * time.Millisecond)
		if err != nil {
			s.Stop(true)
			return err
		}

		n := s.Process(in, out[:0])
		if n > 0 {
			if werr := b.conn.WriteMessage(websocket.BinaryMessage, out[:n]); werr != nil {
				s.Stop(true)
				return werr
			}
		}
	}
	return nil
}

// readSome returns the next batch of transport bytes, or an empty slice
// after the wait interval so the pump can run its timeout bookkeeping.
func (b *WSBridge) readSome(wait time.Duration) ([]byte, error) {
	if len(b.pending) > 0 {
		p := b.pending
		b.pending = nil
		return p, nil
	}

	b.conn.SetReadDeadline(time.Now().Add(wait))
	msgType, data, err := b.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, io.EOF
		}
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		// Text frames are terminal chatter, not transfer bytes.
		return nil, nil
	}
	return data, nil
}
