package gateway

import (
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
)

// wsSocket wraps one upgraded WebSocket connection. Writes are
// serialized with a mutex because broadcasts and the read loop's
// replies come from different goroutines.
type wsSocket struct {
	conn  net.Conn
	codec Codec

	mu     sync.Mutex
	closed bool
}

func newSocket(conn net.Conn, codec Codec) *wsSocket {
	return &wsSocket{conn: conn, codec: codec}
}

// SendEvent implements presence.Socket. Sending on a closed socket
// returns net.ErrClosed without touching the connection.
func (s *wsSocket) SendEvent(evt *broadcast.Event) error {
	data, err := s.codec.EncodeEvent(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	op := ws.OpText
	if s.codec.Binary() {
		op = ws.OpBinary
	}
	return wsutil.WriteServerMessage(s.conn, op, data)
}

// Ping implements presence.Socket with a WebSocket control frame.
func (s *wsSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpPing, nil)
}

// Close implements presence.Socket. Closing twice is a no-op.
func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// sendError reports a per-socket protocol error. Only the offending
// socket hears about it; other viewers of the run are unaffected.
func (s *wsSocket) sendError(runID, msg string) {
	evt := broadcast.NewEvent(broadcast.KindError, runID, map[string]string{"message": msg})
	_ = s.SendEvent(evt) //nolint:errcheck // socket may be gone, nothing left to do
}
