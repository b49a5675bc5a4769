package hub

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaximeRivest/mrmd-sync/internal/coordinator"
)

// Wire discriminants: every frame begins with one variable-length
// unsigned integer naming its kind. Receivers ignore reserved codes.
const (
	wireSync     = 0
	wirePresence = 1
)

// socket adapts one live websocket connection to coordinator.Subscriber. It
// owns an outbound queue so a slow reader never blocks the coordinator
// actor goroutine that calls Send: Send enqueues and returns immediately,
// and a dedicated writer goroutine drains the queue onto the wire.
type socket struct {
	id   string
	conn *websocket.Conn
	m    *metrics

	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	gotPong int32 // atomic bool, reset by the heartbeat ticker each tick
}

func newSocket(id string, conn *websocket.Conn, m *metrics, maxMessageSize int64, outboundQueue int) *socket {
	conn.SetReadLimit(maxMessageSize)
	s := &socket{
		id:      id,
		conn:    conn,
		m:       m,
		out:     make(chan []byte, outboundQueue),
		closed:  make(chan struct{}),
		gotPong: 1,
	}
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&s.gotPong, 1)
		return nil
	})
	return s
}

func (s *socket) ID() string { return s.id }

// Send implements coordinator.Subscriber by framing payload behind msgType
// translated to its wire discriminant and enqueueing it for the writer
// goroutine. A full queue means the peer is too slow to keep up; the frame
// is dropped for that one peer rather than stalling the coordinator's actor
// goroutine and every other subscriber of its document.
func (s *socket) Send(msgType byte, payload []byte) error {
	disc := uint64(wireSync)
	if msgType == coordinator.MsgPresence {
		disc = wirePresence
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, disc)
	frame := append(buf[:n:n], payload...)

	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return fmt.Errorf("hub: socket %s closed", s.id)
	default:
		return fmt.Errorf("hub: socket %s outbound queue full, dropping frame", s.id)
	}
}

// writeLoop drains the outbound queue onto the websocket connection until
// the socket is closed. Only one goroutine is ever allowed to call
// conn.WriteMessage, satisfying gorilla/websocket's single-writer
// requirement.
func (s *socket) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			s.m.messageOut(len(frame))
		case <-s.closed:
			return
		}
	}
}

// heartbeat pings the peer every interval and terminates the connection if
// no pong was observed since the previous tick.
func (s *socket) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if atomic.SwapInt32(&s.gotPong, 0) == 0 {
				s.closeNow()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.closeNow()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// closeNow tears down the connection immediately, without a graceful close
// handshake; used by the heartbeat when a peer has gone unresponsive.
func (s *socket) closeNow() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.conn.Close()
}

// closeWithCode sends a close control frame carrying code and reason, then
// tears down the connection. The hub's admission refusals happen before a
// socket is built and write their close frame on the raw connection instead.
func (s *socket) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() { close(s.closed) })
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.conn.Close()
}
