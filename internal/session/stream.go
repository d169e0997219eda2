package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/pkg/logger"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

// stream is the TCP core shared by GUI and backend sessions. A connection
// lifetime owns one reader and one writer goroutine; the outbound queue
// outlives it so frames sent while disconnected go out on the next one.
type stream struct {
	identity

	handle Handle
	kind   Kind
	sink   Sink
	opts   Options
	log    *zap.Logger

	out    chan []byte
	closed chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	stop   chan struct{}
	remote string
	// carry holds frames a writer dequeued but could not write; the next
	// connection sends them first.
	carry [][]byte

	connected atomic.Bool
	closeOnce sync.Once

	// onDrop runs once per lost connection, unless the session was closed locally.
	onDrop func(err error)
}

func newStream(h Handle, kind Kind, sink Sink, opts Options) *stream {
	opts = opts.withDefaults()
	metrics.Sessions.WithLabelValues(kind.String()).Inc()
	return &stream{
		handle: h,
		kind:   kind,
		sink:   sink,
		opts:   opts,
		log:    logger.WithModule("session").With(zap.Uint64("handle", uint64(h)), zap.Stringer("kind", kind)),
		out:    make(chan []byte, opts.SendQueue),
		closed: make(chan struct{}),
	}
}

func (s *stream) Handle() Handle { return s.handle }
func (s *stream) Kind() Kind     { return s.kind }

func (s *stream) IsConnected() bool { return s.connected.Load() }

func (s *stream) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *stream) Send(m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.SendFrame(raw)
}

// SendFrame queues raw for the writer. A full queue closes the session.
func (s *stream) SendFrame(raw []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.out <- raw:
		return nil
	default:
		s.log.Warn("send queue full, closing slow peer", zap.Int("queue", cap(s.out)))
		s.closeWith(ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *stream) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *stream) closeWith(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.detachLocked()
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		metrics.Sessions.WithLabelValues(s.kind.String()).Dec()
		// Notify from a fresh goroutine: Close may run on the goroutine draining the sink.
		go s.sink.OnClosed(s.handle, cause)
	})
}

// attach starts the reader and writer for conn. up runs before either starts.
func (s *stream) attach(conn net.Conn, up func()) bool {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	stop := make(chan struct{})
	s.conn = conn
	s.stop = stop
	s.remote = conn.RemoteAddr().String()
	s.connected.Store(true)
	s.mu.Unlock()

	if up != nil {
		up()
	}
	go s.writeLoop(conn, stop)
	go s.readLoop(conn)
	return true
}

func (s *stream) detachLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.conn = nil
	s.connected.Store(false)
}

// drop ends the lifetime of conn. Stale calls for an older connection are ignored.
func (s *stream) drop(conn net.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()
	_ = conn.Close()

	if s.isClosed() {
		return
	}
	s.log.Debug("connection lost", zap.Error(err))
	if s.onDrop != nil {
		s.onDrop(err)
	}
}

func (s *stream) readLoop(conn net.Conn) {
	err := protocol.ReadFrames(conn, s.opts.FrameBuffer, func(f protocol.Frame) error {
		metrics.Frames.WithLabelValues(s.kind.String(), "in").Inc()
		s.sink.OnFrame(s.handle, f)
		return nil
	})
	if err == nil {
		err = errPeerClosed
	}
	s.drop(conn, err)
}

func (s *stream) writeLoop(conn net.Conn, stop <-chan struct{}) {
	carried := s.takeCarry()
	for i, raw := range carried {
		if !s.write(conn, stop, raw) {
			for _, rest := range carried[i+1:] {
				s.keep(rest)
			}
			return
		}
	}
	for {
		select {
		case <-stop:
			return
		case raw := <-s.out:
			if !s.write(conn, stop, raw) {
				return
			}
		}
	}
}

func (s *stream) write(conn net.Conn, stop <-chan struct{}, raw []byte) bool {
	select {
	case <-stop:
		s.keep(raw)
		return false
	default:
	}
	if _, err := conn.Write(raw); err != nil {
		s.keep(raw)
		s.drop(conn, err)
		return false
	}
	metrics.Frames.WithLabelValues(s.kind.String(), "out").Inc()
	return true
}

func (s *stream) keep(raw []byte) {
	s.mu.Lock()
	s.carry = append(s.carry, raw)
	s.mu.Unlock()
}

func (s *stream) takeCarry() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.carry
	s.carry = nil
	return c
}

var errPeerClosed = errors.New("session: peer closed connection")
