package session

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/pkg/logger"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

type datagram struct {
	to  netip.AddrPort
	raw []byte
}

// UDPSession owns one local UDP socket for a user. Every datagram carries
// exactly one frame.
type UDPSession struct {
	identity

	handle Handle
	sink   Sink
	server netip.AddrPort
	conn   *net.UDPConn
	log    *zap.Logger

	out       chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenUDP binds a socket on listenIP with an ephemeral port. server is the
// relay UDP server used by Send and SendToServer.
func ListenUDP(h Handle, listenIP string, server netip.AddrPort, sink Sink, opts Options) (*UDPSession, error) {
	opts = opts.withDefaults()
	ip, err := netip.ParseAddr(listenIP)
	if err != nil {
		return nil, fmt.Errorf("parse udp listen ip: %w", err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, 0)))
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	metrics.Sessions.WithLabelValues(KindUDP.String()).Inc()
	return &UDPSession{
		handle: h,
		sink:   sink,
		server: server,
		conn:   conn,
		log:    logger.WithModule("session").With(zap.Uint64("handle", uint64(h)), zap.Stringer("kind", KindUDP)),
		out:    make(chan datagram, opts.SendQueue),
		closed: make(chan struct{}),
	}, nil
}

func (s *UDPSession) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *UDPSession) Handle() Handle    { return s.handle }
func (s *UDPSession) Kind() Kind        { return KindUDP }
func (s *UDPSession) IsConnected() bool { return !s.isClosed() }

// RemoteAddr reports the relay UDP server address.
func (s *UDPSession) RemoteAddr() string { return s.server.String() }

// LocalAddr is the bound socket address.
func (s *UDPSession) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *UDPSession) Send(m protocol.Message) error { return s.SendToServer(m) }

func (s *UDPSession) SendToServer(m protocol.Message) error { return s.SendTo(s.server, m) }

// SendTo sends m to a peer endpoint.
func (s *UDPSession) SendTo(addr netip.AddrPort, m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.enqueue(datagram{to: addr, raw: raw})
}

func (s *UDPSession) SendFrame(raw []byte) error {
	return s.enqueue(datagram{to: s.server, raw: raw})
}

func (s *UDPSession) enqueue(d datagram) error {
	if s.isClosed() {
		return ErrClosed
	}
	select {
	case s.out <- d:
		return nil
	default:
		s.log.Warn("udp send queue full, closing", zap.Int("queue", cap(s.out)))
		s.closeWith(ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *UDPSession) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *UDPSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *UDPSession) closeWith(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		metrics.Sessions.WithLabelValues(KindUDP.String()).Dec()
		go s.sink.OnClosed(s.handle, cause)
	})
}

func (s *UDPSession) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !s.isClosed() {
				s.closeWith(err)
			}
			return
		}
		f, err := protocol.ParseDatagram(buf[:n])
		if err != nil {
			s.log.Debug("drop malformed datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		metrics.Frames.WithLabelValues(KindUDP.String(), "in").Inc()
		s.sink.OnDatagram(s.handle, from, f)
	}
}

func (s *UDPSession) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case d := <-s.out:
			if _, err := s.conn.WriteToUDPAddrPort(d.raw, d.to); err != nil {
				s.log.Debug("udp write failed", zap.Stringer("to", d.to), zap.Error(err))
				continue
			}
			metrics.Frames.WithLabelValues(KindUDP.String(), "out").Inc()
		}
	}
}

var _ Session = (*UDPSession)(nil)
