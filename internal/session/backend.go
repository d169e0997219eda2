package session

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

// BackendSession is a dialled connection to the IM backend. Transport failures
// leave the session in place so Redial can restore it under the same handle.
type BackendSession struct {
	*stream

	addr   string
	dialer *net.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	dialMu  sync.Mutex
	dialing bool
}

func NewBackendSession(h Handle, addr string, sink Sink, opts Options) *BackendSession {
	st := newStream(h, KindBackend, sink, opts)
	ctx, cancel := context.WithCancel(context.Background())
	s := &BackendSession{
		stream: st,
		addr:   addr,
		dialer: &net.Dialer{Timeout: st.opts.DialTimeout},
		ctx:    ctx,
		cancel: cancel,
	}
	s.onDrop = func(err error) { s.sink.OnDisconnected(s.handle, err) }
	return s
}

// Address returns the backend address this session dials.
func (s *BackendSession) Address() string { return s.addr }

// Connect dials asynchronously. The outcome is reported through OnConnected or
// OnDisconnected. Concurrent calls while a dial is in flight are ignored.
func (s *BackendSession) Connect(ctx context.Context) {
	if s.isClosed() || s.IsConnected() {
		return
	}
	s.dialMu.Lock()
	if s.dialing {
		s.dialMu.Unlock()
		return
	}
	s.dialing = true
	s.dialMu.Unlock()

	go s.dial(ctx)
}

// Redial reconnects after a transport failure, keeping the handle and the
// frames queued in the meantime.
func (s *BackendSession) Redial(ctx context.Context) {
	s.Connect(ctx)
}

func (s *BackendSession) dial(ctx context.Context) {
	defer func() {
		s.dialMu.Lock()
		s.dialing = false
		s.dialMu.Unlock()
	}()

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := s.dialer.DialContext(dctx, "tcp", s.addr)
	if err != nil {
		if s.isClosed() {
			return
		}
		s.log.Debug("backend dial failed", zap.String("addr", s.addr), zap.Error(err))
		s.sink.OnDisconnected(s.handle, err)
		return
	}
	s.attach(conn, func() { s.sink.OnConnected(s.handle) })
}

func (s *BackendSession) Close() error {
	s.cancel()
	return s.stream.Close()
}

var _ Session = (*BackendSession)(nil)
