package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
	"github.com/charlesng35/imrelay/pkg/logger"
)

// event is one unit of work for the reactor goroutine.
type event interface{ apply(r *Relay) }

type acceptEvent struct{ conn net.Conn }
type frameEvent struct {
	h session.Handle
	f protocol.Frame
}
type datagramEvent struct {
	h    session.Handle
	from netip.AddrPort
	f    protocol.Frame
}
type connectedEvent struct{ h session.Handle }
type disconnectedEvent struct {
	h   session.Handle
	err error
}
type closedEvent struct {
	h   session.Handle
	err error
}
type tickEvent struct{}
type submitEvent struct {
	userID string
	msg    protocol.Message
	reply  chan error
}
type snapshotEvent struct{ reply chan Snapshot }

func (e acceptEvent) apply(r *Relay) {
	g := r.transport.NewGUI(r.state.reg.NewHandle(), e.conn)
	r.state.AttachGUI(g)
}

func (e frameEvent) apply(r *Relay) {
	sess, ok := r.state.reg.Get(e.h)
	if !ok {
		return
	}
	switch sess.Kind() {
	case session.KindGUI:
		r.state.HandleGUI(e.h, e.f)
	case session.KindBackend:
		r.state.HandleBackend(e.h, e.f)
	}
}

func (e datagramEvent) apply(r *Relay)     { r.state.HandleUDP(e.h, e.from, e.f) }
func (e connectedEvent) apply(r *Relay)    { r.state.OnConnected(e.h) }
func (e disconnectedEvent) apply(r *Relay) { r.state.OnDisconnected(e.h, e.err) }
func (e closedEvent) apply(r *Relay)       { r.state.OnClosed(e.h, e.err) }

func (tickEvent) apply(r *Relay) {
	if r.state.Tick() {
		r.idle = true
	}
}

func (e submitEvent) apply(r *Relay) { e.reply <- r.state.HandleGateway(e.userID, e.msg) }
func (e snapshotEvent) apply(r *Relay) { e.reply <- r.state.Snapshot() }

// Relay runs RelayState on a single goroutine. Sessions, the listener, the
// housekeeping ticker and the gateway talk to it only through events.
type Relay struct {
	state     *RelayState
	transport Transport
	events    chan event
	done      chan struct{}
	running   chan struct{}
	idle      bool
	log       *zap.Logger
}

// Option customises a Relay.
type Option func(*Relay)

// WithTransport replaces the network transport. build receives the relay as
// the sink its sessions report to.
func WithTransport(build func(sink session.Sink) Transport) Option {
	return func(r *Relay) { r.transport = build(r) }
}

// New builds a relay. Without options it uses real network sessions.
func New(cfg Config, gateway Gateway, opener HistoryOpener, opts ...Option) *Relay {
	r := &Relay{
		events:  make(chan event, 1024),
		done:    make(chan struct{}),
		running: make(chan struct{}),
		log:     logger.WithModule("relay"),
	}
	r.transport = &netTransport{cfg: cfg.withDefaults(), sink: r}
	for _, opt := range opts {
		opt(r)
	}
	r.state = NewRelayState(cfg, r.transport, gateway, opener)
	return r
}

// Run processes events until ctx ends or the relay shuts itself down for
// idleness, in which case it returns ErrIdleShutdown.
func (r *Relay) Run(ctx context.Context) (err error) {
	defer close(r.done)
	r.state.Start(ctx)
	close(r.running)
	r.log.Info("relay started")

	defer func() {
		if cerr := r.state.Close(); cerr != nil {
			r.log.Warn("close relay state", zap.Error(cerr))
		}
		r.log.Info("relay stopped", zap.Error(err))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			ev.apply(r)
			if r.idle {
				return ErrIdleShutdown
			}
		}
	}
}

// Running is closed once Run has started processing events.
func (r *Relay) Running() <-chan struct{} { return r.running }

// Done is closed once Run has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// Tick posts one housekeeping tick without blocking. A tick is dropped when
// the reactor is saturated.
func (r *Relay) Tick() {
	select {
	case r.events <- tickEvent{}:
	default:
		r.log.Warn("reactor busy, housekeeping tick dropped")
	}
}

// Accept hands an accepted GUI connection to the reactor.
func (r *Relay) Accept(conn net.Conn) {
	if !r.post(acceptEvent{conn: conn}) {
		_ = conn.Close()
	}
}

// Submit routes a gateway request through the reactor.
func (r *Relay) Submit(ctx context.Context, userID string, m protocol.Message) error {
	reply := make(chan error, 1)
	select {
	case r.events <- submitEvent{userID: userID, msg: m, reply: reply}:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the relay's routing state.
func (r *Relay) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case r.events <- snapshotEvent{reply: reply}:
	case <-r.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-r.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Serve accepts GUI connections on ln until ctx ends.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	r.log.Info("accepting gui connections", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		r.Accept(conn)
	}
}

func (r *Relay) OnFrame(h session.Handle, f protocol.Frame) { r.post(frameEvent{h: h, f: f}) }

func (r *Relay) OnDatagram(h session.Handle, from netip.AddrPort, f protocol.Frame) {
	r.post(datagramEvent{h: h, from: from, f: f})
}

func (r *Relay) OnConnected(h session.Handle) { r.post(connectedEvent{h: h}) }

func (r *Relay) OnDisconnected(h session.Handle, err error) {
	r.post(disconnectedEvent{h: h, err: err})
}

func (r *Relay) OnClosed(h session.Handle, err error) { r.post(closedEvent{h: h, err: err}) }

var _ session.Sink = (*Relay)(nil)

// netTransport builds real network sessions.
type netTransport struct {
	cfg  Config
	sink session.Sink
}

func (t *netTransport) NewGUI(h session.Handle, conn net.Conn) session.Session {
	g := session.NewGUISession(h, conn, t.sink, t.cfg.Session)
	g.Start()
	return g
}

func (t *netTransport) NewBackend(h session.Handle) BackendConn {
	return session.NewBackendSession(h, t.cfg.BackendAddr, t.sink, t.cfg.Session)
}

func (t *netTransport) NewUDP(h session.Handle) (UDPConn, error) {
	u, err := session.ListenUDP(h, t.cfg.UDPListenIP, t.cfg.UDPServer, t.sink, t.cfg.Session)
	if err != nil {
		return nil, err
	}
	u.Start()
	return u, nil
}
