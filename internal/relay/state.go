// Package relay is the medium server core: the session registry, the
// dispatch paths for GUI, backend, UDP and gateway traffic, the file transfer
// engine and the housekeeping timer. Everything in RelayState is owned by the
// reactor goroutine started by Relay.Run.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
	"github.com/charlesng35/imrelay/pkg/logger"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

var (
	ErrNoSession    = errors.New("relay: no backend session")
	ErrIdleShutdown = errors.New("relay: idle shutdown")
	ErrStopped      = errors.New("relay: stopped")
	ErrBadUserName  = errors.New("relay: user name is not a valid directory name")
)

const (
	imageDirName = "Image"
	recvDirName  = "FileRecv"
)

// Config holds the relay core settings.
type Config struct {
	BackendAddr string
	UDPServer   netip.AddrPort
	UDPListenIP string
	DataDir     string
	Session     session.Options

	KeepaliveEvery int
	RetryEvery     int
	IdleWindow     int
	IdleThreshold  int

	ReconnectInterval time.Duration
	ReconnectBurst    int
}

func (c Config) withDefaults() Config {
	if c.KeepaliveEvery <= 0 {
		c.KeepaliveEvery = 30
	}
	if c.RetryEvery <= 0 {
		c.RetryEvery = 10
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 60
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 3
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = 4
	}
	if c.UDPListenIP == "" {
		c.UDPListenIP = "0.0.0.0"
	}
	return c
}

// Gateway surfaces backend traffic to HTTP consumers.
type Gateway interface {
	GenerateMsgID() string
	// Publish must not block.
	Publish(userID string, m protocol.Message)
}

// HistoryStore is the per-user message store.
type HistoryStore interface {
	SaveSentText(ctx context.Context, msg protocol.ChatMsg) error
	SaveReceivedText(ctx context.Context, msg protocol.ChatMsg) error
	SaveSentGroupText(ctx context.Context, msg protocol.GroupChatMsg) error
	SaveReceivedGroupText(ctx context.Context, msg protocol.GroupChatMsg) error
	SaveAddFriendRequest(ctx context.Context, req *protocol.AddFriendRecvReq) error
	SaveAddFriendNotify(ctx context.Context, req *protocol.AddFriendNotifyReq) error
	FriendHistory(ctx context.Context, req *protocol.GetFriendChatHistoryReq) ([]protocol.ChatMsg, error)
	GroupHistory(ctx context.Context, req *protocol.GetGroupChatHistoryReq) ([]protocol.GroupChatMsg, error)
	FileByHash(ctx context.Context, hash string) (string, bool, error)
	SaveFileHash(ctx context.Context, path, hash string) error
	Close() error
}

// HistoryOpener opens the store kept in dir for userName.
type HistoryOpener interface {
	Open(dir, userName string) (HistoryStore, error)
}

// BackendConn is a redialable backend session.
type BackendConn interface {
	session.Session
	Connect(ctx context.Context)
	Redial(ctx context.Context)
}

// UDPConn is a per-user UDP session.
type UDPConn interface {
	session.Session
	SendTo(addr netip.AddrPort, m protocol.Message) error
	SendToServer(m protocol.Message) error
}

// Transport builds sessions reporting to the relay.
type Transport interface {
	NewGUI(h session.Handle, conn net.Conn) session.Session
	NewBackend(h session.Handle) BackendConn
	NewUDP(h session.Handle) (UDPConn, error)
}

// RelayState is the single owner of every routing table and pending queue.
type RelayState struct {
	cfg       Config
	ctx       context.Context
	reg       *Registry
	transport Transport
	gateway   Gateway
	opener    HistoryOpener
	log       *zap.Logger
	now       func() time.Time

	stores    map[string]HistoryStore
	engine    *Engine
	sendChat  *pendingSend
	sendGroup *pendingSend
	recv      *pendingRecv
	retry     *retryQueue
	reconnect map[session.Handle]time.Time
	limiter   *rate.Limiter

	free       session.Handle
	logins     map[string]*protocol.UserLoginReq
	friends    map[string][]string
	gwRequests map[string]time.Time

	ticks    uint64
	idleRuns int
}

// NewRelayState wires the collaborators. gateway and opener may be nil.
func NewRelayState(cfg Config, transport Transport, gateway Gateway, opener HistoryOpener) *RelayState {
	cfg = cfg.withDefaults()
	s := &RelayState{
		cfg:        cfg,
		ctx:        context.Background(),
		reg:        NewRegistry(),
		transport:  transport,
		gateway:    gateway,
		opener:     opener,
		log:        logger.WithModule("relay"),
		now:        time.Now,
		stores:     make(map[string]HistoryStore),
		engine:     NewEngine(),
		sendChat:   newPendingSend(),
		sendGroup:  newPendingSend(),
		recv:       newPendingRecv(),
		retry:      newRetryQueue(),
		reconnect:  make(map[session.Handle]time.Time),
		limiter:    rate.NewLimiter(rate.Every(cfg.ReconnectInterval), cfg.ReconnectBurst),
		logins:     make(map[string]*protocol.UserLoginReq),
		friends:    make(map[string][]string),
		gwRequests: make(map[string]time.Time),
	}
	s.reg.onEvict = func(h session.Handle, _ session.Session) {
		delete(s.reconnect, h)
		if s.free == h {
			s.free = 0
		}
	}
	return s
}

// Registry exposes the identity tables.
func (s *RelayState) Registry() *Registry { return s.reg }

// Start opens the first spare backend session.
func (s *RelayState) Start(ctx context.Context) {
	s.ctx = ctx
	s.ensureFree()
}

// Close evicts every session and closes every store.
func (s *RelayState) Close() error {
	for _, kind := range []session.Kind{session.KindGUI, session.KindBackend, session.KindUDP} {
		for _, h := range s.reg.Handles(kind) {
			s.reg.Evict(h)
		}
	}
	var err error
	for id, st := range s.stores {
		err = multierr.Append(err, st.Close())
		delete(s.stores, id)
	}
	return err
}

func (s *RelayState) msgID() string {
	if s.gateway == nil {
		return fmt.Sprintf("relay-%d", s.now().UnixNano())
	}
	return s.gateway.GenerateMsgID()
}

// ensureFree keeps exactly one spare backend session warm.
func (s *RelayState) ensureFree() {
	if s.free != 0 {
		if _, ok := s.reg.Get(s.free); ok {
			return
		}
	}
	b := s.transport.NewBackend(s.reg.NewHandle())
	s.reg.Add(b)
	s.free = b.Handle()
	b.Connect(s.ctx)
}

// takeFree hands the spare session to a caller and warms a new one.
func (s *RelayState) takeFree() (session.Session, bool) {
	b, ok := s.reg.Get(s.free)
	if !ok {
		s.free = 0
		s.ensureFree()
		return nil, false
	}
	s.free = 0
	s.ensureFree()
	return b, true
}

// AttachGUI registers an accepted GUI session and pairs it with the spare backend.
func (s *RelayState) AttachGUI(g session.Session) {
	s.reg.Add(g)
	s.pairWithSpare(g.Handle())
	s.log.Info("gui connected", zap.Uint64("handle", uint64(g.Handle())), zap.String("remote", g.RemoteAddr()))
}

func (s *RelayState) pairWithSpare(gui session.Handle) {
	if b, ok := s.takeFree(); ok {
		s.reg.Pair(gui, b.Handle())
	}
}

// OnConnected handles a backend session whose dial succeeded.
func (s *RelayState) OnConnected(h session.Handle) {
	started, reconnecting := s.reconnect[h]
	if !reconnecting {
		return
	}
	userID, bound := s.reg.Owner(h)
	if !bound {
		delete(s.reconnect, h)
		return
	}
	b, _ := s.reg.Get(h)
	name, _ := s.reg.LookupUserName(userID)
	login, ok := s.logins[name]
	if s.reg.LoginState(userID) == LoginSent && ok {
		if err := b.Send(login); err != nil {
			s.log.Warn("replay login", zap.String("user_id", userID), zap.Error(err))
			return
		}
		s.log.Info("backend reconnected, replaying login",
			zap.String("user_id", userID), zap.Duration("after", s.now().Sub(started)))
		return
	}
	delete(s.reconnect, h)
}

// OnDisconnected marks a backend session for reconnection.
func (s *RelayState) OnDisconnected(h session.Handle, err error) {
	if _, ok := s.reg.Get(h); !ok {
		return
	}
	if _, already := s.reconnect[h]; !already {
		s.reconnect[h] = s.now()
	}
	userID, bound := s.reg.Owner(h)
	if !bound {
		return
	}
	s.log.Warn("backend connection lost", zap.String("user_id", userID), zap.Error(err))
	if s.reg.LoginState(userID) == LoginFinished {
		s.reg.SetLoginState(userID, LoginSent)
		s.updateLoggedIn()
		s.toGUI(userID, &protocol.NetFailedReport{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID})
	}
}

// OnClosed evicts a session that closed for good.
func (s *RelayState) OnClosed(h session.Handle, err error) {
	sess, ok := s.reg.Get(h)
	if !ok {
		return
	}
	userID, bound := s.reg.Owner(h)
	switch sess.Kind() {
	case session.KindGUI:
		s.log.Info("gui disconnected", zap.Uint64("handle", uint64(h)), zap.String("user_id", userID), zap.Error(err))
		if paired, ok := s.reg.Paired(h); ok {
			s.reg.Evict(paired.Handle())
		}
		s.reg.Evict(h)
		if bound {
			s.unbind(userID)
		}
	case session.KindBackend:
		orphan, paired := s.reg.Paired(h)
		s.reg.Evict(h)
		if bound {
			s.replaceBackend(userID, err)
		}
		if paired {
			s.log.Info("paired backend closed, re-pairing gui",
				zap.Uint64("gui", uint64(orphan.Handle())), zap.Error(err))
			s.pairWithSpare(orphan.Handle())
		}
		s.ensureFree()
	default:
		s.reg.Evict(h)
	}
}

// replaceBackend puts a fresh session under userID after its backend closed
// and schedules it for reconnection.
func (s *RelayState) replaceBackend(userID string, cause error) {
	name, _ := s.reg.LookupUserName(userID)
	b := s.transport.NewBackend(s.reg.NewHandle())
	s.reg.Add(b)
	s.reg.Bind(userID, name, b.Handle())
	s.OnDisconnected(b.Handle(), cause)
}

func (s *RelayState) unbind(userID string) {
	gui, ok := s.reg.Unbind(userID)
	s.engine.DropUser(userID)
	s.sendChat.DropUser(userID)
	s.sendGroup.DropUser(userID)
	s.recv.DropUser(userID)
	delete(s.friends, userID)
	s.updateLoggedIn()
	if ok {
		s.pairWithSpare(gui)
	}
}

func (s *RelayState) updateLoggedIn() {
	metrics.LoggedInUsers.Set(float64(len(s.reg.LoggedInUsers())))
}

// toGUI delivers m to the user's GUI or, without one, to the gateway.
func (s *RelayState) toGUI(userID string, m protocol.Message) {
	if g, ok := s.reg.GUI(userID); ok {
		if err := g.Send(m); err != nil {
			s.log.Warn("send to gui", zap.String("user_id", userID), zap.Stringer("type", m.Type()), zap.Error(err))
		}
		return
	}
	s.publish(userID, m)
}

func (s *RelayState) publish(userID string, m protocol.Message) {
	if s.gateway != nil {
		s.gateway.Publish(userID, m)
	}
}

// deliver routes a backend message arriving on handle from. Answers to
// gateway requests go to the gateway; everything else prefers a GUI.
func (s *RelayState) deliver(from session.Handle, userID string, m protocol.Message) {
	if _, ok := s.gwRequests[m.ID()]; ok && m.ID() != "" {
		delete(s.gwRequests, m.ID())
		s.publish(userID, m)
		return
	}
	if userID != "" {
		if _, ok := s.reg.GUI(userID); ok {
			s.toGUI(userID, m)
			return
		}
	}
	if g, ok := s.reg.Paired(from); ok {
		if err := g.Send(m); err != nil {
			s.log.Warn("send to paired gui", zap.Stringer("type", m.Type()), zap.Error(err))
		}
		return
	}
	s.publish(userID, m)
}

// toBackend sends m over userID's backend session.
func (s *RelayState) toBackend(userID string, m protocol.Message) error {
	b, ok := s.reg.Backend(userID)
	if !ok {
		return ErrNoSession
	}
	return b.Send(m)
}

// forward sends m to the backend or parks it in the retry queue.
func (s *RelayState) forward(userID string, m protocol.Message) {
	if err := s.toBackend(userID, m); err == nil {
		return
	} else if !errors.Is(err, ErrNoSession) {
		s.log.Warn("forward to backend", zap.String("user_id", userID), zap.Error(err))
	}
	s.retry.Push(userID, m)
}

func (s *RelayState) store(userID string) (HistoryStore, bool) {
	st, ok := s.stores[userID]
	return st, ok
}

// validUserName reports whether name can be used as a single directory
// element under the data dir.
func validUserName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.IsLocal(name)
}

func (s *RelayState) userDir(name string) (string, error) {
	if !validUserName(name) {
		return "", fmt.Errorf("%w: %q", ErrBadUserName, name)
	}
	return filepath.Join(s.cfg.DataDir, name), nil
}

// Bound users passed validUserName at login, so these never leave DataDir.
func (s *RelayState) imageDir(userID string) string {
	name, _ := s.reg.LookupUserName(userID)
	return filepath.Join(s.cfg.DataDir, name, imageDirName)
}

func (s *RelayState) recvDir(userID string) string {
	name, _ := s.reg.LookupUserName(userID)
	return filepath.Join(s.cfg.DataDir, name, recvDirName)
}

// openUser creates the user's directories and opens their store.
func (s *RelayState) openUser(userID, name string) error {
	dir, err := s.userDir(name)
	if err != nil {
		return err
	}
	for _, sub := range []string{imageDirName, recvDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create user dir: %w", err)
		}
	}
	if _, ok := s.stores[userID]; ok || s.opener == nil {
		return nil
	}
	st, err := s.opener.Open(dir, name)
	if err != nil {
		return fmt.Errorf("open history for %s: %w", name, err)
	}
	s.stores[userID] = st
	return nil
}

// removeUser closes the user's store and deletes their directory.
func (s *RelayState) removeUser(userID, name string) error {
	var err error
	if st, ok := s.stores[userID]; ok {
		err = st.Close()
		delete(s.stores, userID)
	}
	if name == "" {
		return err
	}
	dir, derr := s.userDir(name)
	if derr != nil {
		return multierr.Append(err, derr)
	}
	return multierr.Append(err, os.RemoveAll(dir))
}
