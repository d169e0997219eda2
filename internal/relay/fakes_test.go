package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
)

type sent struct {
	to  netip.AddrPort
	msg protocol.Message
}

type fakeSession struct {
	mu        sync.Mutex
	handle    session.Handle
	kind      session.Kind
	userID    string
	userName  string
	out       []sent
	closed    bool
	connected bool
	connects  int
}

func (f *fakeSession) Handle() session.Handle { return f.handle }
func (f *fakeSession) Kind() session.Kind     { return f.kind }
func (f *fakeSession) UserID() string         { return f.userID }
func (f *fakeSession) SetUserID(id string)    { f.userID = id }
func (f *fakeSession) UserName() string       { return f.userName }
func (f *fakeSession) SetUserName(n string)   { f.userName = n }
func (f *fakeSession) RemoteAddr() string     { return "fake" }
func (f *fakeSession) IsConnected() bool      { return f.connected && !f.closed }

func (f *fakeSession) Send(m protocol.Message) error { return f.SendTo(netip.AddrPort{}, m) }

func (f *fakeSession) SendFrame(raw []byte) error {
	fr, err := protocol.ParseDatagram(raw)
	if err != nil {
		return err
	}
	m, err := protocol.Decode(fr)
	if err != nil {
		return err
	}
	return f.Send(m)
}

func (f *fakeSession) SendTo(addr netip.AddrPort, m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.ErrClosed
	}
	f.out = append(f.out, sent{to: addr, msg: m})
	return nil
}

func (f *fakeSession) SendToServer(m protocol.Message) error { return f.SendTo(netip.AddrPort{}, m) }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Connect(context.Context) {
	f.connects++
	f.connected = true
}

func (f *fakeSession) Redial(ctx context.Context) { f.Connect(ctx) }

func (f *fakeSession) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.out))
	for _, s := range f.out {
		out = append(out, s.msg)
	}
	return out
}

func (f *fakeSession) types() []protocol.MsgType {
	var out []protocol.MsgType
	for _, m := range f.messages() {
		out = append(out, m.Type())
	}
	return out
}

func (f *fakeSession) reset() {
	f.mu.Lock()
	f.out = nil
	f.mu.Unlock()
}

func lastOf[T protocol.Message](t *testing.T, f *fakeSession) T {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if m, ok := msgs[i].(T); ok {
			return m
		}
	}
	var zero T
	t.Fatalf("no %T sent on session %s; sent %v", zero, f.handle, f.types())
	return zero
}

func allOf[T protocol.Message](f *fakeSession) []T {
	var out []T
	for _, m := range f.messages() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakeTransport struct {
	sessions map[session.Handle]*fakeSession
	udpFail  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[session.Handle]*fakeSession)}
}

func (tr *fakeTransport) add(h session.Handle, kind session.Kind) *fakeSession {
	f := &fakeSession{handle: h, kind: kind, connected: kind != session.KindBackend}
	tr.sessions[h] = f
	return f
}

func (tr *fakeTransport) NewGUI(h session.Handle, _ net.Conn) session.Session {
	return tr.add(h, session.KindGUI)
}

func (tr *fakeTransport) NewBackend(h session.Handle) BackendConn {
	return tr.add(h, session.KindBackend)
}

func (tr *fakeTransport) NewUDP(h session.Handle) (UDPConn, error) {
	if tr.udpFail {
		return nil, fmt.Errorf("udp disabled")
	}
	return tr.add(h, session.KindUDP), nil
}

func (tr *fakeTransport) get(h session.Handle) *fakeSession { return tr.sessions[h] }

type fakeGateway struct {
	n         int
	published []sent
	users     []string
}

func (g *fakeGateway) GenerateMsgID() string {
	g.n++
	return fmt.Sprintf("gen-%d", g.n)
}

func (g *fakeGateway) Publish(userID string, m protocol.Message) {
	g.users = append(g.users, userID)
	g.published = append(g.published, sent{msg: m})
}

type fakeStore struct {
	sentText  []protocol.ChatMsg
	recvText  []protocol.ChatMsg
	sentGroup []protocol.GroupChatMsg
	recvGroup []protocol.GroupChatMsg
	requests  []*protocol.AddFriendRecvReq
	notifies  []*protocol.AddFriendNotifyReq
	files     map[string]string
	closed    bool
}

func (s *fakeStore) SaveSentText(_ context.Context, m protocol.ChatMsg) error {
	s.sentText = append(s.sentText, m)
	return nil
}

func (s *fakeStore) SaveReceivedText(_ context.Context, m protocol.ChatMsg) error {
	s.recvText = append(s.recvText, m)
	return nil
}

func (s *fakeStore) SaveSentGroupText(_ context.Context, m protocol.GroupChatMsg) error {
	s.sentGroup = append(s.sentGroup, m)
	return nil
}

func (s *fakeStore) SaveReceivedGroupText(_ context.Context, m protocol.GroupChatMsg) error {
	s.recvGroup = append(s.recvGroup, m)
	return nil
}

func (s *fakeStore) SaveAddFriendRequest(_ context.Context, r *protocol.AddFriendRecvReq) error {
	s.requests = append(s.requests, r)
	return nil
}

func (s *fakeStore) SaveAddFriendNotify(_ context.Context, r *protocol.AddFriendNotifyReq) error {
	s.notifies = append(s.notifies, r)
	return nil
}

func (s *fakeStore) FriendHistory(_ context.Context, r *protocol.GetFriendChatHistoryReq) ([]protocol.ChatMsg, error) {
	var out []protocol.ChatMsg
	for _, m := range append(append([]protocol.ChatMsg(nil), s.sentText...), s.recvText...) {
		if m.SenderID == r.FriendID || m.ReceiverID == r.FriendID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) GroupHistory(_ context.Context, r *protocol.GetGroupChatHistoryReq) ([]protocol.GroupChatMsg, error) {
	return nil, nil
}

func (s *fakeStore) FileByHash(_ context.Context, hash string) (string, bool, error) {
	p, ok := s.files[hash]
	return p, ok, nil
}

func (s *fakeStore) SaveFileHash(_ context.Context, path, hash string) error {
	s.files[hash] = path
	return nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	stores map[string]*fakeStore
}

func (o *fakeOpener) Open(dir, name string) (HistoryStore, error) {
	st := &fakeStore{files: make(map[string]string)}
	o.stores[name] = st
	return st, nil
}

type harness struct {
	t     *testing.T
	state *RelayState
	tr    *fakeTransport
	gw    *fakeGateway
	open  *fakeOpener
	dir   string
}

var udpServer = netip.MustParseAddrPort("127.0.0.1:9001")

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		tr:   newFakeTransport(),
		gw:   &fakeGateway{},
		open: &fakeOpener{stores: make(map[string]*fakeStore)},
		dir:  t.TempDir(),
	}
	h.state = NewRelayState(Config{
		BackendAddr: "127.0.0.1:9000",
		UDPServer:   udpServer,
		DataDir:     h.dir,
	}, h.tr, h.gw, h.open)
	h.state.Start(context.Background())
	return h
}

func frameOf(t *testing.T, m protocol.Message) protocol.Frame {
	t.Helper()
	f, err := protocol.ToFrame(m)
	require.NoError(t, err)
	return f
}

// connectGUI attaches a new GUI and returns it with its paired backend.
func (h *harness) connectGUI() (*fakeSession, *fakeSession) {
	h.t.Helper()
	gui := h.tr.add(h.state.reg.NewHandle(), session.KindGUI)
	h.state.AttachGUI(gui)
	paired, ok := h.state.reg.Paired(gui.handle)
	require.True(h.t, ok)
	return gui, h.tr.get(paired.Handle())
}

type user struct {
	id      string
	name    string
	gui     *fakeSession
	backend *fakeSession
	udp     *fakeSession
	store   *fakeStore
}

func (h *harness) login(id, name string) *user {
	h.t.Helper()
	gui, backend := h.connectGUI()
	h.state.HandleGUI(gui.handle, frameOf(h.t, &protocol.UserLoginReq{
		Base: protocol.Base{MsgID: "login-" + name}, UserName: name, Password: "pw",
	}))
	require.Equal(h.t, name, lastOf[*protocol.UserLoginReq](h.t, backend).UserName)

	h.state.HandleBackend(backend.handle, frameOf(h.t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "login-" + name}, ErrCode: protocol.CodeSucceed, UserID: id, UserName: name,
	}))
	udp, ok := h.state.reg.UDP(id)
	require.True(h.t, ok)
	u := &user{id: id, name: name, gui: gui, backend: backend, udp: h.tr.get(udp.Handle()), store: h.open.stores[name]}
	gui.reset()
	backend.reset()
	return u
}

func (h *harness) backendSays(u *user, m protocol.Message) {
	h.t.Helper()
	h.state.HandleBackend(u.backend.handle, frameOf(h.t, m))
}

func (h *harness) guiSays(u *user, m protocol.Message) {
	h.t.Helper()
	h.state.HandleGUI(u.gui.handle, frameOf(h.t, m))
}

func (h *harness) udpSays(u *user, from netip.AddrPort, m protocol.Message) {
	h.t.Helper()
	h.state.HandleUDP(u.udp.handle, from, frameOf(h.t, m))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(haystack, needle string) bool { return strings.Contains(haystack, needle) }
