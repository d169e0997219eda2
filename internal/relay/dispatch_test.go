package relay

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

func TestGUIAcceptPairsWithSpareAndWarmsAnother(t *testing.T) {
	h := newHarness(t)
	spare := h.state.free

	_, backend := h.connectGUI()

	require.Equal(t, spare, backend.handle)
	require.NotZero(t, h.state.free)
	require.NotEqual(t, spare, h.state.free)
	require.Equal(t, 1, h.tr.get(h.state.free).connects)
}

func TestLoginBindsSessionsAndPreparesStorage(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.UserLoginReq{Base: protocol.Base{MsgID: "l1"}, UserName: "alice"}))
	require.Equal(t, []protocol.MsgType{protocol.TypeUserLoginReq}, backend.types())

	h.state.HandleBackend(backend.handle, frameOf(t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "l1"}, ErrCode: protocol.CodeSucceed, UserID: "u1", UserName: "alice",
	}))

	reg := h.state.Registry()
	b, ok := reg.Backend("u1")
	require.True(t, ok)
	require.Equal(t, backend.handle, b.Handle())
	g, ok := reg.GUI("u1")
	require.True(t, ok)
	require.Equal(t, gui.handle, g.Handle())
	_, ok = reg.UDP("u1")
	require.True(t, ok)
	_, ok = reg.Paired(gui.handle)
	require.False(t, ok)
	require.Equal(t, LoginFinished, reg.LoginState("u1"))
	require.Equal(t, "alice", gui.UserName())

	require.DirExists(t, filepath.Join(h.dir, "alice", "Image"))
	require.DirExists(t, filepath.Join(h.dir, "alice", "FileRecv"))
	require.NotNil(t, h.open.stores["alice"])

	require.Equal(t, "u1", lastOf[*protocol.GetFriendListReq](t, backend).UserID)
	rsp := lastOf[*protocol.UserLoginRsp](t, gui)
	require.Equal(t, protocol.CodeSucceed, rsp.ErrCode)
}

func TestFailedLoginKeepsPairing(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()

	h.state.HandleBackend(backend.handle, frameOf(t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "l1"}, ErrCode: protocol.CodeLoginFailed, UserName: "alice",
	}))

	require.Equal(t, protocol.CodeLoginFailed, lastOf[*protocol.UserLoginRsp](t, gui).ErrCode)
	p, ok := h.state.Registry().Paired(gui.handle)
	require.True(t, ok)
	require.Equal(t, backend.handle, p.Handle())
	require.Empty(t, h.state.Registry().LoggedInUsers())
}

func TestClosedPairIsReplacedForGUI(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()
	spare := h.state.free

	h.state.OnClosed(backend.handle, errors.New("eof"))

	p, ok := h.state.Registry().Paired(gui.handle)
	require.True(t, ok)
	require.Equal(t, spare, p.Handle())
	require.NotZero(t, h.state.free)
	require.NotEqual(t, spare, h.state.free)
}

func TestUnpairedGUILoginTakesSpare(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()
	h.state.reg.Evict(backend.handle)
	spare := h.tr.get(h.state.free)

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.UserLoginReq{Base: protocol.Base{MsgID: "l1"}, UserName: "alice"}))

	require.Equal(t, "l1", lastOf[*protocol.UserLoginReq](t, spare).ID())
	require.NotEqual(t, spare.handle, h.state.free, "spare is replaced once handed to a login")

	h.state.HandleBackend(spare.handle, frameOf(t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "l1"}, ErrCode: protocol.CodeSucceed, UserID: "u1", UserName: "alice",
	}))

	g, ok := h.state.Registry().GUI("u1")
	require.True(t, ok)
	require.Equal(t, gui.handle, g.Handle())
	require.Equal(t, protocol.CodeSucceed, lastOf[*protocol.UserLoginRsp](t, gui).ErrCode)
	require.Empty(t, h.gw.published)

	next, _ := h.connectGUI()
	p, ok := h.state.Registry().Paired(next.handle)
	require.True(t, ok)
	require.NotEqual(t, spare.handle, p.Handle())
}

func TestLoginWithoutAnySessionAnswersNoSession(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()
	h.state.reg.Evict(backend.handle)
	h.state.reg.Evict(h.state.free)

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.UserLoginReq{Base: protocol.Base{MsgID: "l1"}, UserName: "alice"}))

	rsp := lastOf[*protocol.UserLoginRsp](t, gui)
	require.Equal(t, protocol.CodeNoSession, rsp.ErrCode)
	require.Equal(t, "l1", rsp.ID())
}

func TestUnknownGUIFrameIsAnsweredWithError(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()

	h.state.HandleGUI(gui.handle, protocol.Frame{Type: 999999, Payload: []byte(`{}`)})

	rsp := lastOf[*protocol.ProtocolErrorRsp](t, gui)
	require.Equal(t, protocol.CodeUnknownMessage, rsp.ErrCode)
	require.Equal(t, protocol.MsgType(999999), rsp.MsgType)
	require.Empty(t, backend.messages())
}

func TestDispatchLeavesFrameCountingToSessions(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	gui := metrics.Frames.WithLabelValues("gui", "in")
	backend := metrics.Frames.WithLabelValues("backend", "in")
	beforeGUI, beforeBackend := testutil.ToFloat64(gui), testutil.ToFloat64(backend)

	h.guiSays(alice, &protocol.KeepAliveReq{Base: protocol.Base{MsgID: "k1"}, UserID: "u1"})
	h.backendSays(alice, &protocol.KeepAliveRsp{Base: protocol.Base{MsgID: "k1"}, UserID: "u1"})

	require.Equal(t, beforeGUI, testutil.ToFloat64(gui))
	require.Equal(t, beforeBackend, testutil.ToFloat64(backend))
}

func TestLogoutWithoutBackendAnswersNoSession(t *testing.T) {
	h := newHarness(t)
	gui, _ := h.connectGUI()

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.UserLogoutReq{Base: protocol.Base{MsgID: "o1"}, UserID: "u9"}))

	rsp := lastOf[*protocol.UserLogoutRsp](t, gui)
	require.Equal(t, protocol.CodeNoSession, rsp.ErrCode)
}

func TestUnroutableGUIRequestWithoutUser(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()
	h.state.reg.Evict(backend.handle)

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.KeepAliveReq{Base: protocol.Base{MsgID: "k1"}}))

	rsp := lastOf[*protocol.ProtocolErrorRsp](t, gui)
	require.Equal(t, protocol.CodeNoSession, rsp.ErrCode)
	require.Equal(t, "k1", rsp.ID())
}

func TestPassthroughIsForwardedVerbatim(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	body := []byte(`{"msg_id":"f1","user_id":"u1","friend_name":"bob","extra":[1,2]}`)
	h.state.HandleGUI(alice.gui.handle, protocol.Frame{Type: protocol.TypeFindFriendReq, Payload: body})

	p := lastOf[*protocol.Passthrough](t, alice.backend)
	require.Equal(t, protocol.TypeFindFriendReq, p.Type())
	raw, err := protocol.Encode(p)
	require.NoError(t, err)
	require.Equal(t, body, raw[protocol.HeaderSize:])
}

func TestRetryQueueDeliversOnceWhenBackendAppears(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	h.state.reg.Evict(alice.backend.handle)

	h.guiSays(alice, &protocol.KeepAliveReq{Base: protocol.Base{MsgID: "q1"}, UserID: "u1"})
	require.Equal(t, 1, h.state.retry.Len())

	for i := 0; i < 10; i++ {
		h.state.Tick()
	}
	require.Equal(t, 1, h.state.retry.Len(), "no backend yet")

	nb := h.tr.add(h.state.reg.NewHandle(), session.KindBackend)
	h.state.reg.Add(nb)
	h.state.reg.Bind("u1", "alice", nb.handle)

	for i := 0; i < 20; i++ {
		h.state.Tick()
	}
	require.Zero(t, h.state.retry.Len())
	var ids []string
	for _, m := range nb.messages() {
		if m.ID() == "q1" {
			ids = append(ids, m.ID())
		}
	}
	require.Equal(t, []string{"q1"}, ids)
}

func TestHistoryIsAnsweredLocally(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	alice.store.sentText = []protocol.ChatMsg{{MsgID: "c1", SenderID: "u1", ReceiverID: "u2", Context: "hi"}}

	h.guiSays(alice, &protocol.GetFriendChatHistoryReq{Base: protocol.Base{MsgID: "h1"}, UserID: "u1", FriendID: "u2", Count: 10})

	rsp := lastOf[*protocol.GetFriendChatHistoryRsp](t, alice.gui)
	require.Equal(t, protocol.CodeSucceed, rsp.ErrCode)
	require.Len(t, rsp.Messages, 1)
	require.Empty(t, alice.backend.messages())

	gui, _ := h.connectGUI()
	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.GetGroupChatHistoryReq{Base: protocol.Base{MsgID: "h2"}, GroupID: "g1"}))
	require.Equal(t, protocol.CodeNotLoggedIn, lastOf[*protocol.GetGroupChatHistoryRsp](t, gui).ErrCode)
}

func TestLogoutUnbindsAndRepairsGUI(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.guiSays(alice, &protocol.UserLogoutReq{Base: protocol.Base{MsgID: "o1"}, UserID: "u1", UserName: "alice"})
	require.Equal(t, "o1", lastOf[*protocol.UserLogoutReq](t, alice.backend).ID())

	h.backendSays(alice, &protocol.UserLogoutRsp{Base: protocol.Base{MsgID: "o1"}, ErrCode: protocol.CodeSucceed, UserID: "u1"})

	require.Equal(t, protocol.CodeSucceed, lastOf[*protocol.UserLogoutRsp](t, alice.gui).ErrCode)
	reg := h.state.Registry()
	_, ok := reg.GUI("u1")
	require.False(t, ok)
	require.True(t, alice.backend.closed)
	require.True(t, alice.udp.closed)
	require.False(t, alice.gui.closed)
	require.Equal(t, LoggedOut, reg.LoginState("u1"))
	_, ok = reg.Paired(alice.gui.handle)
	require.True(t, ok, "gui is ready for another login")
}

func TestGUICloseUnbindsUser(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.state.OnClosed(alice.gui.handle, errors.New("eof"))

	reg := h.state.Registry()
	require.True(t, alice.gui.closed)
	require.True(t, alice.backend.closed)
	require.True(t, alice.udp.closed)
	_, ok := reg.LookupUserID("alice")
	require.False(t, ok)
	require.Empty(t, reg.LoggedInUsers())
}

func TestBackendDropReportsAndRecovers(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	alice.backend.connected = false
	h.state.OnDisconnected(alice.backend.handle, errors.New("reset"))

	require.Equal(t, "u1", lastOf[*protocol.NetFailedReport](t, alice.gui).UserID)
	require.Equal(t, LoginSent, h.state.Registry().LoginState("u1"))
	require.Contains(t, h.state.reconnect, alice.backend.handle)

	connects := alice.backend.connects
	h.state.Tick()
	require.Equal(t, connects+1, alice.backend.connects)

	h.state.OnConnected(alice.backend.handle)
	replay := lastOf[*protocol.UserLoginReq](t, alice.backend)
	require.Equal(t, "alice", replay.UserName)

	h.backendSays(alice, &protocol.UserLoginRsp{
		Base: replay.Base, ErrCode: protocol.CodeSucceed, UserID: "u1", UserName: "alice",
	})
	require.Equal(t, "u1", lastOf[*protocol.NetRecoverReport](t, alice.gui).UserID)
	require.Empty(t, h.state.reconnect)
	require.Equal(t, LoginFinished, h.state.Registry().LoginState("u1"))
}

func TestBackendClosedIsReplacedUnderSameUser(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.state.OnClosed(alice.backend.handle, session.ErrQueueFull)

	b, ok := h.state.Registry().Backend("u1")
	require.True(t, ok)
	require.NotEqual(t, alice.backend.handle, b.Handle())
	require.Contains(t, h.state.reconnect, b.Handle())
	require.NotNil(t, lastOf[*protocol.NetFailedReport](t, alice.gui))
}

func TestGUINetFailureSendsStoredLogout(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.guiSays(alice, &protocol.NetFailedReport{Base: protocol.Base{MsgID: "n1"}, UserID: "u1"})

	logout := lastOf[*protocol.UserLogoutReq](t, alice.backend)
	require.Equal(t, "u1", logout.UserID)
	require.Equal(t, "alice", logout.UserName)
}

func TestIdleShutdownAfterThresholdWindows(t *testing.T) {
	h := newHarness(t)
	for i := 1; i < 240; i++ {
		require.False(t, h.state.Tick(), "tick %d", i)
		if i == 60 || i == 120 || i == 180 {
			require.Equal(t, i/60, h.state.idleRuns)
		}
	}
	require.True(t, h.state.Tick(), "fourth idle window shuts down")
}

func TestIdleCounterResetsWithUsers(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 120; i++ {
		h.state.Tick()
	}
	require.Equal(t, 2, h.state.idleRuns)

	h.login("u1", "alice")
	for i := 0; i < 300; i++ {
		require.False(t, h.state.Tick())
	}
	require.Zero(t, h.state.idleRuns)
}

func TestKeepaliveAndRendezvousEveryThirtyTicks(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	peer := netip.MustParseAddrPort("10.0.0.2:5000")
	h.state.reg.SetUDPAddr("u2", peer)

	h.backendSays(alice, &protocol.GetFriendListRsp{
		Base: protocol.Base{MsgID: "fl"}, ErrCode: protocol.CodeSucceed, UserID: "u1",
		Teams: []protocol.FriendTeam{{TeamID: "t", Friends: []protocol.FriendInfo{{UserID: "u2"}, {UserID: "u3"}, {UserID: "u1"}}}},
	})
	require.Equal(t, []string{"u2", "u3"}, h.state.friends["u1"])
	alice.backend.reset()

	for i := 0; i < 29; i++ {
		h.state.Tick()
	}
	require.Empty(t, alice.backend.messages())

	h.state.Tick()
	require.NotNil(t, lastOf[*protocol.KeepAliveReq](t, alice.backend))
	query := lastOf[*protocol.QueryUDPAddrReq](t, alice.backend)
	require.Equal(t, "u3", query.UDPUserID)

	alice.udp.mu.Lock()
	out := append([]sent(nil), alice.udp.out...)
	alice.udp.mu.Unlock()
	var toServer, toPeer int
	for _, s := range out {
		switch m := s.msg.(type) {
		case *protocol.KeepAliveReq:
			require.False(t, s.to.IsValid())
			toServer++
		case *protocol.UDPP2PStartReq:
			require.Equal(t, peer, s.to)
			require.Equal(t, "u2", m.FriendID)
			toPeer++
		}
	}
	require.Equal(t, 1, toServer)
	require.Equal(t, 1, toPeer)
}

func TestRendezvousQueuesQueryWithoutBackend(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	h.state.friends["u1"] = []string{"u3"}
	h.state.reg.Evict(alice.backend.handle)

	h.state.rendezvous()

	pending := h.state.retry.Pending("u1")
	require.Len(t, pending, 1)
	require.Equal(t, protocol.TypeQueryUDPAddrReq, pending[0].Type())
}

func TestUDPPath(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	peer := netip.MustParseAddrPort("10.0.0.2:5000")

	h.udpSays(alice, udpServer, &protocol.KeepAliveRsp{Base: protocol.Base{MsgID: "ka"}, UserID: "u1"})
	probe := lastOf[*protocol.UDPP2PStartReq](t, alice.udp)
	require.Equal(t, "u1", probe.UserID)
	require.Equal(t, "u1", probe.FriendID)

	h.udpSays(alice, udpServer, &protocol.UDPP2PStartRsp{Base: protocol.Base{MsgID: "p"}, UserID: "u1", FriendID: "u1"})
	_, ok := h.state.reg.LastKeepalive("u1")
	require.True(t, ok)

	alice.udp.reset()
	h.udpSays(alice, peer, &protocol.UDPP2PStartReq{Base: protocol.Base{MsgID: "s1"}, UserID: "u2", FriendID: "u1"})
	alice.udp.mu.Lock()
	reply := alice.udp.out[0]
	alice.udp.mu.Unlock()
	require.Equal(t, peer, reply.to)
	rsp := reply.msg.(*protocol.UDPP2PStartRsp)
	require.Equal(t, "u1", rsp.UserID)
	require.Equal(t, "u2", rsp.FriendID)
	require.Equal(t, "s1", rsp.ID())

	h.udpSays(alice, peer, &protocol.UDPP2PStartRsp{Base: protocol.Base{MsgID: "s2"}, UserID: "u2", FriendID: "u1"})
	addr, ok := h.state.reg.UDPAddr("u2")
	require.True(t, ok)
	require.Equal(t, peer, addr)
}

func TestQueryUDPAddrAnswers(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.backendSays(alice, &protocol.QueryUDPAddrRsp{Base: protocol.Base{MsgID: "q"}, ErrCode: protocol.CodeFailed, UserID: "u1", UDPUserID: "u3"})
	require.Len(t, h.state.retry.Pending("u1"), 1)

	h.backendSays(alice, &protocol.QueryUDPAddrRsp{
		Base: protocol.Base{MsgID: "q2"}, ErrCode: protocol.CodeSucceed, UserID: "u1", UDPUserID: "u3",
		Addr: protocol.Endpoint{IP: "10.0.0.3", Port: 7000},
	})
	addr, ok := h.state.reg.UDPAddr("u3")
	require.True(t, ok)
	require.Equal(t, "10.0.0.3:7000", addr.String())
	require.Equal(t, "u3", lastOf[*protocol.UDPP2PStartReq](t, alice.udp).FriendID)
}

func TestUnreadNotifyIsAcked(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.backendSays(alice, &protocol.FriendUnReadNotifyReq{Base: protocol.Base{MsgID: "un"}, UserID: "u1"})

	require.Equal(t, "un", lastOf[*protocol.FriendUnReadNotifyRsp](t, alice.backend).ID())
	require.Equal(t, "un", lastOf[*protocol.FriendUnReadNotifyReq](t, alice.gui).ID())
}

func TestAddFriendMessagesArePersisted(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.backendSays(alice, &protocol.AddFriendRecvReq{Base: protocol.Base{MsgID: "a1"}, UserID: "u1", FriendID: "u2", FriendName: "bob"})
	h.backendSays(alice, &protocol.AddFriendNotifyReq{Base: protocol.Base{MsgID: "a2"}, UserID: "u1", FriendID: "u2", Option: "accept"})

	require.Len(t, alice.store.requests, 1)
	require.Len(t, alice.store.notifies, 1)
	require.Len(t, alice.gui.messages(), 2)
}

func TestUnregisterRemovesUserData(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.backendSays(alice, &protocol.UserUnRegisterRsp{Base: protocol.Base{MsgID: "un"}, ErrCode: protocol.CodeSucceed, UserID: "u1", UserName: "alice"})

	require.True(t, alice.store.closed)
	require.NoDirExists(t, filepath.Join(h.dir, "alice"))
	require.Empty(t, h.state.Registry().LoggedInUsers())
}

func TestUnregisterNeverLeavesDataDir(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	outside := filepath.Join(filepath.Dir(h.dir), "keep")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("x"), 0o644))
	free := h.tr.get(h.state.free)

	for _, name := range []string{"../keep", "..", ".", "a/b", `a\b`} {
		h.state.HandleBackend(free.handle, frameOf(t, &protocol.UserUnRegisterRsp{
			Base: protocol.Base{MsgID: "un-" + name}, ErrCode: protocol.CodeSucceed, UserName: name,
		}))
	}

	require.FileExists(t, filepath.Join(outside, "keep.txt"))
	require.DirExists(t, filepath.Join(h.dir, "alice", "Image"))
	require.False(t, alice.store.closed)
}

func TestLoginWithUnsafeNameIsRefused(t *testing.T) {
	h := newHarness(t)
	gui, backend := h.connectGUI()

	h.state.HandleGUI(gui.handle, frameOf(t, &protocol.UserLoginReq{Base: protocol.Base{MsgID: "l1"}, UserName: "../evil"}))
	h.state.HandleBackend(backend.handle, frameOf(t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "l1"}, ErrCode: protocol.CodeSucceed, UserID: "u6", UserName: "../evil",
	}))

	rsp := lastOf[*protocol.UserLoginRsp](t, gui)
	require.Equal(t, protocol.CodeLoginFailed, rsp.ErrCode)
	require.Equal(t, "u6", lastOf[*protocol.UserLogoutReq](t, backend).UserID)
	_, ok := h.state.Registry().Backend("u6")
	require.False(t, ok)
	require.NoDirExists(t, filepath.Join(filepath.Dir(h.dir), "evil"))
	require.Empty(t, h.open.stores)
}

func TestValidUserName(t *testing.T) {
	for name, want := range map[string]bool{
		"alice": true, "bob smith": true, "张三": true,
		"": false, ".": false, "..": false, "../x": false, "a/b": false, `a\b`: false, "/abs": false,
	} {
		require.Equal(t, want, validUserName(name), "name %q", name)
	}
}

func TestGatewayRequests(t *testing.T) {
	h := newHarness(t)
	free := h.tr.get(h.state.free)

	require.NoError(t, h.state.HandleGateway("", &protocol.UserRegisterReq{Base: protocol.Base{MsgID: "r1"}, UserName: "carol"}))
	require.Equal(t, "r1", lastOf[*protocol.UserRegisterReq](t, free).ID())

	h.state.HandleBackend(free.handle, frameOf(t, &protocol.UserRegisterRsp{Base: protocol.Base{MsgID: "r1"}, UserName: "carol"}))
	require.Len(t, h.gw.published, 1)
	require.Equal(t, "r1", h.gw.published[0].msg.ID())

	err := h.state.HandleGateway("nobody", &protocol.GetFriendListReq{Base: protocol.Base{MsgID: "x"}, UserID: "nobody"})
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, h.state.HandleGateway("", &protocol.UserLoginReq{Base: protocol.Base{MsgID: "l9"}, UserName: "carol"}))
	require.NotEqual(t, free.handle, h.state.free, "login takes the spare")
	h.state.HandleBackend(free.handle, frameOf(t, &protocol.UserLoginRsp{
		Base: protocol.Base{MsgID: "l9"}, ErrCode: protocol.CodeSucceed, UserID: "u7", UserName: "carol",
	}))
	b, ok := h.state.Registry().Backend("u7")
	require.True(t, ok)
	require.Equal(t, free.handle, b.Handle())
	_, ok = h.state.Registry().GUI("u7")
	require.False(t, ok)
	require.Equal(t, "l9", h.gw.published[len(h.gw.published)-1].msg.ID())

	require.NoError(t, h.state.HandleGateway("u7", &protocol.GetFriendChatHistoryReq{Base: protocol.Base{MsgID: "hist"}, UserID: "u7"}))
	require.Equal(t, "hist", h.gw.published[len(h.gw.published)-1].msg.ID())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.login("u1", "alice")

	snap := h.state.Snapshot()
	require.Len(t, snap.Users, 1)
	require.Equal(t, "alice", snap.Users[0].UserName)
	require.Equal(t, "login_finished", snap.Users[0].LoginState)
	require.True(t, snap.Users[0].GUI)
	require.Equal(t, 1, snap.Sessions["gui"])
	require.Equal(t, 2, snap.Sessions["backend"])
	require.Equal(t, 1, snap.Sessions["udp"])
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	require.NoError(t, h.state.Close())
	require.True(t, alice.gui.closed)
	require.True(t, alice.store.closed)
	require.Zero(t, h.state.Registry().Len())
}
