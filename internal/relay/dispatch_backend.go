package relay

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

// HandleBackend dispatches one frame received from a backend session.
func (s *RelayState) HandleBackend(h session.Handle, f protocol.Frame) {
	b, ok := s.reg.Get(h)
	if !ok {
		return
	}

	msg, err := protocol.Decode(f)
	if err != nil {
		s.log.Warn("drop backend frame", zap.Uint64("handle", uint64(h)), zap.Stringer("type", f.Type), zap.Error(err))
		return
	}

	userID, _ := s.reg.Owner(h)
	if userID == "" {
		userID = protocol.OwnerOf(msg)
	}

	switch m := msg.(type) {
	case *protocol.UserLoginRsp:
		s.loginAnswered(h, m)
	case *protocol.UserLogoutRsp:
		s.deliver(h, userID, m)
		if m.ErrCode == protocol.CodeSucceed && userID != "" {
			s.unbind(userID)
			s.log.Info("user logged out", zap.String("user_id", userID))
		}
	case *protocol.UserRegisterRsp:
		s.deliver(h, "", m)
	case *protocol.UserUnRegisterRsp:
		s.deliver(h, "", m)
		if m.ErrCode == protocol.CodeSucceed {
			s.unregistered(m)
		}
	case *protocol.KeepAliveReq, *protocol.KeepAliveRsp:
		s.udpKeepalive(userID)
	case *protocol.FriendChatRecvTxtReq:
		s.inboundChat(userID, m.Chat.MsgID, m, m.Chat.Context)
	case *protocol.RecvGroupTextReq:
		s.inboundChat(userID, m.Chat.MsgID, m, m.Chat.Context)
	case *protocol.FriendChatSendTxtRsp:
		if m.ErrCode == protocol.CodeSucceed {
			m.Chat.Context = s.localizeImages(userID, m.Chat.Context, nil)
			if st, ok := s.store(userID); ok {
				if err := st.SaveSentText(s.ctx, m.Chat); err != nil {
					s.log.Warn("save sent chat", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
		s.deliver(h, userID, m)
	case *protocol.SendGroupTextRsp:
		if m.ErrCode == protocol.CodeSucceed {
			m.Chat.Context = s.localizeImages(userID, m.Chat.Context, nil)
			if st, ok := s.store(userID); ok {
				if err := st.SaveSentGroupText(s.ctx, m.Chat); err != nil {
					s.log.Warn("save sent group chat", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
		s.deliver(h, userID, m)
	case *protocol.FileSendDataBeginReq:
		s.beginReceive(b, userID, m)
	case *protocol.FileSendDataBeginRsp:
		s.beginAnswered(h, userID, m)
	case *protocol.FileDataSendRsp:
		s.chunkAcked(userID, m.ChunkHeader, m.ErrCode)
	case *protocol.FileDataRecvReq:
		code := s.receiveChunk(userID, m.ChunkHeader, m.Data)
		if err := b.Send(&protocol.FileDataRecvRsp{Base: m.Base, ChunkHeader: m.ChunkHeader, ErrCode: code}); err != nil {
			s.log.Warn("ack chunk", zap.String("user_id", userID), zap.Error(err))
		}
	case *protocol.FileVerifyReq:
		s.verifyReceived(b, userID, m)
	case *protocol.FileVerifyRsp:
		s.verifyAnswered(userID, m)
	case *protocol.FileDownloadRsp:
		s.downloadAnswered(userID, m)
	case *protocol.FriendNotifyFileReq:
		s.offerAnswered(userID, m)
		s.deliver(h, userID, m)
	case *protocol.GetFriendListRsp:
		if m.ErrCode == protocol.CodeSucceed {
			s.friends[userID] = m.FriendIDs()
		}
		s.deliver(h, userID, m)
	case *protocol.QueryUDPAddrRsp:
		s.udpAddrAnswered(userID, m)
	case *protocol.FriendUnReadNotifyReq:
		if err := b.Send(&protocol.FriendUnReadNotifyRsp{Base: m.Base, UserID: m.UserID}); err != nil {
			s.log.Warn("ack unread notify", zap.String("user_id", userID), zap.Error(err))
		}
		s.deliver(h, userID, m)
	case *protocol.AddFriendRecvReq:
		if st, ok := s.store(userID); ok {
			if err := st.SaveAddFriendRequest(s.ctx, m); err != nil {
				s.log.Warn("save add friend request", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.deliver(h, userID, m)
	case *protocol.AddFriendNotifyReq:
		if st, ok := s.store(userID); ok {
			if err := st.SaveAddFriendNotify(s.ctx, m); err != nil {
				s.log.Warn("save add friend notify", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.deliver(h, userID, m)
	default:
		s.deliver(h, userID, m)
	}
}

// loginAnswered binds the user's sessions once the backend accepts a login.
func (s *RelayState) loginAnswered(h session.Handle, m *protocol.UserLoginRsp) {
	if m.ErrCode != protocol.CodeSucceed || m.UserID == "" {
		s.deliver(h, "", m)
		return
	}
	userID, name := m.UserID, m.UserName
	if name == "" {
		name, _ = s.reg.LookupUserName(userID)
	}

	if !validUserName(name) {
		s.log.Error("refusing login with unusable user name", zap.String("user_id", userID), zap.String("user_name", name))
		if b, ok := s.reg.Get(h); ok {
			_ = b.Send(&protocol.UserLogoutReq{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID, UserName: name})
		}
		rsp := *m
		rsp.ErrCode, rsp.ErrMsg = protocol.CodeLoginFailed, "invalid user name"
		s.deliver(h, "", &rsp)
		return
	}

	gui, hasGUI := s.reg.Paired(h)
	s.reg.Bind(userID, name, h)
	if hasGUI {
		s.reg.Bind(userID, name, gui.Handle())
	}
	s.reg.Unpair(h)
	s.ensureUDP(userID, name)
	s.reg.SetLoginState(userID, LoginFinished)
	s.updateLoggedIn()

	if err := s.openUser(userID, name); err != nil {
		s.log.Error("prepare user storage", zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.toBackend(userID, &protocol.GetFriendListReq{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID}); err != nil {
		s.log.Warn("request friend list", zap.String("user_id", userID), zap.Error(err))
	}
	s.deliver(h, userID, m)
	s.log.Info("user logged in", zap.String("user_id", userID), zap.String("user_name", name), zap.Bool("gui", hasGUI))

	if started, ok := s.reconnect[h]; ok {
		delete(s.reconnect, h)
		latency := s.now().Sub(started)
		metrics.ReconnectLatency.Observe(latency.Seconds())
		s.log.Info("backend session recovered", zap.String("user_id", userID), zap.Duration("latency", latency))
		s.toGUI(userID, &protocol.NetRecoverReport{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID})
	}
}

func (s *RelayState) ensureUDP(userID, name string) {
	if _, ok := s.reg.UDP(userID); ok {
		return
	}
	u, err := s.transport.NewUDP(s.reg.NewHandle())
	if err != nil {
		s.log.Warn("open udp session", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.reg.Add(u)
	s.reg.Bind(userID, name, u.Handle())
}

func (s *RelayState) udpConn(userID string) (UDPConn, bool) {
	sess, ok := s.reg.UDP(userID)
	if !ok {
		return nil, false
	}
	u, ok := sess.(UDPConn)
	return u, ok
}

func (s *RelayState) udpKeepalive(userID string) {
	u, ok := s.udpConn(userID)
	if !ok {
		return
	}
	if err := u.SendToServer(&protocol.KeepAliveReq{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID}); err != nil {
		s.log.Debug("udp keepalive", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *RelayState) unregistered(m *protocol.UserUnRegisterRsp) {
	userID := m.UserID
	if userID == "" {
		userID, _ = s.reg.LookupUserID(m.UserName)
	}
	if userID != "" {
		s.unbind(userID)
		s.retry.Drop(userID)
	}
	delete(s.logins, m.UserName)
	if err := s.removeUser(userID, m.UserName); err != nil {
		s.log.Warn("remove unregistered user data", zap.String("user_name", m.UserName), zap.Error(err))
	}
}

// inboundChat delivers a received chat once every image it references is on
// disk, downloading the missing ones first.
func (s *RelayState) inboundChat(userID, chatID string, msg protocol.Message, text string) {
	var missing []string
	for _, name := range protocol.ParseContent(text).Images() {
		if _, err := os.Stat(filepath.Join(s.imageDir(userID), filepath.Base(name))); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 || chatID == "" {
		s.completeInbound(userID, msg, nil)
		return
	}
	s.recv.Hold(userID, chatID, msg, missing)
	for _, name := range missing {
		s.forward(userID, &protocol.FileDownloadReq{
			Base:        protocol.Base{MsgID: s.msgID()},
			UserID:      userID,
			RelateMsgID: chatID,
			FileName:    name,
		})
	}
}

// completeInbound rewrites image references to local paths, delivers,
// persists and acknowledges an inbound chat.
func (s *RelayState) completeInbound(userID string, msg protocol.Message, paths map[string]string) {
	st, hasStore := s.store(userID)
	switch m := msg.(type) {
	case *protocol.FriendChatRecvTxtReq:
		m.Chat.Context = s.localizeImages(userID, m.Chat.Context, paths)
		s.deliver(0, userID, m)
		if hasStore {
			if err := st.SaveReceivedText(s.ctx, m.Chat); err != nil {
				s.log.Warn("save received chat", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.forward(userID, &protocol.FriendChatRecvTxtRsp{
			Base: m.Base, UserID: userID, FriendID: m.Chat.SenderID, ChatMsgID: m.Chat.MsgID,
		})
	case *protocol.RecvGroupTextReq:
		m.Chat.Context = s.localizeImages(userID, m.Chat.Context, paths)
		s.deliver(0, userID, m)
		if hasStore {
			if err := st.SaveReceivedGroupText(s.ctx, m.Chat); err != nil {
				s.log.Warn("save received group chat", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.forward(userID, &protocol.RecvGroupTextRsp{
			Base: m.Base, UserID: userID, GroupID: m.Chat.GroupID, ChatMsgID: m.Chat.MsgID,
		})
	default:
		s.deliver(0, userID, msg)
	}
}

// localizeImages points image references at the user's Image directory.
func (s *RelayState) localizeImages(userID, text string, paths map[string]string) string {
	content := protocol.ParseContent(text)
	if len(content.Images()) == 0 {
		return text
	}
	dir := s.imageDir(userID)
	content.MapImages(func(name string) string {
		if p, ok := paths[name]; ok {
			return p
		}
		if filepath.IsAbs(name) && filepath.Dir(name) == dir {
			return name
		}
		return filepath.Join(dir, filepath.Base(name))
	})
	return content.String()
}

// storedByHash finds a verified local copy of hash for userID.
func (s *RelayState) storedByHash(userID, hash string) (string, bool) {
	st, ok := s.store(userID)
	if !ok || hash == "" {
		return "", false
	}
	p, found, err := st.FileByHash(s.ctx, hash)
	if err != nil || !found {
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

func (s *RelayState) downloadAnswered(userID string, m *protocol.FileDownloadRsp) {
	if m.ErrCode != protocol.CodeSucceed {
		s.log.Warn("image download failed", zap.String("user_id", userID), zap.String("file", m.FileName), zap.Stringer("code", m.ErrCode))
		if held, done := s.recv.Resolve(userID, m.RelateMsgID, m.FileName, ""); done {
			s.completeInbound(held.user, held.msg, held.paths)
		}
		return
	}
	if p, ok := s.storedByHash(userID, m.FileHash); ok {
		s.resolveDownload(userID, m.RelateMsgID, m.FileName, p)
		return
	}
	local := filepath.Join(s.imageDir(userID), filepath.Base(m.FileName))
	if got, err := HashFile(local); err == nil && got == m.FileHash {
		s.resolveDownload(userID, m.RelateMsgID, m.FileName, local)
		return
	}
	s.recv.Expect(userID, m.RelateMsgID, m.FileName, m.FileHash)
}

func (s *RelayState) resolveDownload(userID, msgID, name, path string) {
	if held, done := s.recv.Resolve(userID, msgID, name, path); done {
		s.completeInbound(held.user, held.msg, held.paths)
	}
}

// imageReady releases inbound chats waiting on hash.
func (s *RelayState) imageReady(userID, hash, path string) {
	for _, held := range s.recv.ResolveHash(userID, hash, path) {
		s.completeInbound(held.user, held.msg, held.paths)
	}
}

func (s *RelayState) udpAddrAnswered(userID string, m *protocol.QueryUDPAddrRsp) {
	if _, tracked := s.gwRequests[m.ID()]; tracked {
		s.deliver(0, userID, m)
	}
	addr, ok := m.Addr.AddrPort()
	if m.ErrCode != protocol.CodeSucceed || !ok {
		s.retry.Push(userID, &protocol.QueryUDPAddrReq{
			Base:      protocol.Base{MsgID: s.msgID()},
			UserID:    userID,
			UDPUserID: m.UDPUserID,
		})
		return
	}
	s.reg.SetUDPAddr(m.UDPUserID, addr)
	if u, ok := s.udpConn(userID); ok {
		_ = u.SendTo(addr, &protocol.UDPP2PStartReq{
			Base:     protocol.Base{MsgID: s.msgID()},
			UserID:   userID,
			FriendID: m.UDPUserID,
		})
	}
}
