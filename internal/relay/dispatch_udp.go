package relay

import (
	"net/netip"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
)

// HandleUDP dispatches one datagram received on a user's UDP session.
func (s *RelayState) HandleUDP(h session.Handle, from netip.AddrPort, f protocol.Frame) {
	sess, ok := s.reg.Get(h)
	if !ok {
		return
	}
	u, ok := sess.(UDPConn)
	if !ok {
		return
	}

	msg, err := protocol.Decode(f)
	if err != nil {
		s.log.Debug("drop udp frame", zap.Stringer("from", from), zap.Stringer("type", f.Type), zap.Error(err))
		return
	}
	userID, _ := s.reg.Owner(h)

	switch m := msg.(type) {
	case *protocol.KeepAliveRsp:
		s.sendUDP(u, netip.AddrPort{}, &protocol.UDPP2PStartReq{
			Base:     protocol.Base{MsgID: s.msgID()},
			UserID:   userID,
			FriendID: userID,
		})
	case *protocol.UDPP2PStartReq:
		s.sendUDP(u, from, &protocol.UDPP2PStartRsp{
			Base:     m.Base,
			ErrCode:  protocol.CodeSucceed,
			UserID:   m.FriendID,
			FriendID: m.UserID,
		})
	case *protocol.UDPP2PStartRsp:
		if m.UserID == m.FriendID {
			s.reg.TouchKeepalive(userID, s.now())
			return
		}
		s.reg.SetUDPAddr(m.UserID, from)
		s.log.Info("p2p path established", zap.String("user_id", userID), zap.String("friend_id", m.UserID), zap.Stringer("addr", from))
	case *protocol.FileDataSendReq:
		code := s.receiveUDPChunk(userID, from, m)
		s.sendUDP(u, from, &protocol.FileDataSendRsp{Base: m.Base, ChunkHeader: m.ChunkHeader, ErrCode: code})
	case *protocol.FileDataSendRsp:
		s.chunkAcked(userID, m.ChunkHeader, m.ErrCode)
	case *protocol.FileDataRecvReq:
		code := s.receiveChunk(userID, m.ChunkHeader, m.Data)
		s.sendUDP(u, from, &protocol.FileDataRecvRsp{Base: m.Base, ChunkHeader: m.ChunkHeader, ErrCode: code})
	default:
		s.log.Debug("ignore udp message", zap.Stringer("type", m.Type()), zap.Stringer("from", from))
	}
}

// sendUDP sends to addr, or to the relay server when addr is zero.
func (s *RelayState) sendUDP(u UDPConn, addr netip.AddrPort, m protocol.Message) {
	var err error
	if addr.IsValid() {
		err = u.SendTo(addr, m)
	} else {
		err = u.SendToServer(m)
	}
	if err != nil {
		s.log.Debug("udp send", zap.Stringer("type", m.Type()), zap.Error(err))
	}
}

// receiveUDPChunk writes a chunk of an online transfer. The first chunk names
// the file, so the receive context is created on demand.
func (s *RelayState) receiveUDPChunk(userID string, from netip.AddrPort, m *protocol.FileDataSendReq) protocol.ErrCode {
	if _, ok := s.engine.Lookup(userID, protocol.DirectionRecv, m.FileID); !ok && m.Index == 1 && m.FileName != "" {
		ft := m.FileType
		if ft == "" {
			ft = protocol.FileTypeFile
		}
		mode := ModeUDPDirect
		if from == s.cfg.UDPServer {
			mode = ModeUDPServer
		}
		name := filepath.Base(m.FileName)
		t := &Transfer{
			FileID:    m.FileID,
			UserID:    userID,
			PeerID:    m.UserID,
			Name:      name,
			Path:      filepath.Join(s.transferDir(userID, ft), name),
			Hash:      m.FileHash,
			Type:      ft,
			Direction: protocol.DirectionRecv,
			Mode:      mode,
			Total:     m.Total,
		}
		if err := s.engine.StartReceive(t); err != nil {
			s.log.Warn("open udp receive file", zap.String("user_id", userID), zap.Error(err))
			return protocol.CodeFailed
		}
	}
	return s.receiveChunk(userID, m.ChunkHeader, m.Data)
}
