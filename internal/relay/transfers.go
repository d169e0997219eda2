package relay

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

func (s *RelayState) transferDir(userID string, ft protocol.FileType) string {
	if ft == protocol.FileTypeImage {
		return s.imageDir(userID)
	}
	return s.recvDir(userID)
}

// beginReceive answers an upload announced to userID. A hash that is already
// stored short-circuits the transfer.
func (s *RelayState) beginReceive(b session.Session, userID string, m *protocol.FileSendDataBeginReq) {
	rsp := &protocol.FileSendDataBeginRsp{
		Base:     m.Base,
		UserID:   m.UserID,
		FriendID: m.FriendID,
		FileID:   m.FileID,
		FileName: m.FileName,
		FileHash: m.FileHash,
	}
	defer func() {
		if err := b.Send(rsp); err != nil {
			s.log.Warn("answer upload begin", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	if p, ok := s.storedByHash(userID, m.FileHash); ok {
		rsp.ErrCode = protocol.CodeFileTransferring
		s.log.Debug("upload deduplicated", zap.String("user_id", userID), zap.String("hash", m.FileHash))
		s.imageReady(userID, m.FileHash, p)
		return
	}

	ft := m.FileType
	if ft == "" {
		ft = protocol.FileTypeFile
	}
	name := filepath.Base(m.FileName)
	t := &Transfer{
		FileID:    m.FileID,
		UserID:    userID,
		PeerID:    m.UserID,
		Name:      name,
		Path:      filepath.Join(s.transferDir(userID, ft), name),
		Hash:      m.FileHash,
		Size:      m.FileSize,
		Type:      ft,
		Direction: protocol.DirectionRecv,
		Mode:      ModeBackend,
	}
	if err := s.engine.StartReceive(t); err != nil {
		s.log.Warn("open receive file", zap.String("user_id", userID), zap.Error(err))
		rsp.ErrCode = protocol.CodeFailed
		return
	}
	rsp.ErrCode = protocol.CodeSucceed
}

// beginAnswered starts or settles an outgoing upload once the backend answers its announcement.
func (s *RelayState) beginAnswered(h session.Handle, userID string, m *protocol.FileSendDataBeginRsp) {
	t, ok := s.engine.Outgoing(userID, m.FileHash)
	if !ok && m.FileID != 0 {
		t, ok = s.engine.Lookup(userID, protocol.DirectionSend, m.FileID)
	}
	if !ok {
		s.deliver(h, userID, m)
		return
	}
	userFile := t.Type == protocol.FileTypeFile

	switch m.ErrCode {
	case protocol.CodeFileTransferring:
		s.finishSend(t, protocol.CodeSucceed)
	case protocol.CodeSucceed:
		s.engine.Assign(t, m.FileID)
		t.Mode = ModeBackend
		s.startSending(t)
	default:
		s.finishSend(t, m.ErrCode)
	}
	if userFile {
		s.deliver(h, userID, m)
	}
}

// offerAnswered continues a file offer the peer accepted, online over UDP or
// offline through the backend.
func (s *RelayState) offerAnswered(userID string, m *protocol.FriendNotifyFileReq) {
	t, ok := s.engine.Outgoing(userID, m.FileHash)
	if !ok || t.State != StateIdle {
		return
	}
	if !m.Accepted {
		s.finishSend(t, protocol.CodeFailed)
		return
	}
	s.engine.Assign(t, m.FileID)
	if m.TransMode == protocol.TransOnline {
		t.Mode = ModeUDPServer
		if _, known := s.reg.UDPAddr(t.PeerID); known {
			t.Mode = ModeUDPDirect
		}
		s.startSending(t)
		return
	}
	t.Mode = ModeBackend
	s.forward(userID, &protocol.FileSendDataBeginReq{
		Base:     protocol.Base{MsgID: s.msgID()},
		UserID:   userID,
		FriendID: t.PeerID,
		FileID:   t.FileID,
		FileName: t.Name,
		FileHash: t.Hash,
		FileSize: t.Size,
		FileType: t.Type,
	})
}

func (s *RelayState) startSending(t *Transfer) {
	first, err := s.engine.StartSend(t)
	if err != nil {
		s.log.Warn("start upload", zap.String("user_id", t.UserID), zap.String("file", t.Name), zap.Error(err))
		s.finishSend(t, protocol.CodeFailed)
		return
	}
	if first == nil {
		s.requestVerify(t)
		return
	}
	s.sendChunk(t, first)
}

// sendChunk routes a chunk along the transfer's mode.
func (s *RelayState) sendChunk(t *Transfer, chunk *protocol.FileDataSendReq) {
	chunk.MsgID = s.msgID()
	var err error
	switch t.Mode {
	case ModeUDPDirect, ModeUDPServer:
		u, ok := s.udpConn(t.UserID)
		if !ok {
			err = s.toBackend(t.UserID, chunk)
			break
		}
		if addr, known := s.reg.UDPAddr(t.PeerID); known && t.Mode == ModeUDPDirect {
			err = u.SendTo(addr, chunk)
		} else {
			err = u.SendToServer(chunk)
		}
	default:
		err = s.toBackend(t.UserID, chunk)
	}
	if err != nil {
		s.log.Warn("send chunk", zap.String("user_id", t.UserID), zap.Int("index", chunk.Index), zap.Error(err))
	}
}

func (s *RelayState) requestVerify(t *Transfer) {
	req := s.engine.VerifyRequest(t)
	req.MsgID = s.msgID()
	s.forward(t.UserID, req)
}

// chunkAcked moves an outgoing transfer on after the receiver confirmed a chunk.
func (s *RelayState) chunkAcked(userID string, hdr protocol.ChunkHeader, code protocol.ErrCode) {
	t, ok := s.engine.Lookup(userID, protocol.DirectionSend, hdr.FileID)
	if !ok {
		return
	}
	if code != protocol.CodeSucceed {
		s.finishSend(t, code)
		return
	}
	before := t.Index
	next, done, err := s.engine.Ack(t, hdr.Index)
	if err != nil {
		s.log.Warn("read next chunk", zap.String("user_id", userID), zap.Error(err))
		s.finishSend(t, protocol.CodeFailed)
		return
	}
	if t.Index != before {
		s.progress(t)
	}
	if next != nil {
		s.sendChunk(t, next)
	}
	if done {
		s.requestVerify(t)
	}
}

// receiveChunk writes one inbound chunk and returns the code to acknowledge it with.
func (s *RelayState) receiveChunk(userID string, hdr protocol.ChunkHeader, data []byte) protocol.ErrCode {
	t, ok := s.engine.Lookup(userID, protocol.DirectionRecv, hdr.FileID)
	if !ok {
		return protocol.CodeFailed
	}
	dup, err := s.engine.WriteChunk(t, hdr.Index, hdr.Total, data)
	if err != nil {
		s.log.Warn("write chunk", zap.String("user_id", userID), zap.Int64("file_id", hdr.FileID), zap.Error(err))
		return protocol.CodeFailed
	}
	if !dup {
		s.progress(t)
	}
	return protocol.CodeSucceed
}

// verifyReceived checks a fully received file against the sender's hash.
func (s *RelayState) verifyReceived(b session.Session, userID string, m *protocol.FileVerifyReq) {
	rsp := &protocol.FileVerifyRsp{
		Base:     m.Base,
		UserID:   m.UserID,
		FriendID: m.FriendID,
		FileID:   m.FileID,
		FileName: m.FileName,
		FileHash: m.FileHash,
	}
	defer func() {
		if err := b.Send(rsp); err != nil {
			s.log.Warn("answer verify", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	t, ok := s.engine.Lookup(userID, protocol.DirectionRecv, m.FileID)
	if !ok {
		rsp.ErrCode = protocol.CodeFailed
		return
	}
	want := m.FileHash
	if want == "" {
		want = t.Hash
	}
	match, err := s.engine.Verify(t, want)
	if err != nil {
		s.log.Warn("hash received file", zap.String("user_id", userID), zap.Error(err))
	}
	if match {
		rsp.ErrCode = protocol.CodeSucceed
		if st, ok := s.store(userID); ok {
			if err := st.SaveFileHash(s.ctx, t.Path, t.Hash); err != nil {
				s.log.Warn("save file hash", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.result(t, protocol.CodeSucceed)
		s.imageReady(userID, t.Hash, t.Path)
	} else {
		rsp.ErrCode = protocol.CodeHashMismatch
		dropped := s.recv.DiscardHash(userID, want)
		s.log.Warn("received file failed verification",
			zap.String("user_id", userID), zap.String("file", t.Name), zap.Int("dropped_messages", dropped))
		s.result(t, protocol.CodeHashMismatch)
	}
	_ = s.engine.Close(t)
}

func (s *RelayState) verifyAnswered(userID string, m *protocol.FileVerifyRsp) {
	t, ok := s.engine.Lookup(userID, protocol.DirectionSend, m.FileID)
	if !ok {
		t, ok = s.engine.Outgoing(userID, m.FileHash)
	}
	if !ok {
		s.deliver(0, userID, m)
		return
	}
	s.finishSend(t, m.ErrCode)
}

// finishSend settles an outgoing transfer. Success releases the chats held
// on its hash; any other code discards them.
func (s *RelayState) finishSend(t *Transfer, code protocol.ErrCode) {
	if code == protocol.CodeSucceed {
		t.State = StateVerified
		if st, ok := s.store(t.UserID); ok {
			if err := st.SaveFileHash(s.ctx, t.Path, t.Hash); err != nil {
				s.log.Warn("save file hash", zap.String("user_id", t.UserID), zap.Error(err))
			}
		}
		for _, held := range []*pendingSend{s.sendChat, s.sendGroup} {
			for _, msg := range held.Release(t.UserID, t.Hash) {
				s.forward(t.UserID, msg)
			}
		}
	} else {
		t.State = StateFailed
		dropped := s.sendChat.Discard(t.UserID, t.Hash) + s.sendGroup.Discard(t.UserID, t.Hash)
		s.log.Warn("upload failed", zap.String("user_id", t.UserID), zap.String("file", t.Name),
			zap.Stringer("code", code), zap.Int("dropped_messages", dropped))
	}
	s.result(t, code)
	_ = s.engine.Close(t)
}

func (s *RelayState) progress(t *Transfer) {
	s.toGUI(t.UserID, &protocol.FileProgressNotify{
		Base:      protocol.Base{MsgID: s.msgID()},
		UserID:    t.UserID,
		FriendID:  t.PeerID,
		FileID:    t.FileID,
		FileName:  t.Name,
		Percent:   t.Percent(),
		FileType:  t.Type,
		Direction: t.Direction,
	})
}

func (s *RelayState) result(t *Transfer, code protocol.ErrCode) {
	outcome := "ok"
	if code != protocol.CodeSucceed {
		outcome = code.String()
	}
	metrics.Transfers.WithLabelValues(string(t.Type), string(t.Direction), outcome).Inc()
	s.toGUI(t.UserID, &protocol.FileResultNotify{
		Base:      protocol.Base{MsgID: s.msgID()},
		UserID:    t.UserID,
		FriendID:  t.PeerID,
		FileID:    t.FileID,
		FileName:  t.Name,
		Result:    code,
		FileType:  t.Type,
		Direction: t.Direction,
	})
}
