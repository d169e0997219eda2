package relay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
)

// HandleGUI dispatches one frame received from a GUI session.
func (s *RelayState) HandleGUI(h session.Handle, f protocol.Frame) {
	g, ok := s.reg.Get(h)
	if !ok {
		return
	}

	msg, err := protocol.Decode(f)
	if err != nil {
		s.log.Error("unhandled gui frame", zap.Uint64("handle", uint64(h)), zap.Stringer("type", f.Type), zap.Error(err))
		s.reply(g, &protocol.ProtocolErrorRsp{
			ErrCode: protocol.CodeUnknownMessage,
			Reason:  err.Error(),
			MsgType: f.Type,
		})
		return
	}

	userID, _ := s.reg.Owner(h)
	if userID == "" {
		userID = protocol.OwnerOf(msg)
	}

	switch m := msg.(type) {
	case *protocol.GetFriendChatHistoryReq:
		s.reply(g, s.friendHistory(userID, m))
	case *protocol.GetGroupChatHistoryReq:
		s.reply(g, s.groupHistory(userID, m))
	case *protocol.UserLoginReq:
		s.logins[m.UserName] = m
		s.viaPairOrFree(g, m, &protocol.UserLoginRsp{
			Base: m.Base, ErrCode: protocol.CodeNoSession, UserName: m.UserName,
		})
	case *protocol.UserRegisterReq:
		s.viaPairOrFree(g, m, &protocol.UserRegisterRsp{
			Base: m.Base, ErrCode: protocol.CodeNoSession, UserName: m.UserName,
		})
	case *protocol.UserUnRegisterReq:
		s.viaPairOrFree(g, m, &protocol.UserUnRegisterRsp{
			Base: m.Base, ErrCode: protocol.CodeNoSession, UserName: m.UserName,
		})
	case *protocol.UserLogoutReq:
		if err := s.toBackend(userID, m); err != nil {
			s.reply(g, &protocol.UserLogoutRsp{
				Base: m.Base, ErrCode: protocol.CodeNoSession, UserID: m.UserID, UserName: m.UserName,
			})
		}
	case *protocol.NetFailedReport:
		s.logoutFromStoredLogin(userID)
	case *protocol.FriendChatSendTxtReq:
		s.sendChatWithImages(g, userID, m, m.FriendID, &m.Context, s.sendChat,
			func(code protocol.ErrCode) protocol.Message {
				return &protocol.FriendChatSendTxtRsp{Base: m.Base, ErrCode: code, UserID: userID}
			})
	case *protocol.SendGroupTextReq:
		s.sendChatWithImages(g, userID, m, m.GroupID, &m.Context, s.sendGroup,
			func(code protocol.ErrCode) protocol.Message {
				return &protocol.SendGroupTextRsp{Base: m.Base, ErrCode: code, UserID: userID}
			})
	case *protocol.FriendSendFileReq:
		s.offerFile(g, userID, m)
	case *protocol.FileSendDataBeginReq:
		s.engine.Register(&Transfer{
			FileID:    m.FileID,
			UserID:    userID,
			PeerID:    m.FriendID,
			Name:      filepath.Base(m.FileName),
			Path:      m.FileName,
			Hash:      m.FileHash,
			Size:      m.FileSize,
			Type:      protocol.FileTypeFile,
			Direction: protocol.DirectionSend,
			Mode:      ModeBackend,
		})
		s.forwardFromGUI(g, userID, m)
	default:
		s.forwardFromGUI(g, userID, m)
	}
}

func (s *RelayState) reply(g session.Session, m protocol.Message) {
	if err := g.Send(m); err != nil {
		s.log.Warn("reply to gui", zap.Stringer("type", m.Type()), zap.Error(err))
	}
}

// viaPairOrFree sends a time-sensitive request over the GUI's paired backend,
// its user's backend or the spare session. An unbound GUI without a pair takes
// the spare as its new pair. It never queues.
func (s *RelayState) viaPairOrFree(g session.Session, m protocol.Message, noSession protocol.Message) {
	var target session.Session
	if b, ok := s.reg.Paired(g.Handle()); ok {
		target = b
	} else if userID, bound := s.reg.Owner(g.Handle()); bound {
		if b, ok := s.reg.Backend(userID); ok {
			target = b
		}
	} else if b, ok := s.takeFree(); ok {
		s.reg.Pair(g.Handle(), b.Handle())
		target = b
	}
	if target == nil {
		s.reply(g, noSession)
		return
	}
	if err := target.Send(m); err != nil {
		s.log.Warn("send time-sensitive request", zap.Stringer("type", m.Type()), zap.Error(err))
		s.reply(g, noSession)
	}
}

// forwardFromGUI prefers the paired backend, then the user's backend, then
// the retry queue. Without any of them the GUI gets an explicit error.
func (s *RelayState) forwardFromGUI(g session.Session, userID string, m protocol.Message) {
	if b, ok := s.reg.Paired(g.Handle()); ok {
		if err := b.Send(m); err == nil {
			return
		}
	}
	if userID != "" {
		s.forward(userID, m)
		return
	}
	s.reply(g, &protocol.ProtocolErrorRsp{
		Base:    protocol.Base{MsgID: m.ID()},
		ErrCode: protocol.CodeNoSession,
		Reason:  ErrNoSession.Error(),
		MsgType: m.Type(),
	})
}

func (s *RelayState) logoutFromStoredLogin(userID string) {
	name, ok := s.reg.LookupUserName(userID)
	if !ok {
		return
	}
	login, ok := s.logins[name]
	if !ok {
		return
	}
	logout := &protocol.UserLogoutReq{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID, UserName: login.UserName}
	if err := s.toBackend(userID, logout); err != nil {
		s.log.Warn("logout after gui net failure", zap.String("user_id", userID), zap.Error(err))
	}
}

// friendHistory answers a history query from the user's local store.
func (s *RelayState) friendHistory(userID string, m *protocol.GetFriendChatHistoryReq) *protocol.GetFriendChatHistoryRsp {
	rsp := &protocol.GetFriendChatHistoryRsp{Base: m.Base, UserID: m.UserID, FriendID: m.FriendID}
	st, ok := s.store(userID)
	if !ok {
		rsp.ErrCode = protocol.CodeNotLoggedIn
		return rsp
	}
	msgs, err := st.FriendHistory(s.ctx, m)
	if err != nil {
		s.log.Warn("load friend history", zap.String("user_id", userID), zap.Error(err))
		rsp.ErrCode = protocol.CodeFailed
	}
	rsp.Messages = msgs
	return rsp
}

func (s *RelayState) groupHistory(userID string, m *protocol.GetGroupChatHistoryReq) *protocol.GetGroupChatHistoryRsp {
	rsp := &protocol.GetGroupChatHistoryRsp{Base: m.Base, UserID: m.UserID, GroupID: m.GroupID}
	st, ok := s.store(userID)
	if !ok {
		rsp.ErrCode = protocol.CodeNotLoggedIn
		return rsp
	}
	msgs, err := st.GroupHistory(s.ctx, m)
	if err != nil {
		s.log.Warn("load group history", zap.String("user_id", userID), zap.Error(err))
		rsp.ErrCode = protocol.CodeFailed
	}
	rsp.Messages = msgs
	return rsp
}

// sendChatWithImages uploads every image referenced by an outgoing chat
// before the chat itself. The chat is held until every upload verifies.
func (s *RelayState) sendChatWithImages(
	g session.Session,
	userID string,
	msg protocol.Message,
	peerID string,
	text *string,
	held *pendingSend,
	failed func(protocol.ErrCode) protocol.Message,
) {
	content := protocol.ParseContent(*text)
	images := content.Images()
	if len(images) == 0 || userID == "" {
		s.forwardFromGUI(g, userID, msg)
		return
	}

	// Stage every image before announcing any, so a failed chat leaves no
	// upload behind.
	staged := make([]*stagedImage, 0, len(images))
	byHash := make(map[string]*stagedImage, len(images))
	for _, local := range images {
		img, err := s.stageImage(userID, peerID, local, byHash)
		if err != nil {
			s.log.Warn("stage chat image", zap.String("user_id", userID), zap.String("image", local), zap.Error(err))
			discardStaged(staged)
			s.reply(g, failed(protocol.CodeFailed))
			return
		}
		staged = append(staged, img)
	}

	hashes := make([]string, 0, len(staged))
	for _, img := range staged {
		if img.fresh {
			s.announceImage(img.t)
		}
		content.RewriteImage(img.local, img.t.Name)
		hashes = append(hashes, img.t.Hash)
	}
	*text = content.String()
	held.Hold(userID, msg, hashes)
}

// stagedImage is one chat image ready for upload. fresh marks a transfer
// this chat created; copied is the file it wrote under Image/.
type stagedImage struct {
	local  string
	t      *Transfer
	fresh  bool
	copied string
}

func discardStaged(staged []*stagedImage) {
	for _, img := range staged {
		if img.copied != "" {
			_ = os.Remove(img.copied)
		}
	}
}

// stageImage hashes an image and keeps a copy under the user's Image
// directory. Nothing is registered or sent yet.
func (s *RelayState) stageImage(userID, peerID, local string, seen map[string]*stagedImage) (*stagedImage, error) {
	hash, err := HashFile(local)
	if err != nil {
		return nil, err
	}
	if img, ok := seen[hash]; ok {
		return &stagedImage{local: local, t: img.t}, nil
	}
	if t, ok := s.engine.Outgoing(userID, hash); ok {
		img := &stagedImage{local: local, t: t}
		seen[hash] = img
		return img, nil
	}

	img := &stagedImage{local: local, fresh: true}
	var stored string
	if st, ok := s.store(userID); ok {
		if p, found, err := st.FileByHash(s.ctx, hash); err == nil && found {
			if _, statErr := os.Stat(p); statErr == nil {
				stored = p
			}
		}
	}
	if stored == "" {
		stored = filepath.Join(s.imageDir(userID), uuid.NewString()+strings.ToLower(filepath.Ext(local)))
		if err := copyFile(local, stored); err != nil {
			return nil, err
		}
		img.copied = stored
	}
	info, err := os.Stat(stored)
	if err != nil {
		discardStaged([]*stagedImage{img})
		return nil, err
	}

	img.t = &Transfer{
		UserID:    userID,
		PeerID:    peerID,
		Name:      filepath.Base(stored),
		Path:      stored,
		Hash:      hash,
		Size:      info.Size(),
		Type:      protocol.FileTypeImage,
		Direction: protocol.DirectionSend,
		Mode:      ModeBackend,
	}
	seen[hash] = img
	return img, nil
}

// announceImage registers the upload and tells the backend about it.
func (s *RelayState) announceImage(t *Transfer) {
	t, _ = s.engine.Register(t)
	s.forward(t.UserID, &protocol.FileSendDataBeginReq{
		Base:     protocol.Base{MsgID: s.msgID()},
		UserID:   t.UserID,
		FriendID: t.PeerID,
		FileName: t.Name,
		FileHash: t.Hash,
		FileSize: t.Size,
		FileType: protocol.FileTypeImage,
	})
}

// offerFile hashes the offered file and registers the outgoing transfer
// before the offer reaches the backend.
func (s *RelayState) offerFile(g session.Session, userID string, m *protocol.FriendSendFileReq) {
	info, err := os.Stat(m.FileName)
	if err != nil {
		s.log.Warn("offer file", zap.String("user_id", userID), zap.String("file", m.FileName), zap.Error(err))
		s.reply(g, &protocol.FileResultNotify{
			Base:      m.Base,
			UserID:    userID,
			FriendID:  m.FriendID,
			FileName:  filepath.Base(m.FileName),
			Result:    protocol.CodeFailed,
			FileType:  protocol.FileTypeFile,
			Direction: protocol.DirectionSend,
		})
		return
	}
	hash, err := HashFile(m.FileName)
	if err != nil {
		s.log.Warn("hash offered file", zap.String("file", m.FileName), zap.Error(err))
		s.reply(g, &protocol.FileResultNotify{
			Base: m.Base, UserID: userID, FriendID: m.FriendID, FileName: filepath.Base(m.FileName),
			Result: protocol.CodeFailed, FileType: protocol.FileTypeFile, Direction: protocol.DirectionSend,
		})
		return
	}
	m.FileHash = hash
	m.FileSize = info.Size()
	if userID != "" {
		s.engine.Register(&Transfer{
			UserID:    userID,
			PeerID:    m.FriendID,
			Name:      filepath.Base(m.FileName),
			Path:      m.FileName,
			Hash:      hash,
			Size:      info.Size(),
			Type:      protocol.FileTypeFile,
			Direction: protocol.DirectionSend,
		})
	}
	s.forwardFromGUI(g, userID, m)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
