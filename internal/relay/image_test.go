package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/imrelay/internal/protocol"
)

func imageContent(t *testing.T, ref string) string {
	t.Helper()
	data, err := json.Marshal([]protocol.Element{
		{Type: protocol.ElemText, Text: "look"},
		{Type: protocol.ElemImage, Image: ref},
	})
	require.NoError(t, err)
	return string(data)
}

func testImage(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "Photo.PNG")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func indexOf(types []protocol.MsgType, want protocol.MsgType) int {
	for i, t := range types {
		if t == want {
			return i
		}
	}
	return -1
}

// uploadChatImage drives alice's chat through the upload up to the point
// where the backend must answer the verification request.
func uploadChatImage(t *testing.T, h *harness, alice *user) (*protocol.FileSendDataBeginReq, []byte) {
	t.Helper()
	local, data := testImage(t, 3000)

	h.guiSays(alice, &protocol.FriendChatSendTxtReq{
		Base: protocol.Base{MsgID: "chat-1"}, UserID: "u1", FriendID: "u2", Context: imageContent(t, local),
	})
	require.Equal(t, []protocol.MsgType{protocol.TypeFileSendDataBeginReq}, alice.backend.types())
	begin := lastOf[*protocol.FileSendDataBeginReq](t, alice.backend)
	require.Equal(t, protocol.FileTypeImage, begin.FileType)
	require.Equal(t, HashBytes(data), begin.FileHash)
	require.Equal(t, int64(len(data)), begin.FileSize)
	require.Equal(t, ".png", filepath.Ext(begin.FileName))
	require.FileExists(t, filepath.Join(h.dir, "alice", "Image", begin.FileName))

	h.backendSays(alice, &protocol.FileSendDataBeginRsp{
		Base: begin.Base, ErrCode: protocol.CodeSucceed, UserID: "u1", FriendID: "u2",
		FileID: 77, FileName: begin.FileName, FileHash: begin.FileHash,
	})

	var sent []byte
	for idx := 1; idx <= 3; idx++ {
		chunk := lastOf[*protocol.FileDataSendReq](t, alice.backend)
		require.Equal(t, idx, chunk.Index)
		require.Equal(t, 3, chunk.Total)
		require.Equal(t, int64(77), chunk.FileID)
		sent = append(sent, chunk.Data...)
		h.backendSays(alice, &protocol.FileDataSendRsp{Base: chunk.Base, ChunkHeader: chunk.ChunkHeader, ErrCode: protocol.CodeSucceed})
	}
	require.Equal(t, data, sent)
	require.Len(t, allOf[*protocol.FileDataSendReq](alice.backend), 3)
	require.Len(t, allOf[*protocol.FileVerifyReq](alice.backend), 1)
	require.Empty(t, allOf[*protocol.FriendChatSendTxtReq](alice.backend), "chat waits for the upload")

	last := 0
	for _, p := range allOf[*protocol.FileProgressNotify](alice.gui) {
		require.GreaterOrEqual(t, p.Percent, last)
		last = p.Percent
	}
	require.Equal(t, 100, last)
	return begin, data
}

func TestChatImageUploadReleasesChatAfterVerify(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	h.login("u2", "bob")

	begin, _ := uploadChatImage(t, h, alice)
	verify := lastOf[*protocol.FileVerifyReq](t, alice.backend)
	require.Equal(t, begin.FileHash, verify.FileHash)

	h.backendSays(alice, &protocol.FileVerifyRsp{
		Base: verify.Base, ErrCode: protocol.CodeSucceed, UserID: "u1", FriendID: "u2",
		FileID: 77, FileName: begin.FileName, FileHash: begin.FileHash,
	})

	chats := allOf[*protocol.FriendChatSendTxtReq](alice.backend)
	require.Len(t, chats, 1)
	require.Equal(t, "chat-1", chats[0].ID())
	require.Equal(t, []string{begin.FileName}, protocol.ParseContent(chats[0].Context).Images())

	types := alice.backend.types()
	require.Less(t, indexOf(types, protocol.TypeFileSendDataBeginReq), indexOf(types, protocol.TypeFriendChatSendTxtReq))

	res := lastOf[*protocol.FileResultNotify](t, alice.gui)
	require.Equal(t, protocol.CodeSucceed, res.Result)
	require.Equal(t, protocol.DirectionSend, res.Direction)
	require.Equal(t, filepath.Join(h.dir, "alice", "Image", begin.FileName), alice.store.files[begin.FileHash])
	require.Zero(t, h.state.sendChat.Len())
	require.Zero(t, h.state.engine.Len())
}

func TestChatImageUploadMismatchDropsChat(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	begin, _ := uploadChatImage(t, h, alice)
	h.backendSays(alice, &protocol.FileVerifyRsp{
		Base: protocol.Base{MsgID: "v"}, ErrCode: protocol.CodeHashMismatch, UserID: "u1",
		FileID: 77, FileName: begin.FileName, FileHash: begin.FileHash,
	})

	require.Empty(t, allOf[*protocol.FriendChatSendTxtReq](alice.backend))
	require.Equal(t, protocol.CodeHashMismatch, lastOf[*protocol.FileResultNotify](t, alice.gui).Result)
	require.Zero(t, h.state.sendChat.Len())
	require.Empty(t, alice.store.files)
}

func TestChatImageAlreadyOnServer(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	local, _ := testImage(t, 1500)

	h.guiSays(alice, &protocol.FriendChatSendTxtReq{
		Base: protocol.Base{MsgID: "chat-2"}, UserID: "u1", FriendID: "u2", Context: imageContent(t, local),
	})
	begin := lastOf[*protocol.FileSendDataBeginReq](t, alice.backend)
	h.backendSays(alice, &protocol.FileSendDataBeginRsp{
		Base: begin.Base, ErrCode: protocol.CodeFileTransferring, UserID: "u1",
		FileName: begin.FileName, FileHash: begin.FileHash,
	})

	require.Empty(t, allOf[*protocol.FileDataSendReq](alice.backend))
	require.Len(t, allOf[*protocol.FriendChatSendTxtReq](alice.backend), 1)
}

func TestChatWithUnreadableImageFails(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")

	h.guiSays(alice, &protocol.FriendChatSendTxtReq{
		Base: protocol.Base{MsgID: "chat-3"}, UserID: "u1", FriendID: "u2",
		Context: imageContent(t, filepath.Join(t.TempDir(), "missing.png")),
	})

	require.Equal(t, protocol.CodeFailed, lastOf[*protocol.FriendChatSendTxtRsp](t, alice.gui).ErrCode)
	require.Empty(t, alice.backend.messages())
	require.Zero(t, h.state.sendChat.Len())
}

func TestChatWithOneMissingImageStartsNoUpload(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	local, _ := testImage(t, 1200)

	text, err := json.Marshal([]protocol.Element{
		{Type: protocol.ElemImage, Image: local},
		{Type: protocol.ElemImage, Image: filepath.Join(t.TempDir(), "missing.png")},
	})
	require.NoError(t, err)
	h.guiSays(alice, &protocol.FriendChatSendTxtReq{
		Base: protocol.Base{MsgID: "chat-4"}, UserID: "u1", FriendID: "u2", Context: string(text),
	})

	require.Equal(t, protocol.CodeFailed, lastOf[*protocol.FriendChatSendTxtRsp](t, alice.gui).ErrCode)
	require.Empty(t, allOf[*protocol.FileSendDataBeginReq](alice.backend))
	require.Zero(t, h.state.engine.Len())
	require.Zero(t, h.state.sendChat.Len())

	entries, err := os.ReadDir(filepath.Join(h.dir, "alice", "Image"))
	require.NoError(t, err)
	require.Empty(t, entries, "staged copy is removed")
}

// receiveImage pushes name to bob as file 88, split into chunks of data.
func receiveImage(h *harness, bob *user, name, hash string, data []byte) *protocol.FileVerifyRsp {
	h.t.Helper()
	h.backendSays(bob, &protocol.FileSendDataBeginReq{
		Base: protocol.Base{MsgID: "b1"}, UserID: "u1", FriendID: "u2", FileID: 88,
		FileName: name, FileHash: hash, FileSize: int64(len(data)), FileType: protocol.FileTypeImage,
	})
	require.Equal(h.t, protocol.CodeSucceed, lastOf[*protocol.FileSendDataBeginRsp](h.t, bob.backend).ErrCode)

	total := ChunkCount(int64(len(data)))
	for idx := 1; idx <= total; idx++ {
		end := min(idx*protocol.ChunkSize, len(data))
		h.backendSays(bob, &protocol.FileDataRecvReq{
			Base: protocol.Base{MsgID: "d"},
			ChunkHeader: protocol.ChunkHeader{
				UserID: "u1", FriendID: "u2", FileID: 88, Index: idx, Total: total,
			},
			Data: data[(idx-1)*protocol.ChunkSize : end],
		})
		ack := lastOf[*protocol.FileDataRecvRsp](h.t, bob.backend)
		require.Equal(h.t, idx, ack.Index)
		require.Equal(h.t, protocol.CodeSucceed, ack.ErrCode)
	}

	h.backendSays(bob, &protocol.FileVerifyReq{
		Base: protocol.Base{MsgID: "v1"}, UserID: "u1", FriendID: "u2", FileID: 88,
		FileName: name, FileHash: hash, FileSize: int64(len(data)), FileType: protocol.FileTypeImage,
	})
	return lastOf[*protocol.FileVerifyRsp](h.t, bob.backend)
}

func inboundImageChat(t *testing.T, h *harness, bob *user, name string) {
	t.Helper()
	h.backendSays(bob, &protocol.FriendChatRecvTxtReq{
		Base:   protocol.Base{MsgID: "r1"},
		UserID: "u2",
		Chat: protocol.ChatMsg{
			MsgID: "chat-1", SenderID: "u1", ReceiverID: "u2", Context: imageContent(t, name),
		},
	})
}

func TestInboundChatWaitsForImageDownload(t *testing.T) {
	h := newHarness(t)
	h.login("u1", "alice")
	bob := h.login("u2", "bob")
	_, data := testImage(t, 3000)
	hash := HashBytes(data)
	const name = "srv-1.png"

	inboundImageChat(t, h, bob, name)
	dl := lastOf[*protocol.FileDownloadReq](t, bob.backend)
	require.Equal(t, "chat-1", dl.RelateMsgID)
	require.Equal(t, name, dl.FileName)
	require.Empty(t, allOf[*protocol.FriendChatRecvTxtReq](bob.gui))

	h.backendSays(bob, &protocol.FileDownloadRsp{
		Base: dl.Base, ErrCode: protocol.CodeSucceed, UserID: "u2", RelateMsgID: "chat-1",
		FileID: 88, FileName: name, FileHash: hash,
	})
	require.Empty(t, allOf[*protocol.FriendChatRecvTxtReq](bob.gui))

	rsp := receiveImage(h, bob, name, hash, data)
	require.Equal(t, protocol.CodeSucceed, rsp.ErrCode)

	want := filepath.Join(h.dir, "bob", "Image", name)
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, data, got)

	chats := allOf[*protocol.FriendChatRecvTxtReq](bob.gui)
	require.Len(t, chats, 1)
	require.Equal(t, []string{want}, protocol.ParseContent(chats[0].Chat.Context).Images())
	require.Len(t, bob.store.recvText, 1)
	require.Equal(t, want, bob.store.files[hash])
	require.Equal(t, "chat-1", lastOf[*protocol.FriendChatRecvTxtRsp](t, bob.backend).ChatMsgID)
	require.Equal(t, protocol.CodeSucceed, lastOf[*protocol.FileResultNotify](t, bob.gui).Result)
	require.Zero(t, h.state.recv.Len())
}

func TestInboundImageMismatchDropsChat(t *testing.T) {
	h := newHarness(t)
	bob := h.login("u2", "bob")
	_, data := testImage(t, 2100)
	hash := HashBytes(data)
	const name = "srv-2.png"

	inboundImageChat(t, h, bob, name)
	h.backendSays(bob, &protocol.FileDownloadRsp{
		Base: protocol.Base{MsgID: "dl"}, ErrCode: protocol.CodeSucceed, UserID: "u2", RelateMsgID: "chat-1",
		FileID: 88, FileName: name, FileHash: hash,
	})

	corrupt := append([]byte(nil), data...)
	corrupt[10] ^= 0xff
	rsp := receiveImage(h, bob, name, hash, corrupt)

	require.Equal(t, protocol.CodeHashMismatch, rsp.ErrCode)
	require.NoFileExists(t, filepath.Join(h.dir, "bob", "Image", name))
	require.Empty(t, allOf[*protocol.FriendChatRecvTxtReq](bob.gui))
	require.Equal(t, protocol.CodeHashMismatch, lastOf[*protocol.FileResultNotify](t, bob.gui).Result)
	require.Zero(t, h.state.recv.Len())
	require.Empty(t, bob.store.files)
}

func TestInboundImageAlreadyStored(t *testing.T) {
	h := newHarness(t)
	bob := h.login("u2", "bob")
	_, data := testImage(t, 800)
	hash := HashBytes(data)
	cached := filepath.Join(h.dir, "bob", "Image", "cached.png")
	require.NoError(t, os.WriteFile(cached, data, 0o644))
	bob.store.files[hash] = cached

	inboundImageChat(t, h, bob, "srv-3.png")
	h.backendSays(bob, &protocol.FileDownloadRsp{
		Base: protocol.Base{MsgID: "dl"}, ErrCode: protocol.CodeSucceed, UserID: "u2", RelateMsgID: "chat-1",
		FileID: 90, FileName: "srv-3.png", FileHash: hash,
	})

	chats := allOf[*protocol.FriendChatRecvTxtReq](bob.gui)
	require.Len(t, chats, 1)
	require.Equal(t, []string{cached}, protocol.ParseContent(chats[0].Chat.Context).Images())

	h.backendSays(bob, &protocol.FileSendDataBeginReq{
		Base: protocol.Base{MsgID: "b2"}, UserID: "u1", FriendID: "u2", FileID: 90,
		FileName: "srv-3.png", FileHash: hash, FileSize: int64(len(data)), FileType: protocol.FileTypeImage,
	})
	require.Equal(t, protocol.CodeFileTransferring, lastOf[*protocol.FileSendDataBeginRsp](t, bob.backend).ErrCode)
	require.Zero(t, h.state.engine.Len())
}

func TestInboundChatWithLocalImageIsDeliveredAtOnce(t *testing.T) {
	h := newHarness(t)
	bob := h.login("u2", "bob")
	local := filepath.Join(h.dir, "bob", "Image", "here.png")
	require.NoError(t, os.WriteFile(local, []byte("img"), 0o644))

	inboundImageChat(t, h, bob, "here.png")

	require.Empty(t, allOf[*protocol.FileDownloadReq](bob.backend))
	chats := allOf[*protocol.FriendChatRecvTxtReq](bob.gui)
	require.Len(t, chats, 1)
	require.Equal(t, []string{local}, protocol.ParseContent(chats[0].Chat.Context).Images())
}

func TestGroupImageChatIsHeldPerMember(t *testing.T) {
	h := newHarness(t)
	alice := h.login("u1", "alice")
	bob := h.login("u2", "bob")
	const name = "grp-1.png"

	for _, u := range []*user{alice, bob} {
		h.backendSays(u, &protocol.RecvGroupTextReq{
			Base:   protocol.Base{MsgID: "r-" + u.id},
			UserID: u.id,
			Chat: protocol.GroupChatMsg{
				MsgID: "g-1", GroupID: "g", SenderID: "u9", Context: imageContent(t, name),
			},
		})
	}
	require.Equal(t, 2, h.state.recv.Len())

	for _, u := range []*user{alice, bob} {
		h.backendSays(u, &protocol.FileDownloadRsp{
			Base: protocol.Base{MsgID: "dl-" + u.id}, ErrCode: protocol.CodeFailed, UserID: u.id,
			RelateMsgID: "g-1", FileName: name,
		})
	}

	require.Len(t, allOf[*protocol.RecvGroupTextReq](alice.gui), 1)
	require.Len(t, allOf[*protocol.RecvGroupTextReq](bob.gui), 1)
	require.Zero(t, h.state.recv.Len())
}
