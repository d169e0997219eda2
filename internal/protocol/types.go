package protocol

import "strconv"

// MsgType is the frame header discriminant.
type MsgType uint32

const (
	TypeUnknown MsgType = 0
)

// Account and connection messages.
const (
	TypeKeepAliveReq MsgType = 1000 + iota
	TypeKeepAliveRsp
	TypeUserRegisterReq
	TypeUserRegisterRsp
	TypeUserUnRegisterReq
	TypeUserUnRegisterRsp
	TypeUserLoginReq
	TypeUserLoginRsp
	TypeUserLogoutReq
	TypeUserLogoutRsp
	TypeUserKickOffReq
	TypeNetFailedReport
	TypeNetRecoverReport
	TypeProtocolErrorRsp
)

// Friend and team management.
const (
	TypeFindFriendReq MsgType = 2000 + iota
	TypeFindFriendRsp
	TypeAddFriendSendReq
	TypeAddFriendSendRsp
	TypeAddFriendRecvReq
	TypeAddFriendRecvRsp
	TypeAddFriendNotifyReq
	TypeAddFriendNotifyRsp
	TypeRemoveFriendReq
	TypeRemoveFriendRsp
	TypeGetFriendListReq
	TypeGetFriendListRsp
	TypeAddTeamReq
	TypeAddTeamRsp
	TypeRemoveTeamReq
	TypeRemoveTeamRsp
	TypeMoveFriendToTeamReq
	TypeMoveFriendToTeamRsp
)

// One to one chat.
const (
	TypeFriendChatSendTxtReq MsgType = 3000 + iota
	TypeFriendChatSendTxtRsp
	TypeFriendChatRecvTxtReq
	TypeFriendChatRecvTxtRsp
	TypeFriendUnReadNotifyReq
	TypeFriendUnReadNotifyRsp
	TypeGetFriendChatHistoryReq
	TypeGetFriendChatHistoryRsp
)

// Groups.
const (
	TypeCreateGroupReq MsgType = 4000 + iota
	TypeCreateGroupRsp
	TypeDestroyGroupReq
	TypeDestroyGroupRsp
	TypeFindGroupReq
	TypeFindGroupRsp
	TypeAddToGroupReq
	TypeAddToGroupRsp
	TypeGetGroupListReq
	TypeGetGroupListRsp
	TypeSendGroupTextReq
	TypeSendGroupTextRsp
	TypeRecvGroupTextReq
	TypeRecvGroupTextRsp
	TypeGetGroupChatHistoryReq
	TypeGetGroupChatHistoryRsp
)

// Files.
const (
	TypeFriendSendFileReq MsgType = 5000 + iota
	TypeFriendSendFileRsp
	TypeFriendRecvFileReq
	TypeFriendRecvFileRsp
	TypeFriendNotifyFileReq
	TypeFriendNotifyFileRsp
	TypeFileSendDataBeginReq
	TypeFileSendDataBeginRsp
	TypeFileDataSendReq
	TypeFileDataSendRsp
	TypeFileDataRecvReq
	TypeFileDataRecvRsp
	TypeFileVerifyReq
	TypeFileVerifyRsp
	TypeFileDownloadReq
	TypeFileDownloadRsp
	TypeFileProgressNotify
	TypeFileResultNotify
)

// UDP rendezvous.
const (
	TypeQueryUDPAddrReq MsgType = 6000 + iota
	TypeQueryUDPAddrRsp
	TypeUDPP2PStartReq
	TypeUDPP2PStartRsp
)

var typeNames = map[MsgType]string{
	TypeKeepAliveReq:            "KeepAliveReq",
	TypeKeepAliveRsp:            "KeepAliveRsp",
	TypeUserRegisterReq:         "UserRegisterReq",
	TypeUserRegisterRsp:         "UserRegisterRsp",
	TypeUserUnRegisterReq:       "UserUnRegisterReq",
	TypeUserUnRegisterRsp:       "UserUnRegisterRsp",
	TypeUserLoginReq:            "UserLoginReq",
	TypeUserLoginRsp:            "UserLoginRsp",
	TypeUserLogoutReq:           "UserLogoutReq",
	TypeUserLogoutRsp:           "UserLogoutRsp",
	TypeUserKickOffReq:          "UserKickOffReq",
	TypeNetFailedReport:         "NetFailedReport",
	TypeNetRecoverReport:        "NetRecoverReport",
	TypeProtocolErrorRsp:        "ProtocolErrorRsp",
	TypeFindFriendReq:           "FindFriendReq",
	TypeFindFriendRsp:           "FindFriendRsp",
	TypeAddFriendSendReq:        "AddFriendSendReq",
	TypeAddFriendSendRsp:        "AddFriendSendRsp",
	TypeAddFriendRecvReq:        "AddFriendRecvReq",
	TypeAddFriendRecvRsp:        "AddFriendRecvRsp",
	TypeAddFriendNotifyReq:      "AddFriendNotifyReq",
	TypeAddFriendNotifyRsp:      "AddFriendNotifyRsp",
	TypeRemoveFriendReq:         "RemoveFriendReq",
	TypeRemoveFriendRsp:         "RemoveFriendRsp",
	TypeGetFriendListReq:        "GetFriendListReq",
	TypeGetFriendListRsp:        "GetFriendListRsp",
	TypeAddTeamReq:              "AddTeamReq",
	TypeAddTeamRsp:              "AddTeamRsp",
	TypeRemoveTeamReq:           "RemoveTeamReq",
	TypeRemoveTeamRsp:           "RemoveTeamRsp",
	TypeMoveFriendToTeamReq:     "MoveFriendToTeamReq",
	TypeMoveFriendToTeamRsp:     "MoveFriendToTeamRsp",
	TypeFriendChatSendTxtReq:    "FriendChatSendTxtReq",
	TypeFriendChatSendTxtRsp:    "FriendChatSendTxtRsp",
	TypeFriendChatRecvTxtReq:    "FriendChatRecvTxtReq",
	TypeFriendChatRecvTxtRsp:    "FriendChatRecvTxtRsp",
	TypeFriendUnReadNotifyReq:   "FriendUnReadNotifyReq",
	TypeFriendUnReadNotifyRsp:   "FriendUnReadNotifyRsp",
	TypeGetFriendChatHistoryReq: "GetFriendChatHistoryReq",
	TypeGetFriendChatHistoryRsp: "GetFriendChatHistoryRsp",
	TypeCreateGroupReq:          "CreateGroupReq",
	TypeCreateGroupRsp:          "CreateGroupRsp",
	TypeDestroyGroupReq:         "DestroyGroupReq",
	TypeDestroyGroupRsp:         "DestroyGroupRsp",
	TypeFindGroupReq:            "FindGroupReq",
	TypeFindGroupRsp:            "FindGroupRsp",
	TypeAddToGroupReq:           "AddToGroupReq",
	TypeAddToGroupRsp:           "AddToGroupRsp",
	TypeGetGroupListReq:         "GetGroupListReq",
	TypeGetGroupListRsp:         "GetGroupListRsp",
	TypeSendGroupTextReq:        "SendGroupTextReq",
	TypeSendGroupTextRsp:        "SendGroupTextRsp",
	TypeRecvGroupTextReq:        "RecvGroupTextReq",
	TypeRecvGroupTextRsp:        "RecvGroupTextRsp",
	TypeGetGroupChatHistoryReq:  "GetGroupChatHistoryReq",
	TypeGetGroupChatHistoryRsp:  "GetGroupChatHistoryRsp",
	TypeFriendSendFileReq:       "FriendSendFileReq",
	TypeFriendSendFileRsp:       "FriendSendFileRsp",
	TypeFriendRecvFileReq:       "FriendRecvFileReq",
	TypeFriendRecvFileRsp:       "FriendRecvFileRsp",
	TypeFriendNotifyFileReq:     "FriendNotifyFileReq",
	TypeFriendNotifyFileRsp:     "FriendNotifyFileRsp",
	TypeFileSendDataBeginReq:    "FileSendDataBeginReq",
	TypeFileSendDataBeginRsp:    "FileSendDataBeginRsp",
	TypeFileDataSendReq:         "FileDataSendReq",
	TypeFileDataSendRsp:         "FileDataSendRsp",
	TypeFileDataRecvReq:         "FileDataRecvReq",
	TypeFileDataRecvRsp:         "FileDataRecvRsp",
	TypeFileVerifyReq:           "FileVerifyReq",
	TypeFileVerifyRsp:           "FileVerifyRsp",
	TypeFileDownloadReq:         "FileDownloadReq",
	TypeFileDownloadRsp:         "FileDownloadRsp",
	TypeFileProgressNotify:      "FileProgressNotify",
	TypeFileResultNotify:        "FileResultNotify",
	TypeQueryUDPAddrReq:         "QueryUDPAddrReq",
	TypeQueryUDPAddrRsp:         "QueryUDPAddrRsp",
	TypeUDPP2PStartReq:          "UDPP2PStartReq",
	TypeUDPP2PStartRsp:          "UDPP2PStartRsp",
}

var typesByName = func() map[string]MsgType {
	out := make(map[string]MsgType, len(typeNames))
	for t, name := range typeNames {
		out[name] = t
	}
	return out
}()

func (t MsgType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "MsgType(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// ParseType resolves a message type by its name, as used by the HTTP gateway.
func ParseType(name string) (MsgType, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// ErrCode is the result code carried by responses.
type ErrCode int

const (
	CodeSucceed ErrCode = iota
	CodeFailed
	CodeFileTransferring
	CodeNoSession
	CodeLoginFailed
	CodeHashMismatch
	CodeUnknownMessage
	CodeNotLoggedIn
)

var codeNames = [...]string{
	CodeSucceed:          "succeed",
	CodeFailed:           "failed",
	CodeFileTransferring: "file_transferring",
	CodeNoSession:        "no_session",
	CodeLoginFailed:      "login_failed",
	CodeHashMismatch:     "hash_mismatch",
	CodeUnknownMessage:   "unknown_message",
	CodeNotLoggedIn:      "not_logged_in",
}

func (c ErrCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// FileType tells images embedded in chat from user files.
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeFile  FileType = "file"
)

// Direction is the transfer direction from the relay user's point of view.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransMode selects how a friend file is delivered.
type TransMode string

const (
	TransOffline TransMode = "offline"
	TransOnline  TransMode = "online"
)
