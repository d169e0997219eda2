package protocol

type FontInfo struct {
	Name  string `json:"name,omitempty"`
	Size  int    `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
	Style int    `json:"style,omitempty"`
}

// ChatMsg is one stored or delivered 1:1 chat message.
type ChatMsg struct {
	MsgID      string   `json:"msg_id"`
	SenderID   string   `json:"sender_id"`
	ReceiverID string   `json:"receiver_id"`
	Context    string   `json:"context"`
	Font       FontInfo `json:"font"`
	MsgTime    string   `json:"msg_time,omitempty"`
}

// GroupChatMsg is one stored or delivered group chat message.
type GroupChatMsg struct {
	MsgID    string   `json:"msg_id"`
	GroupID  string   `json:"group_id"`
	SenderID string   `json:"sender_id"`
	Context  string   `json:"context"`
	Font     FontInfo `json:"font"`
	MsgTime  string   `json:"msg_time,omitempty"`
}

type FriendChatSendTxtReq struct {
	Base
	UserID   string   `json:"user_id"`
	FriendID string   `json:"friend_id"`
	Context  string   `json:"context"`
	Font     FontInfo `json:"font"`
}

type FriendChatSendTxtRsp struct {
	Base
	ErrCode ErrCode `json:"err_code"`
	UserID  string  `json:"user_id"`
	Chat    ChatMsg `json:"chat"`
}

type FriendChatRecvTxtReq struct {
	Base
	UserID string  `json:"user_id"`
	Chat   ChatMsg `json:"chat"`
}

type FriendChatRecvTxtRsp struct {
	Base
	UserID    string `json:"user_id"`
	FriendID  string `json:"friend_id"`
	ChatMsgID string `json:"chat_msg_id"`
}

type FriendUnReadNotifyReq struct {
	Base
	UserID string `json:"user_id"`
}

type FriendUnReadNotifyRsp struct {
	Base
	UserID string `json:"user_id"`
}

// GetFriendChatHistoryReq pages backwards from ChatMsgID (exclusive); an empty
// id starts at the newest message.
type GetFriendChatHistoryReq struct {
	Base
	UserID    string `json:"user_id"`
	FriendID  string `json:"friend_id"`
	ChatMsgID string `json:"chat_msg_id,omitempty"`
	Count     int    `json:"count"`
}

type GetFriendChatHistoryRsp struct {
	Base
	ErrCode  ErrCode   `json:"err_code"`
	UserID   string    `json:"user_id"`
	FriendID string    `json:"friend_id"`
	Messages []ChatMsg `json:"messages"`
}

type SendGroupTextReq struct {
	Base
	UserID  string   `json:"user_id"`
	GroupID string   `json:"group_id"`
	Context string   `json:"context"`
	Font    FontInfo `json:"font"`
}

type SendGroupTextRsp struct {
	Base
	ErrCode ErrCode      `json:"err_code"`
	UserID  string       `json:"user_id"`
	Chat    GroupChatMsg `json:"chat"`
}

type RecvGroupTextReq struct {
	Base
	UserID string       `json:"user_id"`
	Chat   GroupChatMsg `json:"chat"`
}

type RecvGroupTextRsp struct {
	Base
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id"`
	ChatMsgID string `json:"chat_msg_id"`
}

type GetGroupChatHistoryReq struct {
	Base
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id"`
	ChatMsgID string `json:"chat_msg_id,omitempty"`
	Count     int    `json:"count"`
}

type GetGroupChatHistoryRsp struct {
	Base
	ErrCode  ErrCode        `json:"err_code"`
	UserID   string         `json:"user_id"`
	GroupID  string         `json:"group_id"`
	Messages []GroupChatMsg `json:"messages"`
}

func (*FriendChatSendTxtReq) Type() MsgType    { return TypeFriendChatSendTxtReq }
func (*FriendChatSendTxtRsp) Type() MsgType    { return TypeFriendChatSendTxtRsp }
func (*FriendChatRecvTxtReq) Type() MsgType    { return TypeFriendChatRecvTxtReq }
func (*FriendChatRecvTxtRsp) Type() MsgType    { return TypeFriendChatRecvTxtRsp }
func (*FriendUnReadNotifyReq) Type() MsgType   { return TypeFriendUnReadNotifyReq }
func (*FriendUnReadNotifyRsp) Type() MsgType   { return TypeFriendUnReadNotifyRsp }
func (*GetFriendChatHistoryReq) Type() MsgType { return TypeGetFriendChatHistoryReq }
func (*GetFriendChatHistoryRsp) Type() MsgType { return TypeGetFriendChatHistoryRsp }
func (*SendGroupTextReq) Type() MsgType        { return TypeSendGroupTextReq }
func (*SendGroupTextRsp) Type() MsgType        { return TypeSendGroupTextRsp }
func (*RecvGroupTextReq) Type() MsgType        { return TypeRecvGroupTextReq }
func (*RecvGroupTextRsp) Type() MsgType        { return TypeRecvGroupTextRsp }
func (*GetGroupChatHistoryReq) Type() MsgType  { return TypeGetGroupChatHistoryReq }
func (*GetGroupChatHistoryRsp) Type() MsgType  { return TypeGetGroupChatHistoryRsp }

func (m *FriendChatSendTxtReq) Owner() string    { return m.UserID }
func (m *FriendChatSendTxtRsp) Owner() string    { return m.UserID }
func (m *FriendChatRecvTxtReq) Owner() string    { return m.UserID }
func (m *FriendChatRecvTxtRsp) Owner() string    { return m.UserID }
func (m *FriendUnReadNotifyReq) Owner() string   { return m.UserID }
func (m *FriendUnReadNotifyRsp) Owner() string   { return m.UserID }
func (m *GetFriendChatHistoryReq) Owner() string { return m.UserID }
func (m *GetFriendChatHistoryRsp) Owner() string { return m.UserID }
func (m *SendGroupTextReq) Owner() string        { return m.UserID }
func (m *SendGroupTextRsp) Owner() string        { return m.UserID }
func (m *RecvGroupTextReq) Owner() string        { return m.UserID }
func (m *RecvGroupTextRsp) Owner() string        { return m.UserID }
func (m *GetGroupChatHistoryReq) Owner() string  { return m.UserID }
func (m *GetGroupChatHistoryRsp) Owner() string  { return m.UserID }
