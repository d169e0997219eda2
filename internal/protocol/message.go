package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMalformed   = errors.New("protocol: malformed payload")
)

// Message is the closed set of relay messages. Only pointers to the types
// declared in this package implement it.
type Message interface {
	Type() MsgType
	ID() string
	message()
}

// Owned is implemented by messages that name the relay user they belong to.
type Owned interface {
	Owner() string
}

// Base carries the message id every message has. Responses echo the id of
// their request.
type Base struct {
	MsgID string `json:"msg_id"`
}

func (b Base) ID() string { return b.MsgID }

func (Base) message() {}

// Passthrough is a message the relay routes without inspecting. Its body is
// re-encoded byte for byte.
type Passthrough struct {
	Kind   MsgType
	MsgID  string
	UserID string
	Body   json.RawMessage
}

func (p *Passthrough) Type() MsgType { return p.Kind }
func (p *Passthrough) ID() string    { return p.MsgID }
func (p *Passthrough) Owner() string { return p.UserID }
func (*Passthrough) message()        {}

func (p *Passthrough) MarshalJSON() ([]byte, error) {
	if len(p.Body) == 0 {
		return []byte("{}"), nil
	}
	return p.Body, nil
}

type routingEnvelope struct {
	MsgID  string `json:"msg_id"`
	UserID string `json:"user_id"`
}

// NewPassthrough builds a routable message from a raw JSON body.
func NewPassthrough(t MsgType, body []byte) (*Passthrough, error) {
	var env routingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return &Passthrough{
		Kind:   t,
		MsgID:  env.MsgID,
		UserID: env.UserID,
		Body:   append(json.RawMessage(nil), body...),
	}, nil
}

var passthroughTypes = map[MsgType]struct{}{
	TypeUserKickOffReq:      {},
	TypeFindFriendReq:       {},
	TypeFindFriendRsp:       {},
	TypeAddFriendSendReq:    {},
	TypeAddFriendSendRsp:    {},
	TypeAddFriendRecvRsp:    {},
	TypeAddFriendNotifyRsp:  {},
	TypeRemoveFriendReq:     {},
	TypeRemoveFriendRsp:     {},
	TypeAddTeamReq:          {},
	TypeAddTeamRsp:          {},
	TypeRemoveTeamReq:       {},
	TypeRemoveTeamRsp:       {},
	TypeMoveFriendToTeamReq: {},
	TypeMoveFriendToTeamRsp: {},
	TypeCreateGroupReq:      {},
	TypeCreateGroupRsp:      {},
	TypeDestroyGroupReq:     {},
	TypeDestroyGroupRsp:     {},
	TypeFindGroupReq:        {},
	TypeFindGroupRsp:        {},
	TypeAddToGroupReq:       {},
	TypeAddToGroupRsp:       {},
	TypeGetGroupListReq:     {},
	TypeGetGroupListRsp:     {},
	TypeFriendSendFileRsp:   {},
	TypeFriendRecvFileReq:   {},
	TypeFriendRecvFileRsp:   {},
	TypeFriendNotifyFileRsp: {},
}

var constructors = map[MsgType]func() Message{
	TypeKeepAliveReq:            func() Message { return new(KeepAliveReq) },
	TypeKeepAliveRsp:            func() Message { return new(KeepAliveRsp) },
	TypeUserRegisterReq:         func() Message { return new(UserRegisterReq) },
	TypeUserRegisterRsp:         func() Message { return new(UserRegisterRsp) },
	TypeUserUnRegisterReq:       func() Message { return new(UserUnRegisterReq) },
	TypeUserUnRegisterRsp:       func() Message { return new(UserUnRegisterRsp) },
	TypeUserLoginReq:            func() Message { return new(UserLoginReq) },
	TypeUserLoginRsp:            func() Message { return new(UserLoginRsp) },
	TypeUserLogoutReq:           func() Message { return new(UserLogoutReq) },
	TypeUserLogoutRsp:           func() Message { return new(UserLogoutRsp) },
	TypeNetFailedReport:         func() Message { return new(NetFailedReport) },
	TypeNetRecoverReport:        func() Message { return new(NetRecoverReport) },
	TypeProtocolErrorRsp:        func() Message { return new(ProtocolErrorRsp) },
	TypeAddFriendRecvReq:        func() Message { return new(AddFriendRecvReq) },
	TypeAddFriendNotifyReq:      func() Message { return new(AddFriendNotifyReq) },
	TypeGetFriendListReq:        func() Message { return new(GetFriendListReq) },
	TypeGetFriendListRsp:        func() Message { return new(GetFriendListRsp) },
	TypeFriendChatSendTxtReq:    func() Message { return new(FriendChatSendTxtReq) },
	TypeFriendChatSendTxtRsp:    func() Message { return new(FriendChatSendTxtRsp) },
	TypeFriendChatRecvTxtReq:    func() Message { return new(FriendChatRecvTxtReq) },
	TypeFriendChatRecvTxtRsp:    func() Message { return new(FriendChatRecvTxtRsp) },
	TypeFriendUnReadNotifyReq:   func() Message { return new(FriendUnReadNotifyReq) },
	TypeFriendUnReadNotifyRsp:   func() Message { return new(FriendUnReadNotifyRsp) },
	TypeGetFriendChatHistoryReq: func() Message { return new(GetFriendChatHistoryReq) },
	TypeGetFriendChatHistoryRsp: func() Message { return new(GetFriendChatHistoryRsp) },
	TypeSendGroupTextReq:        func() Message { return new(SendGroupTextReq) },
	TypeSendGroupTextRsp:        func() Message { return new(SendGroupTextRsp) },
	TypeRecvGroupTextReq:        func() Message { return new(RecvGroupTextReq) },
	TypeRecvGroupTextRsp:        func() Message { return new(RecvGroupTextRsp) },
	TypeGetGroupChatHistoryReq:  func() Message { return new(GetGroupChatHistoryReq) },
	TypeGetGroupChatHistoryRsp:  func() Message { return new(GetGroupChatHistoryRsp) },
	TypeFriendSendFileReq:       func() Message { return new(FriendSendFileReq) },
	TypeFriendNotifyFileReq:     func() Message { return new(FriendNotifyFileReq) },
	TypeFileSendDataBeginReq:    func() Message { return new(FileSendDataBeginReq) },
	TypeFileSendDataBeginRsp:    func() Message { return new(FileSendDataBeginRsp) },
	TypeFileDataSendReq:         func() Message { return new(FileDataSendReq) },
	TypeFileDataSendRsp:         func() Message { return new(FileDataSendRsp) },
	TypeFileDataRecvReq:         func() Message { return new(FileDataRecvReq) },
	TypeFileDataRecvRsp:         func() Message { return new(FileDataRecvRsp) },
	TypeFileVerifyReq:           func() Message { return new(FileVerifyReq) },
	TypeFileVerifyRsp:           func() Message { return new(FileVerifyRsp) },
	TypeFileDownloadReq:         func() Message { return new(FileDownloadReq) },
	TypeFileDownloadRsp:         func() Message { return new(FileDownloadRsp) },
	TypeFileProgressNotify:      func() Message { return new(FileProgressNotify) },
	TypeFileResultNotify:        func() Message { return new(FileResultNotify) },
	TypeQueryUDPAddrReq:         func() Message { return new(QueryUDPAddrReq) },
	TypeQueryUDPAddrRsp:         func() Message { return new(QueryUDPAddrRsp) },
	TypeUDPP2PStartReq:          func() Message { return new(UDPP2PStartReq) },
	TypeUDPP2PStartRsp:          func() Message { return new(UDPP2PStartRsp) },
}

// Decode turns a frame into its concrete message.
func Decode(f Frame) (Message, error) {
	return DecodePayload(f.Type, f.Payload)
}

// DecodePayload decodes a JSON payload of the given type.
func DecodePayload(t MsgType, payload []byte) (Message, error) {
	if newMsg, ok := constructors[t]; ok {
		m := newMsg()
		if err := json.Unmarshal(payload, m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
		}
		return m, nil
	}
	if _, ok := passthroughTypes[t]; ok {
		return NewPassthrough(t, payload)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint32(t))
}

// OwnerOf returns the user a message names, or "".
func OwnerOf(m Message) string {
	if o, ok := m.(Owned); ok {
		return o.Owner()
	}
	return ""
}
