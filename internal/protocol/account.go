package protocol

type KeepAliveReq struct {
	Base
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id,omitempty"`
}

type KeepAliveRsp struct {
	Base
	UserID string `json:"user_id"`
}

type UserRegisterReq struct {
	Base
	UserName string `json:"user_name"`
	Password string `json:"password"`
	NickName string `json:"nick_name,omitempty"`
}

type UserRegisterRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	ErrMsg   string  `json:"err_msg,omitempty"`
	UserName string  `json:"user_name"`
	UserID   string  `json:"user_id,omitempty"`
}

type UserUnRegisterReq struct {
	Base
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

type UserUnRegisterRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	ErrMsg   string  `json:"err_msg,omitempty"`
	UserName string  `json:"user_name"`
	UserID   string  `json:"user_id,omitempty"`
}

type UserLoginReq struct {
	Base
	UserName string `json:"user_name"`
	Password string `json:"password"`
	OSType   string `json:"os_type,omitempty"`
}

type UserLoginRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	ErrMsg   string  `json:"err_msg,omitempty"`
	UserID   string  `json:"user_id,omitempty"`
	UserName string  `json:"user_name"`
	NickName string  `json:"nick_name,omitempty"`
}

type UserLogoutReq struct {
	Base
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type UserLogoutRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	UserID   string  `json:"user_id"`
	UserName string  `json:"user_name"`
}

// NetFailedReport tells a GUI that its backend connection dropped, or asks the
// relay to log the GUI's user out when sent by the GUI.
type NetFailedReport struct {
	Base
	UserID string `json:"user_id,omitempty"`
}

// NetRecoverReport tells a GUI that its backend connection recovered.
type NetRecoverReport struct {
	Base
	UserID string `json:"user_id,omitempty"`
}

// ProtocolErrorRsp answers a GUI frame the relay could not handle.
type ProtocolErrorRsp struct {
	Base
	ErrCode ErrCode `json:"err_code"`
	Reason  string  `json:"reason"`
	MsgType MsgType `json:"msg_type"`
}

func (*KeepAliveReq) Type() MsgType      { return TypeKeepAliveReq }
func (*KeepAliveRsp) Type() MsgType      { return TypeKeepAliveRsp }
func (*UserRegisterReq) Type() MsgType   { return TypeUserRegisterReq }
func (*UserRegisterRsp) Type() MsgType   { return TypeUserRegisterRsp }
func (*UserUnRegisterReq) Type() MsgType { return TypeUserUnRegisterReq }
func (*UserUnRegisterRsp) Type() MsgType { return TypeUserUnRegisterRsp }
func (*UserLoginReq) Type() MsgType      { return TypeUserLoginReq }
func (*UserLoginRsp) Type() MsgType      { return TypeUserLoginRsp }
func (*UserLogoutReq) Type() MsgType     { return TypeUserLogoutReq }
func (*UserLogoutRsp) Type() MsgType     { return TypeUserLogoutRsp }
func (*NetFailedReport) Type() MsgType   { return TypeNetFailedReport }
func (*NetRecoverReport) Type() MsgType  { return TypeNetRecoverReport }
func (*ProtocolErrorRsp) Type() MsgType  { return TypeProtocolErrorRsp }

func (m *KeepAliveReq) Owner() string      { return m.UserID }
func (m *KeepAliveRsp) Owner() string      { return m.UserID }
func (m *UserUnRegisterRsp) Owner() string { return m.UserID }
func (m *UserLoginRsp) Owner() string      { return m.UserID }
func (m *UserLogoutReq) Owner() string     { return m.UserID }
func (m *UserLogoutRsp) Owner() string     { return m.UserID }
func (m *NetFailedReport) Owner() string   { return m.UserID }
func (m *NetRecoverReport) Owner() string  { return m.UserID }
