package protocol

type FriendInfo struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	NickName string `json:"nick_name,omitempty"`
	Online   bool   `json:"online"`
}

type FriendTeam struct {
	TeamID   string       `json:"team_id"`
	TeamName string       `json:"team_name"`
	Friends  []FriendInfo `json:"friends"`
}

type GetFriendListReq struct {
	Base
	UserID string `json:"user_id"`
}

type GetFriendListRsp struct {
	Base
	ErrCode ErrCode      `json:"err_code"`
	UserID  string       `json:"user_id"`
	Teams   []FriendTeam `json:"teams"`
}

// FriendIDs flattens the teams into a de-duplicated id list.
func (m *GetFriendListRsp) FriendIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, team := range m.Teams {
		for _, f := range team.Friends {
			if f.UserID == "" || f.UserID == m.UserID {
				continue
			}
			if _, ok := seen[f.UserID]; ok {
				continue
			}
			seen[f.UserID] = struct{}{}
			ids = append(ids, f.UserID)
		}
	}
	return ids
}

// AddFriendRecvReq asks UserID whether FriendID may add them.
type AddFriendRecvReq struct {
	Base
	UserID     string `json:"user_id"`
	FriendID   string `json:"friend_id"`
	FriendName string `json:"friend_name"`
}

// AddFriendNotifyReq reports the outcome of an add-friend request to UserID.
type AddFriendNotifyReq struct {
	Base
	UserID     string `json:"user_id"`
	FriendID   string `json:"friend_id"`
	FriendName string `json:"friend_name"`
	Option     string `json:"option"`
}

func (*GetFriendListReq) Type() MsgType   { return TypeGetFriendListReq }
func (*GetFriendListRsp) Type() MsgType   { return TypeGetFriendListRsp }
func (*AddFriendRecvReq) Type() MsgType   { return TypeAddFriendRecvReq }
func (*AddFriendNotifyReq) Type() MsgType { return TypeAddFriendNotifyReq }

func (m *GetFriendListReq) Owner() string   { return m.UserID }
func (m *GetFriendListRsp) Owner() string   { return m.UserID }
func (m *AddFriendRecvReq) Owner() string   { return m.UserID }
func (m *AddFriendNotifyReq) Owner() string { return m.UserID }
