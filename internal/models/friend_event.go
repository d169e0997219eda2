package models

import "gorm.io/datatypes"

// Friend event kinds.
const (
	FriendEventRequest = "request"
	FriendEventNotify  = "notify"
)

// FriendEvent records an add-friend request or its outcome. Payload keeps
// the message as received.
type FriendEvent struct {
	BaseModel

	MsgID      string         `gorm:"index" json:"msg_id"`
	Kind       string         `gorm:"type:varchar(16);not null;index" json:"kind"`
	FriendID   string         `gorm:"not null;index" json:"friend_id"`
	FriendName string         `json:"friend_name"`
	Option     string         `gorm:"type:varchar(32)" json:"option,omitempty"`
	Payload    datatypes.JSON `gorm:"type:json" json:"payload,omitempty"`
}
