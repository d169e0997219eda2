package models

import (
	"gorm.io/datatypes"

	"github.com/charlesng35/imrelay/internal/protocol"
)

// Message directions as seen by the store owner.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// FriendMessage is one 1:1 chat message in the owner's history. Seq orders
// messages within the store and drives paging.
type FriendMessage struct {
	BaseModel

	Seq        int64                                 `gorm:"not null;index" json:"seq"`
	MsgID      string                                `gorm:"not null;uniqueIndex" json:"msg_id"`
	Direction  string                                `gorm:"type:varchar(16);not null" json:"direction"`
	SenderID   string                                `gorm:"not null;index" json:"sender_id"`
	ReceiverID string                                `gorm:"not null;index" json:"receiver_id"`
	Content    string                                `gorm:"type:text" json:"content"`
	Font       datatypes.JSONType[protocol.FontInfo] `json:"font"`
	MsgTime    string                                `json:"msg_time,omitempty"`
}

// GroupMessage is one group chat message in the owner's history.
type GroupMessage struct {
	BaseModel

	Seq       int64                                 `gorm:"not null;index" json:"seq"`
	MsgID     string                                `gorm:"not null;uniqueIndex" json:"msg_id"`
	Direction string                                `gorm:"type:varchar(16);not null" json:"direction"`
	GroupID   string                                `gorm:"not null;index" json:"group_id"`
	SenderID  string                                `gorm:"not null;index" json:"sender_id"`
	Content   string                                `gorm:"type:text" json:"content"`
	Font      datatypes.JSONType[protocol.FontInfo] `json:"font"`
	MsgTime   string                                `json:"msg_time,omitempty"`
}

// ToChat converts the row back to its wire form.
func (m FriendMessage) ToChat() protocol.ChatMsg {
	return protocol.ChatMsg{
		MsgID:      m.MsgID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Context:    m.Content,
		Font:       m.Font.Data(),
		MsgTime:    m.MsgTime,
	}
}

func (m GroupMessage) ToChat() protocol.GroupChatMsg {
	return protocol.GroupChatMsg{
		MsgID:    m.MsgID,
		GroupID:  m.GroupID,
		SenderID: m.SenderID,
		Context:  m.Content,
		Font:     m.Font.Data(),
		MsgTime:  m.MsgTime,
	}
}
