package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/imrelay/internal/protocol"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)

	keep := BaseModel{ID: "fixed"}
	require.NoError(t, keep.BeforeCreate(nil))
	require.Equal(t, "fixed", keep.ID)
}

func TestFriendMessageToChat(t *testing.T) {
	font := protocol.FontInfo{Name: "Mono", Size: 12, Color: "#000"}
	row := FriendMessage{
		MsgID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hi",
		Font: datatypes.NewJSONType(font), MsgTime: "2024-01-02 03:04:05",
	}

	chat := row.ToChat()
	require.Equal(t, "m1", chat.MsgID)
	require.Equal(t, "hi", chat.Context)
	require.Equal(t, font, chat.Font)
}

func TestGroupMessageToChat(t *testing.T) {
	row := GroupMessage{MsgID: "g1", GroupID: "team", SenderID: "u3", Content: "hello all"}

	chat := row.ToChat()
	require.Equal(t, "team", chat.GroupID)
	require.Equal(t, "u3", chat.SenderID)
	require.Equal(t, protocol.FontInfo{}, chat.Font)
}
