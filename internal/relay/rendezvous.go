package relay

import (
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
)

// rendezvous probes every friend of every logged-in user: known addresses
// get a direct P2P start, unknown ones are resolved through the backend.
func (s *RelayState) rendezvous() {
	for _, userID := range s.reg.LoggedInUsers() {
		friends := s.friends[userID]
		if len(friends) == 0 {
			continue
		}
		u, ok := s.udpConn(userID)
		if !ok {
			continue
		}
		for _, friendID := range friends {
			if addr, known := s.reg.UDPAddr(friendID); known {
				if err := u.SendTo(addr, &protocol.UDPP2PStartReq{
					Base:     protocol.Base{MsgID: s.msgID()},
					UserID:   userID,
					FriendID: friendID,
				}); err != nil {
					s.log.Debug("p2p start", zap.String("user_id", userID), zap.String("friend_id", friendID), zap.Error(err))
				}
				continue
			}
			s.forward(userID, &protocol.QueryUDPAddrReq{
				Base:      protocol.Base{MsgID: s.msgID()},
				UserID:    userID,
				UDPUserID: friendID,
			})
		}
	}
}
