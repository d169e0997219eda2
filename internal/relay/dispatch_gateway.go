package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
)

// gatewayRequestTTL bounds how long an unanswered gateway request is remembered.
const gatewayRequestTTL = 5 * time.Minute

// HandleGateway routes a request submitted over HTTP. Answers come back
// through Gateway.Publish. Failures are returned and nothing is queued.
func (s *RelayState) HandleGateway(userID string, msg protocol.Message) error {
	var target session.Session
	switch m := msg.(type) {
	case *protocol.GetFriendChatHistoryReq:
		s.publish(userID, s.friendHistory(userID, m))
		return nil
	case *protocol.GetGroupChatHistoryReq:
		s.publish(userID, s.groupHistory(userID, m))
		return nil
	case *protocol.UserRegisterReq, *protocol.UserUnRegisterReq:
		b, ok := s.reg.Get(s.free)
		if !ok {
			return ErrNoSession
		}
		target = b
	case *protocol.UserLoginReq:
		b, ok := s.takeFree()
		if !ok {
			return ErrNoSession
		}
		s.logins[m.UserName] = m
		target = b
	default:
		b, ok := s.reg.Backend(userID)
		if !ok {
			return ErrNoSession
		}
		target = b
	}

	if err := target.Send(msg); err != nil {
		return err
	}
	s.gwRequests[msg.ID()] = s.now()
	s.log.Debug("gateway request sent", zap.String("user_id", userID), zap.Stringer("type", msg.Type()), zap.String("msg_id", msg.ID()))
	return nil
}

func (s *RelayState) expireGatewayRequests() {
	cutoff := s.now().Add(-gatewayRequestTTL)
	for id, at := range s.gwRequests {
		if at.Before(cutoff) {
			delete(s.gwRequests, id)
		}
	}
}
