package relay

import (
	"sort"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/session"
)

// Tick runs one housekeeping step and reports whether the relay has been
// idle long enough to shut down.
func (s *RelayState) Tick() bool {
	s.ticks++
	n := s.ticks

	s.redial()
	s.ensureFree()

	if n%uint64(s.cfg.KeepaliveEvery) == 0 {
		s.keepalive()
		s.rendezvous()
	}
	if n%uint64(s.cfg.RetryEvery) == 0 {
		s.flushRetry()
		s.expireGatewayRequests()
	}
	if n%uint64(s.cfg.IdleWindow) == 0 {
		return s.checkIdle()
	}
	return false
}

// redial retries backend sessions in the reconnect set, throttled by the limiter.
func (s *RelayState) redial() {
	handles := make([]session.Handle, 0, len(s.reconnect))
	for h := range s.reconnect {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		sess, ok := s.reg.Get(h)
		if !ok {
			delete(s.reconnect, h)
			continue
		}
		b, ok := sess.(BackendConn)
		if !ok || b.IsConnected() {
			continue
		}
		if !s.limiter.AllowN(s.now(), 1) {
			return
		}
		b.Redial(s.ctx)
	}
}

func (s *RelayState) keepalive() {
	for _, userID := range s.reg.LoggedInUsers() {
		if err := s.toBackend(userID, &protocol.KeepAliveReq{Base: protocol.Base{MsgID: s.msgID()}, UserID: userID}); err != nil {
			s.log.Debug("tcp keepalive", zap.String("user_id", userID), zap.Error(err))
		}
		name, _ := s.reg.LookupUserName(userID)
		s.ensureUDP(userID, name)
		s.udpKeepalive(userID)
	}
}

func (s *RelayState) flushRetry() {
	n := s.retry.Flush(func(userID string, msgs []protocol.Message) bool {
		b, ok := s.reg.Backend(userID)
		if !ok {
			return false
		}
		for _, m := range msgs {
			if err := b.Send(m); err != nil {
				s.log.Warn("flush retry queue", zap.String("user_id", userID), zap.Error(err))
			}
		}
		return true
	})
	if n > 0 {
		s.log.Debug("retry queue flushed", zap.Int("messages", n))
	}
}

func (s *RelayState) checkIdle() bool {
	if len(s.reg.LoggedInUsers()) > 0 {
		s.idleRuns = 0
		return false
	}
	s.idleRuns++
	s.log.Info("no logged in users", zap.Int("idle_windows", s.idleRuns), zap.Int("threshold", s.cfg.IdleThreshold))
	return s.idleRuns > s.cfg.IdleThreshold
}
