package relay

import (
	"time"

	"github.com/charlesng35/imrelay/internal/session"
)

// OnlineUser describes one user known to the registry.
type OnlineUser struct {
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	LoginState    string    `json:"login_state"`
	GUI           bool      `json:"gui"`
	Backend       bool      `json:"backend"`
	UDPAddr       string    `json:"udp_addr,omitempty"`
	LastKeepalive time.Time `json:"last_keepalive,omitempty"`
}

// Snapshot is a point-in-time copy of the relay's routing state.
type Snapshot struct {
	Users        []OnlineUser   `json:"users"`
	Sessions     map[string]int `json:"sessions"`
	RetryDepth   int            `json:"retry_depth"`
	Transfers    int            `json:"transfers"`
	HeldMessages int            `json:"held_messages"`
	Reconnecting int            `json:"reconnecting"`
	Ticks        uint64         `json:"ticks"`
}

// Snapshot copies the registry and queue sizes.
func (s *RelayState) Snapshot() Snapshot {
	snap := Snapshot{
		Sessions:     make(map[string]int, 3),
		RetryDepth:   s.retry.Len(),
		Transfers:    s.engine.Len(),
		HeldMessages: s.sendChat.Len() + s.sendGroup.Len() + s.recv.Len(),
		Reconnecting: len(s.reconnect),
		Ticks:        s.ticks,
	}
	for _, kind := range []session.Kind{session.KindGUI, session.KindBackend, session.KindUDP} {
		snap.Sessions[kind.String()] = len(s.reg.Handles(kind))
	}
	for _, id := range s.reg.KnownUsers() {
		u := OnlineUser{UserID: id, LoginState: s.reg.LoginState(id).String()}
		u.UserName, _ = s.reg.LookupUserName(id)
		_, u.GUI = s.reg.GUI(id)
		_, u.Backend = s.reg.Backend(id)
		if addr, ok := s.reg.UDPAddr(id); ok {
			u.UDPAddr = addr.String()
		}
		u.LastKeepalive, _ = s.reg.LastKeepalive(id)
		snap.Users = append(snap.Users, u)
	}
	return snap
}
