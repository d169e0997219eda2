package protocol

import (
	"net/netip"
	"strconv"
)

// Endpoint is a UDP address as carried on the wire.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// AddrPort parses the endpoint. ok is false for empty or invalid endpoints.
func (e Endpoint) AddrPort() (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(e.IP)
	if err != nil || e.Port <= 0 || e.Port > 65535 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(e.Port)), true
}

func (e Endpoint) String() string {
	return e.IP + ":" + strconv.Itoa(e.Port)
}

func EndpointOf(ap netip.AddrPort) Endpoint {
	return Endpoint{IP: ap.Addr().String(), Port: int(ap.Port())}
}

// QueryUDPAddrReq asks the backend for the UDP endpoint of UDPUserID.
type QueryUDPAddrReq struct {
	Base
	UserID    string `json:"user_id"`
	UDPUserID string `json:"udp_user_id"`
}

type QueryUDPAddrRsp struct {
	Base
	ErrCode   ErrCode  `json:"err_code"`
	UserID    string   `json:"user_id"`
	UDPUserID string   `json:"udp_user_id"`
	Addr      Endpoint `json:"addr"`
}

// UDPP2PStartReq probes a path. UserID == FriendID probes the relay server itself.
type UDPP2PStartReq struct {
	Base
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
}

type UDPP2PStartRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	UserID   string  `json:"user_id"`
	FriendID string  `json:"friend_id"`
}

func (*QueryUDPAddrReq) Type() MsgType { return TypeQueryUDPAddrReq }
func (*QueryUDPAddrRsp) Type() MsgType { return TypeQueryUDPAddrRsp }
func (*UDPP2PStartReq) Type() MsgType  { return TypeUDPP2PStartReq }
func (*UDPP2PStartRsp) Type() MsgType  { return TypeUDPP2PStartRsp }

func (m *QueryUDPAddrReq) Owner() string { return m.UserID }
func (m *QueryUDPAddrRsp) Owner() string { return m.UserID }
