// Package session implements the relay's transport handles: accepted GUI
// connections, dialled backend connections and per-user UDP sockets.
package session

import (
	"errors"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/charlesng35/imrelay/internal/protocol"
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrQueueFull    = errors.New("session: send queue full")
	ErrNotConnected = errors.New("session: not connected")
)

// Handle identifies a session inside the relay arena.
type Handle uint64

func (h Handle) String() string { return "#" + strconv.FormatUint(uint64(h), 10) }

type Kind int

const (
	KindGUI Kind = iota + 1
	KindBackend
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindGUI:
		return "gui"
	case KindBackend:
		return "backend"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Sink receives session events. Methods are called from session goroutines,
// never from the caller of Send or Close.
type Sink interface {
	OnFrame(h Handle, f protocol.Frame)
	OnDatagram(h Handle, from netip.AddrPort, f protocol.Frame)
	OnConnected(h Handle)
	// OnDisconnected reports a lost backend connection; the session stays usable for Redial.
	OnDisconnected(h Handle, err error)
	// OnClosed fires exactly once, after Close or a fatal transport error.
	OnClosed(h Handle, err error)
}

// Session is the capability set shared by every transport variant.
type Session interface {
	Handle() Handle
	Kind() Kind
	UserID() string
	SetUserID(string)
	UserName() string
	SetUserName(string)
	Send(protocol.Message) error
	SendFrame(raw []byte) error
	Close() error
	IsConnected() bool
	RemoteAddr() string
}

// Options tune buffers shared by all sessions.
type Options struct {
	FrameBuffer int
	SendQueue   int
	DialTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = protocol.DefaultBufferSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// identity is unset until login completes.
type identity struct {
	mu       sync.RWMutex
	userID   string
	userName string
}

func (i *identity) UserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID
}

func (i *identity) SetUserID(id string) {
	i.mu.Lock()
	i.userID = id
	i.mu.Unlock()
}

func (i *identity) UserName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userName
}

func (i *identity) SetUserName(name string) {
	i.mu.Lock()
	i.userName = name
	i.mu.Unlock()
}
