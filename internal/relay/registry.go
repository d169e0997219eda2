package relay

import (
	"net/netip"
	"sort"
	"time"

	"github.com/charlesng35/imrelay/internal/session"
)

// LoginState tracks where a user is in the login handshake.
type LoginState int

const (
	LoggedOut LoginState = iota
	LoginSent
	LoginFinished
)

func (s LoginState) String() string {
	switch s {
	case LoginSent:
		return "login_sent"
	case LoginFinished:
		return "login_finished"
	default:
		return "logged_out"
	}
}

// Registry is the session arena plus every identity index over it. It is
// owned by the reactor goroutine and holds no locks.
type Registry struct {
	next     session.Handle
	sessions map[session.Handle]session.Session

	idByName map[string]string
	nameByID map[string]string

	gui     map[string]session.Handle
	backend map[string]session.Handle
	udp     map[string]session.Handle
	owner   map[session.Handle]string

	udpAddr   map[string]netip.AddrPort
	login     map[string]LoginState
	keepalive map[string]time.Time

	guiToBackend map[session.Handle]session.Handle
	backendToGUI map[session.Handle]session.Handle

	// onEvict runs after a session left every table, before it is closed.
	onEvict func(h session.Handle, s session.Session)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[session.Handle]session.Session),
		idByName:     make(map[string]string),
		nameByID:     make(map[string]string),
		gui:          make(map[string]session.Handle),
		backend:      make(map[string]session.Handle),
		udp:          make(map[string]session.Handle),
		owner:        make(map[session.Handle]string),
		udpAddr:      make(map[string]netip.AddrPort),
		login:        make(map[string]LoginState),
		keepalive:    make(map[string]time.Time),
		guiToBackend: make(map[session.Handle]session.Handle),
		backendToGUI: make(map[session.Handle]session.Handle),
	}
}

// NewHandle reserves the next arena handle.
func (r *Registry) NewHandle() session.Handle {
	r.next++
	return r.next
}

// Add stores s under its handle.
func (r *Registry) Add(s session.Session) session.Handle {
	h := s.Handle()
	if h > r.next {
		r.next = h
	}
	r.sessions[h] = s
	return h
}

func (r *Registry) Get(h session.Handle) (session.Session, bool) {
	s, ok := r.sessions[h]
	return s, ok
}

func (r *Registry) Len() int { return len(r.sessions) }

// Bind maps userID (and userName when set) to the session behind h, in the
// table matching its kind. A different session previously bound there is evicted.
func (r *Registry) Bind(userID, userName string, h session.Handle) {
	s, ok := r.sessions[h]
	if !ok || userID == "" {
		return
	}

	var table map[string]session.Handle
	switch s.Kind() {
	case session.KindGUI:
		table = r.gui
	case session.KindBackend:
		table = r.backend
	case session.KindUDP:
		table = r.udp
	default:
		return
	}

	if prev, ok := table[userID]; ok && prev != h {
		r.Evict(prev)
	}
	table[userID] = h
	r.owner[h] = userID

	if userName != "" {
		if oldName, ok := r.nameByID[userID]; ok && oldName != userName {
			delete(r.idByName, oldName)
		}
		if oldID, ok := r.idByName[userName]; ok && oldID != userID {
			delete(r.nameByID, oldID)
		}
		r.idByName[userName] = userID
		r.nameByID[userID] = userName
	}
	s.SetUserID(userID)
	if userName != "" {
		s.SetUserName(userName)
	}
}

func (r *Registry) lookup(table map[string]session.Handle, userID string) (session.Session, bool) {
	h, ok := table[userID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[h]
	return s, ok
}

func (r *Registry) GUI(userID string) (session.Session, bool)     { return r.lookup(r.gui, userID) }
func (r *Registry) Backend(userID string) (session.Session, bool) { return r.lookup(r.backend, userID) }
func (r *Registry) UDP(userID string) (session.Session, bool)     { return r.lookup(r.udp, userID) }

func (r *Registry) LookupUserID(name string) (string, bool) {
	id, ok := r.idByName[name]
	return id, ok
}

func (r *Registry) LookupUserName(id string) (string, bool) {
	name, ok := r.nameByID[id]
	return name, ok
}

// Owner returns the user bound to h.
func (r *Registry) Owner(h session.Handle) (string, bool) {
	id, ok := r.owner[h]
	return id, ok
}

// Pair links a GUI with the unauthenticated backend opened for it.
func (r *Registry) Pair(gui, backend session.Handle) {
	r.Unpair(gui)
	r.Unpair(backend)
	r.guiToBackend[gui] = backend
	r.backendToGUI[backend] = gui
}

// Unpair removes any pairing h takes part in.
func (r *Registry) Unpair(h session.Handle) {
	if b, ok := r.guiToBackend[h]; ok {
		delete(r.guiToBackend, h)
		delete(r.backendToGUI, b)
	}
	if g, ok := r.backendToGUI[h]; ok {
		delete(r.backendToGUI, h)
		delete(r.guiToBackend, g)
	}
}

// Paired returns the other side of h's pairing.
func (r *Registry) Paired(h session.Handle) (session.Session, bool) {
	other, ok := r.guiToBackend[h]
	if !ok {
		other, ok = r.backendToGUI[h]
	}
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[other]
	return s, ok
}

func (r *Registry) SetUDPAddr(userID string, addr netip.AddrPort) {
	if userID == "" || !addr.IsValid() {
		return
	}
	r.udpAddr[userID] = addr
}

func (r *Registry) UDPAddr(userID string) (netip.AddrPort, bool) {
	addr, ok := r.udpAddr[userID]
	return addr, ok
}

func (r *Registry) SetLoginState(userID string, st LoginState) {
	if st == LoggedOut {
		delete(r.login, userID)
		return
	}
	r.login[userID] = st
}

func (r *Registry) LoginState(userID string) LoginState {
	return r.login[userID]
}

func (r *Registry) TouchKeepalive(userID string, at time.Time) {
	r.keepalive[userID] = at
}

func (r *Registry) LastKeepalive(userID string) (time.Time, bool) {
	t, ok := r.keepalive[userID]
	return t, ok
}

// LoggedInUsers lists users with a finished login, sorted by id.
func (r *Registry) LoggedInUsers() []string {
	var out []string
	for id, st := range r.login {
		if st == LoginFinished {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// KnownUsers lists every user id that has a login state, sorted.
func (r *Registry) KnownUsers() []string {
	out := make([]string, 0, len(r.login))
	for id := range r.login {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Handles returns every arena handle of the given kind.
func (r *Registry) Handles(kind session.Kind) []session.Handle {
	var out []session.Handle
	for h, s := range r.sessions {
		if s.Kind() == kind {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evict removes h from every table and closes its session. It is the only
// path by which a session leaves the registry.
func (r *Registry) Evict(h session.Handle) {
	s, ok := r.sessions[h]
	if !ok {
		return
	}
	delete(r.sessions, h)

	if userID, ok := r.owner[h]; ok {
		delete(r.owner, h)
		for _, table := range []map[string]session.Handle{r.gui, r.backend, r.udp} {
			if table[userID] == h {
				delete(table, userID)
			}
		}
	}
	r.Unpair(h)

	if r.onEvict != nil {
		r.onEvict(h, s)
	}
	_ = s.Close()
}

// Unbind removes userID from every table. Backend and UDP sessions are
// evicted; the GUI session is detached but left open and its handle returned
// so the caller can re-pair it.
func (r *Registry) Unbind(userID string) (gui session.Handle, ok bool) {
	if h, found := r.backend[userID]; found {
		r.Evict(h)
	}
	if h, found := r.udp[userID]; found {
		r.Evict(h)
	}
	if h, found := r.gui[userID]; found {
		delete(r.gui, userID)
		delete(r.owner, h)
		if s, live := r.sessions[h]; live {
			s.SetUserID("")
			s.SetUserName("")
			gui, ok = h, true
		}
	}

	if name, found := r.nameByID[userID]; found {
		delete(r.nameByID, userID)
		if r.idByName[name] == userID {
			delete(r.idByName, name)
		}
	}
	delete(r.udpAddr, userID)
	delete(r.login, userID)
	delete(r.keepalive, userID)
	return gui, ok
}
