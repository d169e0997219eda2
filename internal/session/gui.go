package session

import "net"

// GUISession wraps a connection accepted from a GUI client. Losing the
// connection closes the session.
type GUISession struct {
	*stream
	conn net.Conn
}

func NewGUISession(h Handle, conn net.Conn, sink Sink, opts Options) *GUISession {
	s := &GUISession{stream: newStream(h, KindGUI, sink, opts), conn: conn}
	s.onDrop = s.closeWith
	return s
}

// Start launches the reader and writer goroutines.
func (s *GUISession) Start() {
	s.attach(s.conn, nil)
}

var _ Session = (*GUISession)(nil)
