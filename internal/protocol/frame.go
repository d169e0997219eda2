package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed frame header: uint32 total length then uint32 type, little endian.
const HeaderSize = 8

// DefaultBufferSize is the receive buffer capacity used when none is configured.
const DefaultBufferSize = 64 * 1024

var (
	// ErrFrameTooLarge closes a peer whose declared frame cannot fit the
	// receive buffer. A frame that fits always completes before the buffer
	// fills, so this is the only overflow condition.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds receive buffer")
	ErrBadLength     = errors.New("protocol: frame length shorter than header")
)

// Frame is one complete wire message.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Len is the encoded size of the frame, header included.
func (f Frame) Len() int { return HeaderSize + len(f.Payload) }

// Bytes renders the frame to wire format.
func (f Frame) Bytes() []byte {
	out := make([]byte, f.Len())
	binary.LittleEndian.PutUint32(out[0:4], uint32(f.Len()))
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.Type))
	copy(out[HeaderSize:], f.Payload)
	return out
}

// Encode serializes a message into a wire frame.
func Encode(m Message) ([]byte, error) {
	f, err := ToFrame(m)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// ToFrame converts a message into a frame without rendering the header.
func ToFrame(m Message) (Frame, error) {
	if m == nil {
		return Frame{}, errors.New("protocol: nil message")
	}
	if p, ok := m.(*Passthrough); ok {
		return Frame{Type: p.Kind, Payload: append([]byte(nil), p.Body...)}, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	return Frame{Type: m.Type(), Payload: payload}, nil
}

// Decoder reassembles frames from a byte stream using a fixed-capacity buffer.
// It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
	n   int
}

func NewDecoder(capacity int) *Decoder {
	if capacity < HeaderSize {
		capacity = DefaultBufferSize
	}
	return &Decoder{buf: make([]byte, capacity)}
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int { return d.n }

// Feed appends p and calls fn for every complete frame, in stream order.
// Frames handed to fn own their payload. Any error is fatal for the stream.
func (d *Decoder) Feed(p []byte, fn func(Frame) error) error {
	for {
		copied := copy(d.buf[d.n:], p)
		d.n += copied
		p = p[copied:]

		if err := d.drain(fn); err != nil {
			return err
		}
		if len(p) == 0 {
			return nil
		}
	}
}

func (d *Decoder) drain(fn func(Frame) error) error {
	off := 0
	for d.n-off >= HeaderSize {
		length := int(binary.LittleEndian.Uint32(d.buf[off : off+4]))
		if length < HeaderSize {
			return ErrBadLength
		}
		if length > len(d.buf) {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, len(d.buf))
		}
		if d.n-off < length {
			break
		}

		frame := Frame{
			Type:    MsgType(binary.LittleEndian.Uint32(d.buf[off+4 : off+8])),
			Payload: append([]byte(nil), d.buf[off+HeaderSize:off+length]...),
		}
		off += length
		if err := fn(frame); err != nil {
			d.compact(off)
			return err
		}
	}
	d.compact(off)
	return nil
}

func (d *Decoder) compact(off int) {
	if off == 0 {
		return
	}
	copy(d.buf, d.buf[off:d.n])
	d.n -= off
}

// ReadFrames pumps r through a decoder until r fails. io.EOF is reported as nil.
func ReadFrames(r io.Reader, capacity int, fn func(Frame) error) error {
	dec := NewDecoder(capacity)
	scratch := make([]byte, 4096)
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			if ferr := dec.Feed(scratch[:n], fn); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// ParseDatagram decodes exactly one frame from a datagram.
func ParseDatagram(p []byte) (Frame, error) {
	if len(p) < HeaderSize {
		return Frame{}, ErrBadLength
	}
	length := int(binary.LittleEndian.Uint32(p[0:4]))
	if length < HeaderSize || length > len(p) {
		return Frame{}, fmt.Errorf("%w: declared %d, datagram %d", ErrBadLength, length, len(p))
	}
	return Frame{
		Type:    MsgType(binary.LittleEndian.Uint32(p[4:8])),
		Payload: append([]byte(nil), p[HeaderSize:length]...),
	}, nil
}
