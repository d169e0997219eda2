// Package gateway connects HTTP consumers to the relay. It stamps message
// ids, turns relay publications into realtime events and lets a caller wait
// for the response to a request it submitted.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/realtime"
	"github.com/charlesng35/imrelay/pkg/logger"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

var (
	ErrNotBound = errors.New("gateway: relay not bound")
	ErrTimeout  = errors.New("gateway: response timed out")
)

// Submitter is the relay entry point for gateway requests.
type Submitter interface {
	Submit(ctx context.Context, userID string, m protocol.Message) error
}

// Publisher receives realtime events. *realtime.Hub implements it.
type Publisher interface {
	Publish(userID string, ev realtime.Event) int
}

// Gateway implements relay.Gateway.
type Gateway struct {
	hub     Publisher
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	relay   Submitter
	pending map[string]chan protocol.Message
}

// New builds a gateway publishing to hub. Requests wait at most timeout for
// their response.
func New(hub Publisher, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		hub:     hub,
		timeout: timeout,
		log:     logger.WithModule("gateway"),
		pending: make(map[string]chan protocol.Message),
	}
}

// Bind sets the relay requests are submitted to. The relay is constructed
// with the gateway, so binding happens afterwards.
func (g *Gateway) Bind(s Submitter) {
	g.mu.Lock()
	g.relay = s
	g.mu.Unlock()
}

func (g *Gateway) GenerateMsgID() string { return uuid.NewString() }

// Publish resolves the future waiting on m's id, if any, and pushes m to
// the user's realtime subscribers. It never blocks.
func (g *Gateway) Publish(userID string, m protocol.Message) {
	if id := m.ID(); id != "" {
		g.mu.Lock()
		ch, ok := g.pending[id]
		if ok {
			delete(g.pending, id)
		}
		g.mu.Unlock()
		if ok {
			ch <- m
		}
	}

	if userID == "" {
		userID = protocol.OwnerOf(m)
	}
	if g.hub == nil || userID == "" {
		return
	}
	stream := streamFor(m.Type())
	g.hub.Publish(userID, realtime.Event{
		Stream: stream,
		Event:  m.Type().String(),
		MsgID:  m.ID(),
		Data:   m,
	})
	metrics.GatewayEvents.WithLabelValues(stream).Inc()
}

func streamFor(t protocol.MsgType) string {
	switch t {
	case protocol.TypeFileProgressNotify, protocol.TypeFileResultNotify:
		return realtime.StreamTransfers
	default:
		return realtime.StreamEvents
	}
}

// Request decodes payload as a message of type t, stamps a fresh msg id
// when it has none, submits it for userID and waits for the response that
// echoes the id.
func (g *Gateway) Request(ctx context.Context, userID string, t protocol.MsgType, payload json.RawMessage) (protocol.Message, error) {
	stamped, id, err := g.stamp(payload)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodePayload(t, stamped)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	relay := g.relay
	if relay == nil {
		g.mu.Unlock()
		return nil, ErrNotBound
	}
	if _, dup := g.pending[id]; dup {
		g.mu.Unlock()
		return nil, fmt.Errorf("gateway: request %s already pending", id)
	}
	reply := make(chan protocol.Message, 1)
	g.pending[id] = reply
	g.mu.Unlock()
	defer g.forget(id)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := relay.Submit(ctx, userID, msg); err != nil {
		return nil, err
	}
	g.log.Debug("request submitted", zap.String("user_id", userID), zap.Stringer("type", t), zap.String("msg_id", id))

	select {
	case rsp := <-reply:
		return rsp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Pending counts requests waiting for a response.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) forget(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// stamp returns payload with a msg_id, generating one when absent.
func (g *Gateway) stamp(payload json.RawMessage) (json.RawMessage, string, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, "", fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
	}
	if raw, ok := fields["msg_id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return payload, id, nil
		}
	}
	id := g.GenerateMsgID()
	encoded, _ := json.Marshal(id)
	fields["msg_id"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, "", err
	}
	return out, id, nil
}
