// Package delivery defines the pluggable outbound backends. The hosting
// process supplies one client per message type; the consumer service
// resolves clients by type and never mutates the set, so a registry is safe
// to share across concurrent deliveries.
package delivery

import (
	"context"
	"fmt"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
)

// Client performs the actual outbound transmission for one message type.
// Deliveries are at-least-once: Send must tolerate being invoked more than
// once for the same message.
type Client interface {
	AcceptType() message.MsgType
	Send(ctx context.Context, msg message.Message) error
}

// Registry is a type-keyed set of delivery clients. Populated at startup,
// read-only afterwards.
type Registry struct {
	clients map[message.MsgType]Client
}

func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[message.MsgType]Client, len(clients))}
	for _, c := range clients {
		typ := c.AcceptType()
		if _, ok := r.clients[typ]; ok {
			return nil, fmt.Errorf("duplicate delivery client for %s", typ)
		}
		r.clients[typ] = c
	}
	return r, nil
}

// Resolve returns the client accepting the given message type.
func (r *Registry) Resolve(typ message.MsgType) (Client, bool) {
	c, ok := r.clients[typ]
	return c, ok
}

func (r *Registry) Types() []message.MsgType {
	types := make([]message.MsgType, 0, len(r.clients))
	for t := range r.clients {
		types = append(types, t)
	}
	return types
}

// LogClient is a stand-in backend that records deliveries to the log.
// Real transports (SMTP relays, SMS gateways, IM bridges) replace it in
// the hosting process.
type LogClient struct {
	typ    message.MsgType
	logger *log.Logger
}

func NewLogClient(typ message.MsgType, logger *log.Logger) *LogClient {
	return &LogClient{typ: typ, logger: logger}
}

func (c *LogClient) AcceptType() message.MsgType { return c.typ }

func (c *LogClient) Send(ctx context.Context, msg message.Message) error {
	c.logger.Infow("Delivering message",
		"msg_type", c.typ,
		"msg_id", msg.Base().ID,
		"receiver", msg.Base().Receiver,
	)
	return nil
}
