package message

import (
	"context"
)

// Handler processes one inbound envelope. Handlers run on the single
// consumer goroutine that drains the transport's event channel, so
// they may mutate shared state without further locking but must not
// block for long.
type Handler func(ctx context.Context, env Envelope)

// Channel is the bidirectional per-device message contract both
// transports satisfy. The coordinator holds the server half, the
// agent the client half.
type Channel interface {
	// Send delivers one envelope to the named device (server half) or
	// to the coordinator (client half, deviceID is the own id). A
	// returned error means transport failure, never a logical NACK.
	Send(ctx context.Context, deviceID string, t Type, payload any) error

	// OnMessage registers the sink for inbound envelopes. Must be
	// called before Start.
	OnMessage(h Handler)

	// OnConnect and OnDisconnect observe per-device connectivity.
	OnConnect(f func(deviceID string))
	OnDisconnect(f func(deviceID string))

	Start(ctx context.Context) error
	Close() error
}

// Mux routes envelopes by type. Unknown or unregistered types go to
// the default handler, never to a panic.
type Mux struct {
	handlers map[Type]Handler
	fallback Handler
}

func NewMux(fallback Handler) *Mux {
	return &Mux{
		handlers: make(map[Type]Handler),
		fallback: fallback,
	}
}

func (m *Mux) Handle(t Type, h Handler) {
	m.handlers[t] = h
}

// Dispatch invokes the handler registered for env.Type.
func (m *Mux) Dispatch(ctx context.Context, env Envelope) {
	if h, ok := m.handlers[env.Type]; ok {
		h(ctx, env)
		return
	}
	if m.fallback != nil {
		m.fallback(ctx, env)
	}
}
