package transport

import (
	"context"
	"log/slog"

	"github.com/orrn/labelfleet/internal/message"
)

type pumpEvent struct {
	kind     eventKind
	deviceID string
	env      message.Envelope
}

// pump bridges transport reader goroutines into a single consumer.
// Readers only enqueue; one goroutine drains and dispatches, so every
// registered callback sees single-threaded delivery.
type pump struct {
	events       chan pumpEvent
	logger       *slog.Logger
	onMessage    message.Handler
	onConnect    func(string)
	onDisconnect func(string)
}

func newPump(logger *slog.Logger) *pump {
	return &pump{
		events: make(chan pumpEvent, eventBuffer),
		logger: logger,
	}
}

// post enqueues without blocking. When the consumer has fallen this
// far behind, dropping is safer than stalling the network reader.
func (p *pump) post(ev pumpEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event buffer full, dropping",
			"device_id", ev.deviceID, "type", string(ev.env.Type))
	}
}

func (p *pump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			switch ev.kind {
			case eventConnect:
				if p.onConnect != nil {
					p.onConnect(ev.deviceID)
				}
			case eventDisconnect:
				if p.onDisconnect != nil {
					p.onDisconnect(ev.deviceID)
				}
			case eventMessage:
				if p.onMessage != nil {
					p.onMessage(ctx, ev.env)
				}
			}
		}
	}
}
