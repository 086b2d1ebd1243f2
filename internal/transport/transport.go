// Package transport provides the two message.Channel realizations: a
// direct per-device TCP socket with an authenticated handshake and
// keepalive, and a Redis pub/sub broker with per-device topics and a
// last-will offline announcement. Both satisfy message.Channel.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrUnreachable means the send or connect failed at the transport
	// layer. Callers retry via reconnect/backoff; it never counts as a
	// job execution failure.
	ErrUnreachable = errors.New("transport unreachable")

	// ErrUnauthorized means the handshake credential was rejected.
	ErrUnauthorized = errors.New("handshake unauthorized")

	// ErrNotConnected means Send was called while the channel is down.
	ErrNotConnected = errors.New("channel not connected")
)

const (
	// eventBuffer bounds the queue between transport reader goroutines
	// and the single consumer that dispatches into shared state. A
	// full buffer drops the envelope with a log line rather than
	// blocking the reader.
	eventBuffer = 256

	defaultSendTimeout = 3 * time.Second
	defaultPingEvery   = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventConnect
	eventDisconnect
)
