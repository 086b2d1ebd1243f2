package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds map[string]string

func (f fakeCreds) GetCredential(_ context.Context, deviceID string) (string, error) {
	cred, ok := f[deviceID]
	if !ok {
		return "", errors.New("unknown device")
	}
	return cred, nil
}

type recorder struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	messages    []message.Envelope
}

func (r *recorder) onConnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, id)
}

func (r *recorder) onDisconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, id)
}

func (r *recorder) onMessage(_ context.Context, env message.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env)
}

func (r *recorder) snapshot() (connects, disconnects []string, messages []message.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...),
		append([]string(nil), r.disconnects...),
		append([]message.Envelope(nil), r.messages...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startServer(t *testing.T, creds fakeCreds) (*transport.SocketServer, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	srv := transport.NewSocketServer(transport.SocketServerConfig{
		Addr:         "127.0.0.1:0",
		SendTimeout:  time.Second,
		PingInterval: time.Hour, // keep pings out of the message assertions
	}, creds, logger)

	rec := &recorder{}
	srv.OnConnect(rec.onConnect)
	srv.OnDisconnect(rec.onDisconnect)
	srv.OnMessage(rec.onMessage)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv, rec
}

func startClient(t *testing.T, addr, deviceID, credential string) (*transport.SocketClient, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	cli := transport.NewSocketClient(transport.SocketClientConfig{
		ServerAddr: addr,
		DeviceID:   deviceID,
		Credential: credential,
	}, logger)

	rec := &recorder{}
	cli.OnConnect(rec.onConnect)
	cli.OnDisconnect(rec.onDisconnect)
	cli.OnMessage(rec.onMessage)
	t.Cleanup(func() { cli.Close() })
	return cli, rec
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestSocket_HandshakeAndExchange(t *testing.T) {
	srv, srvRec := startServer(t, fakeCreds{"d1": "s3cret"})
	cli, cliRec := startClient(t, srv.Addr(), "d1", "s3cret")

	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		connects, _, _ := srvRec.snapshot()
		return len(connects) == 1
	})

	// Device -> coordinator.
	require.NoError(t, cli.Send(context.Background(), "d1", message.TypeJobComplete,
		message.JobResultData{JobID: "j1", Success: true}))
	waitFor(t, func() bool {
		_, _, msgs := srvRec.snapshot()
		return len(msgs) == 1
	})
	_, _, msgs := srvRec.snapshot()
	assert.Equal(t, message.TypeJobComplete, msgs[0].Type)
	assert.Equal(t, "d1", msgs[0].DeviceID)

	// Coordinator -> device.
	require.NoError(t, srv.Send(context.Background(), "d1", message.TypePrintJob,
		message.PrintJobData{JobID: "j2", Content: "^XA^XZ"}))
	waitFor(t, func() bool {
		_, _, msgs := cliRec.snapshot()
		return len(msgs) == 1
	})
	_, _, cliMsgs := cliRec.snapshot()
	assert.Equal(t, message.TypePrintJob, cliMsgs[0].Type)
}

func TestSocket_RejectsBadCredential(t *testing.T) {
	srv, srvRec := startServer(t, fakeCreds{"d1": "s3cret"})
	cli, cliRec := startClient(t, srv.Addr(), "d1", "wrong")

	// The dial itself succeeds; the server closes after rejecting the
	// token, which the client observes as a disconnect.
	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		_, disconnects, _ := cliRec.snapshot()
		return len(disconnects) == 1
	})

	connects, _, _ := srvRec.snapshot()
	assert.Empty(t, connects)
	assert.False(t, cli.Connected())
}

func TestSocket_RejectsUnknownDevice(t *testing.T) {
	srv, srvRec := startServer(t, fakeCreds{"d1": "s3cret"})
	cli, cliRec := startClient(t, srv.Addr(), "ghost", "s3cret")

	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		_, disconnects, _ := cliRec.snapshot()
		return len(disconnects) == 1
	})

	connects, _, _ := srvRec.snapshot()
	assert.Empty(t, connects)
}

func TestSocket_DisconnectObservedOnClientClose(t *testing.T) {
	srv, srvRec := startServer(t, fakeCreds{"d1": "s3cret"})
	cli, _ := startClient(t, srv.Addr(), "d1", "s3cret")

	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		connects, _, _ := srvRec.snapshot()
		return len(connects) == 1
	})

	cli.Close()
	waitFor(t, func() bool {
		_, disconnects, _ := srvRec.snapshot()
		return len(disconnects) == 1
	})
}

func TestSocket_SendToUnconnectedDevice(t *testing.T) {
	srv, _ := startServer(t, fakeCreds{"d1": "s3cret"})

	err := srv.Send(context.Background(), "d1", message.TypePing, nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSocket_ReconnectAfterDrop(t *testing.T) {
	srv, srvRec := startServer(t, fakeCreds{"d1": "s3cret"})
	cli, _ := startClient(t, srv.Addr(), "d1", "s3cret")

	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		connects, _, _ := srvRec.snapshot()
		return len(connects) == 1
	})

	cli.Close()
	waitFor(t, func() bool {
		_, disconnects, _ := srvRec.snapshot()
		return len(disconnects) == 1
	})

	require.NoError(t, cli.Start(context.Background()))
	waitFor(t, func() bool {
		connects, _, _ := srvRec.snapshot()
		return len(connects) == 2
	})
	assert.True(t, cli.Connected())
}
