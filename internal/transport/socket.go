package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/orrn/labelfleet/internal/message"
)

// CredentialSource resolves a device's registered shared credential
// during the handshake. Satisfied by the store's DeviceRegistry.
type CredentialSource interface {
	GetCredential(ctx context.Context, deviceID string) (string, error)
}

type SocketServerConfig struct {
	Addr         string
	SendTimeout  time.Duration
	PingInterval time.Duration
}

// SocketServer is the coordinator half of the direct-socket channel.
// Each device holds one persistent TCP connection; frames are JSON
// envelopes, one per line.
type SocketServer struct {
	cfg    SocketServerConfig
	creds  CredentialSource
	logger *slog.Logger
	pump   *pump

	mu    sync.Mutex
	conns map[string]net.Conn

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSocketServer(cfg SocketServerConfig, creds CredentialSource, logger *slog.Logger) *SocketServer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingEvery
	}
	return &SocketServer{
		cfg:    cfg,
		creds:  creds,
		logger: logger,
		pump:   newPump(logger),
		conns:  make(map[string]net.Conn),
	}
}

func (s *SocketServer) OnMessage(h message.Handler)       { s.pump.onMessage = h }
func (s *SocketServer) OnConnect(f func(deviceID string)) { s.pump.onConnect = f }
func (s *SocketServer) OnDisconnect(f func(deviceID string)) {
	s.pump.onDisconnect = f
}

// Addr returns the bound listen address, useful when the configured
// port is 0.
func (s *SocketServer) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *SocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump.run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(ctx)
	}()

	s.logger.Info("socket server listening", "addr", s.Addr())
	return nil
}

func (s *SocketServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *SocketServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *SocketServer) handleConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)

	deviceID, err := s.handshake(ctx, conn, reader)
	if err != nil {
		s.logger.Warn("handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
		writeEnvelope(conn, s.cfg.SendTimeout, message.Envelope{
			Type:      message.TypeError,
			Timestamp: time.Now().UTC(),
			Data:      json.RawMessage(`{"message":"unauthorized"}`),
		})
		conn.Close()
		return
	}

	s.mu.Lock()
	if old, ok := s.conns[deviceID]; ok {
		old.Close()
	}
	s.conns[deviceID] = conn
	s.mu.Unlock()

	s.logger.Info("device connected", "device_id", deviceID, "remote", conn.RemoteAddr().String())
	s.pump.post(pumpEvent{kind: eventConnect, deviceID: deviceID})

	s.readLoop(conn, reader, deviceID)

	s.mu.Lock()
	current := s.conns[deviceID] == conn
	if current {
		delete(s.conns, deviceID)
	}
	s.mu.Unlock()
	conn.Close()

	// A replaced connection must not report the replacement as a
	// disconnect.
	if current {
		s.logger.Info("device disconnected", "device_id", deviceID)
		s.pump.post(pumpEvent{kind: eventDisconnect, deviceID: deviceID})
	}
}

func (s *SocketServer) handshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read handshake frame: %w", err)
	}

	var env message.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("malformed handshake frame: %w", err)
	}
	if env.Type != message.TypeConnect || env.DeviceID == "" {
		return "", fmt.Errorf("%w: first frame must be connect", ErrUnauthorized)
	}

	var data message.ConnectData
	if err := env.Decode(&data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	credential, err := s.creds.GetCredential(ctx, env.DeviceID)
	if err != nil {
		return "", fmt.Errorf("%w: unknown device %s", ErrUnauthorized, env.DeviceID)
	}
	if err := VerifyToken(data.Token, env.DeviceID, credential); err != nil {
		return "", err
	}
	return env.DeviceID, nil
}

func (s *SocketServer) readLoop(conn net.Conn, reader *bufio.Reader, deviceID string) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var env message.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("dropping malformed frame", "device_id", deviceID, "error", err)
			continue
		}
		if env.DeviceID == "" {
			env.DeviceID = deviceID
		}
		s.pump.post(pumpEvent{kind: eventMessage, deviceID: deviceID, env: env})
	}
}

func (s *SocketServer) Send(ctx context.Context, deviceID string, t message.Type, payload any) error {
	s.mu.Lock()
	conn, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %s", ErrNotConnected, deviceID)
	}

	env, err := message.New(t, deviceID, payload)
	if err != nil {
		return err
	}

	if err := writeEnvelope(conn, s.sendTimeout(ctx), env); err != nil {
		conn.Close()
		s.mu.Lock()
		if s.conns[deviceID] == conn {
			delete(s.conns, deviceID)
		}
		s.mu.Unlock()
		s.pump.post(pumpEvent{kind: eventDisconnect, deviceID: deviceID})
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (s *SocketServer) sendTimeout(ctx context.Context) time.Duration {
	timeout := s.cfg.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	return timeout
}

func (s *SocketServer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.conns))
			for id := range s.conns {
				ids = append(ids, id)
			}
			s.mu.Unlock()

			for _, id := range ids {
				if err := s.Send(ctx, id, message.TypePing, nil); err != nil {
					s.logger.Debug("keepalive failed", "device_id", id, "error", err)
				}
			}
		}
	}
}

func writeEnvelope(conn net.Conn, timeout time.Duration, env message.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err = conn.Write(append(data, '\n'))
	return err
}

// SocketClientConfig configures the agent half of the socket channel.
type SocketClientConfig struct {
	ServerAddr  string
	DeviceID    string
	Credential  string
	DialTimeout time.Duration
	SendTimeout time.Duration
}

type SocketClient struct {
	cfg    SocketClientConfig
	logger *slog.Logger
	pump   *pump

	pumpOnce sync.Once

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

func NewSocketClient(cfg SocketClientConfig, logger *slog.Logger) *SocketClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &SocketClient{
		cfg:    cfg,
		logger: logger,
		pump:   newPump(logger),
	}
}

func (c *SocketClient) OnMessage(h message.Handler)       { c.pump.onMessage = h }
func (c *SocketClient) OnConnect(f func(deviceID string)) { c.pump.onConnect = f }
func (c *SocketClient) OnDisconnect(f func(deviceID string)) {
	c.pump.onDisconnect = f
}

// Connected reports whether the channel currently has a live
// connection to the coordinator.
func (c *SocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start dials the coordinator and performs the handshake. It is called
// again by the agent's reconnect loop after every disconnect.
func (c *SocketClient) Start(ctx context.Context) error {
	c.pumpOnce.Do(func() {
		go c.pump.run(ctx)
	})

	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	token, err := SignToken(c.cfg.DeviceID, c.cfg.Credential, time.Now())
	if err != nil {
		conn.Close()
		return err
	}
	env, err := message.New(message.TypeConnect, c.cfg.DeviceID, message.ConnectData{Token: token})
	if err != nil {
		conn.Close()
		return err
	}
	if err := writeEnvelope(conn, c.cfg.SendTimeout, env); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	c.pump.post(pumpEvent{kind: eventConnect, deviceID: c.cfg.DeviceID})
	return nil
}

func (c *SocketClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var env message.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.pump.post(pumpEvent{kind: eventMessage, deviceID: c.cfg.DeviceID, env: env})
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.connected = false
	}
	c.mu.Unlock()
	conn.Close()

	if current {
		c.pump.post(pumpEvent{kind: eventDisconnect, deviceID: c.cfg.DeviceID})
	}
}

// Send delivers an envelope to the coordinator. The deviceID argument
// is ignored on the client half; frames always carry the own id.
func (c *SocketClient) Send(ctx context.Context, _ string, t message.Type, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	env, err := message.New(t, c.cfg.DeviceID, payload)
	if err != nil {
		return err
	}
	if err := writeEnvelope(conn, c.cfg.SendTimeout, env); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (c *SocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
