package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orrn/labelfleet/internal/message"
)

// Topic layout for the broker channel. Every device owns a dedicated
// inbound and outbound topic; the coordinator pattern-subscribes to
// all outbound topics.
const (
	topicPrefix      = "labelfleet:dev:"
	outboundPattern  = topicPrefix + "*:out"
	offlineStatusVal = "offline"

	// presenceTTL bounds how long a crashed device still looks online
	// to anyone polling the presence key. Frames from the device
	// refresh it.
	presenceTTL = 90 * time.Second
)

func inboundTopic(deviceID string) string  { return topicPrefix + deviceID + ":in" }
func outboundTopic(deviceID string) string { return topicPrefix + deviceID + ":out" }
func presenceKey(deviceID string) string   { return topicPrefix + deviceID + ":presence" }

// deviceFromTopic extracts the device id from an outbound topic name.
func deviceFromTopic(topic string) string {
	trimmed := strings.TrimPrefix(topic, topicPrefix)
	return strings.TrimSuffix(trimmed, ":out")
}

// BrokerServer is the coordinator half of the pub/sub channel. The
// broker's own credentials (redis AUTH in the URL) gate access to the
// topics; the connect envelope's token is verified on top of that so a
// device cannot impersonate another on a shared broker.
type BrokerServer struct {
	client *redis.Client
	creds  CredentialSource
	logger *slog.Logger
	pump   *pump

	mu         sync.Mutex
	authorized map[string]bool

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBrokerServer(redisURL string, creds CredentialSource, logger *slog.Logger) (*BrokerServer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewBrokerServerWithClient(redis.NewClient(opts), creds, logger), nil
}

// NewBrokerServerWithClient lets tests and embedders inject a client.
func NewBrokerServerWithClient(client *redis.Client, creds CredentialSource, logger *slog.Logger) *BrokerServer {
	return &BrokerServer{
		client:     client,
		creds:      creds,
		logger:     logger,
		pump:       newPump(logger),
		authorized: make(map[string]bool),
	}
}

func (b *BrokerServer) OnMessage(h message.Handler)       { b.pump.onMessage = h }
func (b *BrokerServer) OnConnect(f func(deviceID string)) { b.pump.onConnect = f }
func (b *BrokerServer) OnDisconnect(f func(deviceID string)) {
	b.pump.onDisconnect = f
}

func (b *BrokerServer) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.pubsub = b.client.PSubscribe(ctx, outboundPattern)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pump.run(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readLoop(ctx)
	}()

	b.logger.Info("broker channel subscribed", "pattern", outboundPattern)
	return nil
}

func (b *BrokerServer) readLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *BrokerServer) handleMessage(ctx context.Context, msg *redis.Message) {
	var env message.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("dropping malformed broker frame", "channel", msg.Channel, "error", err)
		return
	}
	deviceID := deviceFromTopic(msg.Channel)
	if env.DeviceID == "" {
		env.DeviceID = deviceID
	}
	if env.DeviceID != deviceID {
		b.logger.Warn("dropping frame with mismatched device id",
			"topic_device", deviceID, "frame_device", env.DeviceID)
		return
	}

	switch env.Type {
	case message.TypeConnect:
		b.handleConnect(ctx, env)
	case message.TypeStatus:
		var data message.StatusData
		if err := env.Decode(&data); err == nil && data.State == offlineStatusVal {
			b.markOffline(ctx, deviceID)
			return
		}
		b.forward(ctx, deviceID, env)
	default:
		b.forward(ctx, deviceID, env)
	}
}

func (b *BrokerServer) handleConnect(ctx context.Context, env message.Envelope) {
	var data message.ConnectData
	if err := env.Decode(&data); err != nil {
		b.logger.Warn("connect frame without token", "device_id", env.DeviceID)
		return
	}
	credential, err := b.creds.GetCredential(ctx, env.DeviceID)
	if err != nil {
		b.logger.Warn("connect from unknown device", "device_id", env.DeviceID)
		return
	}
	if err := VerifyToken(data.Token, env.DeviceID, credential); err != nil {
		b.logger.Warn("connect rejected", "device_id", env.DeviceID, "error", err)
		return
	}

	b.mu.Lock()
	b.authorized[env.DeviceID] = true
	b.mu.Unlock()
	b.setPresence(ctx, env.DeviceID)
	b.pump.post(pumpEvent{kind: eventConnect, deviceID: env.DeviceID})
}

func (b *BrokerServer) markOffline(ctx context.Context, deviceID string) {
	b.mu.Lock()
	known := b.authorized[deviceID]
	delete(b.authorized, deviceID)
	b.mu.Unlock()
	if err := b.client.Del(ctx, presenceKey(deviceID)).Err(); err != nil {
		b.logger.Warn("failed to clear presence key", "device_id", deviceID, "error", err)
	}
	if known {
		b.pump.post(pumpEvent{kind: eventDisconnect, deviceID: deviceID})
	}
}

func (b *BrokerServer) forward(ctx context.Context, deviceID string, env message.Envelope) {
	b.mu.Lock()
	ok := b.authorized[deviceID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("dropping frame from unauthenticated device", "device_id", deviceID, "type", string(env.Type))
		return
	}
	b.setPresence(ctx, deviceID)
	b.pump.post(pumpEvent{kind: eventMessage, deviceID: deviceID, env: env})
}

// setPresence keeps a TTL'd key alive for each authorized device so
// broker-side tooling can check liveness without joining the pub/sub.
func (b *BrokerServer) setPresence(ctx context.Context, deviceID string) {
	if err := b.client.Set(ctx, presenceKey(deviceID), "online", presenceTTL).Err(); err != nil {
		b.logger.Warn("failed to set presence key", "device_id", deviceID, "error", err)
	}
}

func (b *BrokerServer) Send(ctx context.Context, deviceID string, t message.Type, payload any) error {
	env, err := message.New(t, deviceID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	receivers, err := b.client.Publish(ctx, inboundTopic(deviceID), data).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: device %s has no subscriber", ErrNotConnected, deviceID)
	}
	return nil
}

func (b *BrokerServer) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}

// BrokerClientConfig configures the agent half of the pub/sub channel.
type BrokerClientConfig struct {
	RedisURL   string
	DeviceID   string
	Credential string
}

type BrokerClient struct {
	cfg    BrokerClientConfig
	client *redis.Client
	logger *slog.Logger
	pump   *pump

	pumpOnce sync.Once

	mu        sync.Mutex
	pubsub    *redis.PubSub
	connected bool
}

func NewBrokerClient(cfg BrokerClientConfig, logger *slog.Logger) (*BrokerClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &BrokerClient{
		cfg:    cfg,
		client: redis.NewClient(opts),
		logger: logger,
		pump:   newPump(logger),
	}, nil
}

func (c *BrokerClient) OnMessage(h message.Handler)       { c.pump.onMessage = h }
func (c *BrokerClient) OnConnect(f func(deviceID string)) { c.pump.onConnect = f }
func (c *BrokerClient) OnDisconnect(f func(deviceID string)) {
	c.pump.onDisconnect = f
}

func (c *BrokerClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *BrokerClient) Start(ctx context.Context) error {
	c.pumpOnce.Do(func() {
		go c.pump.run(ctx)
	})

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	pubsub := c.client.Subscribe(ctx, inboundTopic(c.cfg.DeviceID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	token, err := SignToken(c.cfg.DeviceID, c.cfg.Credential, time.Now())
	if err != nil {
		pubsub.Close()
		return err
	}
	if err := c.publish(ctx, message.TypeConnect, message.ConnectData{Token: token}); err != nil {
		pubsub.Close()
		return err
	}

	c.mu.Lock()
	if c.pubsub != nil {
		c.pubsub.Close()
	}
	c.pubsub = pubsub
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(pubsub)

	c.pump.post(pumpEvent{kind: eventConnect, deviceID: c.cfg.DeviceID})
	return nil
}

func (c *BrokerClient) readLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env message.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.pump.post(pumpEvent{kind: eventMessage, deviceID: c.cfg.DeviceID, env: env})
	}

	c.mu.Lock()
	current := c.pubsub == pubsub
	if current {
		c.connected = false
	}
	c.mu.Unlock()

	if current {
		c.pump.post(pumpEvent{kind: eventDisconnect, deviceID: c.cfg.DeviceID})
	}
}

func (c *BrokerClient) publish(ctx context.Context, t message.Type, payload any) error {
	env, err := message.New(t, c.cfg.DeviceID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, outboundTopic(c.cfg.DeviceID), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (c *BrokerClient) Send(ctx context.Context, _ string, t message.Type, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.publish(ctx, t, payload)
}

// Close announces offline on the way out. Redis pub/sub has no
// broker-stored will, so a crash is instead caught by the
// coordinator's heartbeat staleness sweep.
func (c *BrokerClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.Connected() {
		_ = c.publish(ctx, message.TypeStatus, message.StatusData{State: offlineStatusVal})
	}

	c.mu.Lock()
	pubsub := c.pubsub
	c.pubsub = nil
	c.connected = false
	c.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
	return c.client.Close()
}
