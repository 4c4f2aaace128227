//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"ledbar/internal/device"
	"ledbar/internal/engine"
	"ledbar/internal/events"
)

// DefaultDiscoveryPrefix is the topic root Home Assistant listens on.
const DefaultDiscoveryPrefix = "homeassistant"

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 5 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	Version         string
}

// Controller is the engine surface the bridge reads and drives.
type Controller interface {
	Manual(ctx context.Context, cmd engine.ManualSet) (engine.Result, error)
	Status(ctx context.Context) (engine.Status, error)
}

// Subscriber delivers engine notifications.
type Subscriber interface {
	OnAll(h events.Handler) func()
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge mirrors channel state to MQTT with HA autodiscovery and applies
// commands received on per-channel set topics.
type Bridge struct {
	client  client
	ctrl    Controller
	sub     Subscriber
	topics  topics
	version string
	logger  *slog.Logger
	unsub   func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// dirty coalesces engine events into one status read.
	dirty chan struct{}
	// connected is set by the connect handler and consumed by the pump.
	connected atomic.Bool

	// Pump-owned publish caches, reset on every (re)connect.
	mu         sync.Mutex
	published  map[string]string // channel id -> last state payload
	discovered map[string]bool
	deviceName string
	motion     *bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, sub Subscriber, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, ctrl, sub, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ledbar-" + uuid.NewString()
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.connected.Store(true)
			b.markDirty()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = c
	return b, nil
}

func newBridge(c client, ctrl Controller, sub Subscriber, cfg Config, logger *slog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = device.DefaultName
	}
	disc := cfg.DiscoveryPrefix
	if disc == "" {
		disc = DefaultDiscoveryPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:  c,
		ctrl:    ctrl,
		sub:     sub,
		topics:  topics{prefix: prefix, discovery: disc},
		version: cfg.Version,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		dirty:   make(chan struct{}, 1),
	}
}

// Start subscribes to engine events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.sub.OnAll(b.handleEvent)
	go b.run()
	b.markDirty()
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
		<-b.done
	}
	b.publish(b.topics.availability(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// handleEvent runs on the engine goroutine and must not call back into it.
func (b *Bridge) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.ChannelChanged, events.SettingsChanged, events.MotionDetected, events.MotionCleared:
		b.markDirty()
	}
}

func (b *Bridge) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.dirty:
			b.sync()
		}
	}
}

// sync reads the engine status and publishes whatever differs from what
// the broker already holds.
func (b *Bridge) sync() {
	if b.connected.Swap(false) {
		b.onConnected()
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	st, err := b.ctrl.Status(ctx)
	if err != nil {
		b.logger.Warn("read status for MQTT", "err", err)
		return
	}

	for _, msg := range b.diff(st) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

// onConnected resets the caches so a fresh session gets the full state.
func (b *Bridge) onConnected() {
	b.mu.Lock()
	b.published = make(map[string]string)
	b.discovered = make(map[string]bool)
	b.deviceName = ""
	b.motion = nil
	b.mu.Unlock()

	b.client.Subscribe(b.topics.commandFilter(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	b.publish(b.topics.availability(), []byte("online"), true)
}

// diff returns the discovery, removal and state messages needed to bring
// the broker in line with st, and records them as published.
func (b *Bridge) diff(st engine.Status) []discoveryMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string]string)
		b.discovered = make(map[string]bool)
	}

	var msgs []discoveryMsg

	present := make(map[string]bool, len(st.Channels))
	rediscover := st.DeviceName != b.deviceName
	for _, ch := range st.Channels {
		present[ch.ID] = true
		if !b.discovered[ch.ID] {
			rediscover = true
		}
	}
	for id := range b.discovered {
		if !present[id] {
			msgs = append(msgs, buildRemoveDiscovery(id, b.topics)...)
			delete(b.discovered, id)
			delete(b.published, id)
			rediscover = true
		}
	}
	if rediscover {
		msgs = append(msgs, buildDiscovery(st, b.topics, b.version)...)
		for id := range present {
			b.discovered[id] = true
		}
		b.deviceName = st.DeviceName
		b.logger.Info("published HA discovery", "channels", len(st.Channels))
	}

	for _, ch := range st.Channels {
		payload := string(mustJSON(stateFor(ch)))
		if b.published[ch.ID] == payload {
			continue
		}
		b.published[ch.ID] = payload
		msgs = append(msgs, discoveryMsg{Topic: b.topics.channel(ch.ID), Payload: []byte(payload)})
	}

	if b.motion == nil || *b.motion != st.Motion {
		m := st.Motion
		b.motion = &m
		msgs = append(msgs, discoveryMsg{
			Topic:   b.topics.motion(),
			Payload: mustJSON(map[string]bool{"motion": m}),
		})
	}
	return msgs
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, ok := b.topics.channelFromCommand(topic)
	if !ok {
		return
	}
	cmd, err := parseCommand(id, payload)
	if err != nil {
		b.logger.Warn("invalid MQTT command", "channel", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if _, err := b.ctrl.Manual(ctx, cmd); err != nil {
		b.logger.Warn("MQTT command failed", "channel", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
