package publisher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/entity/hass"
	"github.com/kuretru/ha-mqtt-device/internal/registry"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	defaultConfigInterval = 5 * time.Minute
)

// connection is the part of autopaho.ConnectionManager the publisher uses.
type connection interface {
	Publish(ctx context.Context, publish *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, subscribe *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
}

type HomeAssistantMQTTPublisher struct {
	config     *entity.PublisherConfig
	registry   *registry.Registry
	lock       sync.RWMutex
	connection connection
	// cancel stops autopaho; it runs on its own context so that Stop can
	// still publish offline after the caller's context is cancelled.
	cancel context.CancelFunc
}

func NewHomeAssistantMQTTPublisher(reg *registry.Registry) *HomeAssistantMQTTPublisher {
	return &HomeAssistantMQTTPublisher{registry: reg}
}

func (publisher *HomeAssistantMQTTPublisher) Run(ctx context.Context, config *entity.PublisherConfig) error {
	publisher.config = config
	if config.MQTT == nil {
		return fmt.Errorf("Publisher.HASS_MQTT: mqtt config is nil")
	}
	u, err := url.Parse(config.MQTT.URL)
	if err != nil {
		return fmt.Errorf("Publisher.HASS_MQTT: parse mqtt url failed: %v, %v", config.MQTT.URL, err)
	}

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "ha-mqtt-device-" + uuid.NewString()
	}

	router := publisher.newRouter(ctx)
	clientConfig := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       config.MQTT.Keepalive,
		ConnectUsername: config.MQTT.Username,
		ConnectPassword: []byte(config.MQTT.Password),
		// CleanStartOnInitialConnection defaults to false. Setting this to true will clear the session on the first connection.
		CleanStartOnInitialConnection: false,
		// SessionExpiryInterval - Seconds that a session will survive after disconnection.
		SessionExpiryInterval: 60,
		OnConnectionUp: func(connectionManager *autopaho.ConnectionManager, connAck *paho.Connack) {
			slog.Info("Publisher.HASS_MQTT: connected to server")
			publisher.setConnection(connectionManager)
			// autopaho requires this callback not to block
			go publisher.onConnectionUp(ctx)
		},
		OnConnectError: func(err error) {
			slog.Error("Publisher.HASS_MQTT: connect failed", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(publishReceived paho.PublishReceived) (bool, error) {
					// handlers publish with QoS 1, which must not wait on the receive goroutine
					go router.Route(publishReceived.Packet.Packet())
					return true, nil
				}},
			OnClientError: func(err error) {
				slog.Info("Publisher.HASS_MQTT: client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					slog.Error("Publisher.HASS_MQTT: server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					slog.Error("Publisher.HASS_MQTT: server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}
	if willTopic := publisher.willTopic(ctx); willTopic != "" {
		clientConfig.WillMessage = &paho.WillMessage{
			Topic:   willTopic,
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		}
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		clientConfig.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	connectionManager, err := autopaho.NewConnection(connCtx, clientConfig)
	if err != nil {
		cancel()
		return fmt.Errorf("Publisher.HASS_MQTT: NewConnection failed, %v", err)
	}
	publisher.cancel = cancel
	publisher.setConnection(connectionManager)
	if err = connectionManager.AwaitConnection(ctx); err != nil {
		cancel()
		return fmt.Errorf("Publisher.HASS_MQTT: AwaitConnection failed, %v", err)
	}
	slog.Info("Publisher.HASS_MQTT: initialized", "server", config.MQTT.URL, "clientId", clientID)

	go publisher.runConfigTopic(ctx)
	return nil
}

func (publisher *HomeAssistantMQTTPublisher) onConnectionUp(ctx context.Context) {
	publisher.publishConfigTopic(ctx)
	publisher.publishAvailability(ctx, payloadOnline)
	publisher.subscribe(ctx)
	publisher.PublishAttributes(ctx)
}

// newRouter routes each device command topic to handleCommand and the
// discovery topics under each device prefix to handleDiscovery.
func (publisher *HomeAssistantMQTTPublisher) newRouter(ctx context.Context) *paho.StandardRouter {
	router := paho.NewStandardRouter()
	router.DefaultHandler(func(publish *paho.Publish) {
		slog.Info("Publisher.HASS_MQTT: message received without hit any route", "topic", publish.Topic)
	})
	for _, topic := range publisher.commandTopics(ctx) {
		router.RegisterHandler(topic, func(publish *paho.Publish) {
			publisher.handleCommand(ctx, publish)
		})
	}
	for _, filter := range publisher.discoveryFilters(ctx) {
		router.RegisterHandler(filter, func(publish *paho.Publish) {
			publisher.handleDiscovery(ctx, publish)
		})
	}
	return router
}

// Stop publishes offline, disconnects, then stops autopaho.
func (publisher *HomeAssistantMQTTPublisher) Stop(ctx context.Context) {
	if conn := publisher.getConnection(); conn != nil {
		publisher.publishAvailability(ctx, payloadOffline)
		if err := conn.Disconnect(ctx); err != nil {
			slog.Warn("Publisher.HASS_MQTT: disconnect failed", "err", err)
		}
	}
	if publisher.cancel != nil {
		publisher.cancel()
	}
	slog.Info("Publisher.HASS_MQTT: stopped")
}

// willTopic 未配置时使用第一个启用可用性主题的设备
func (publisher *HomeAssistantMQTTPublisher) willTopic(ctx context.Context) string {
	if publisher.config != nil && publisher.config.WillTopic != "" {
		return publisher.config.WillTopic
	}
	var topic string
	publisher.registry.View(ctx, func(device *hass.Device) {
		if topic != "" {
			return
		}
		if value, ok := device.ConfigValue(hass.KeyAvailability); ok {
			topic = device.ExpandTopic(value)
		}
	})
	return topic
}

func (publisher *HomeAssistantMQTTPublisher) runConfigTopic(ctx context.Context) {
	interval := defaultConfigInterval
	if publisher.config.ConfigInterval > 0 {
		interval = publisher.config.ConfigInterval
	}
	configTopicTicker := time.NewTicker(interval)
	defer configTopicTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-configTopicTicker.C:
			publisher.publishConfigTopic(ctx)
		}
	}
}

func (publisher *HomeAssistantMQTTPublisher) setConnection(conn connection) {
	publisher.lock.Lock()
	defer publisher.lock.Unlock()
	publisher.connection = conn
}

func (publisher *HomeAssistantMQTTPublisher) getConnection() connection {
	publisher.lock.RLock()
	defer publisher.lock.RUnlock()
	return publisher.connection
}

func (publisher *HomeAssistantMQTTPublisher) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	conn := publisher.getConnection()
	if conn == nil {
		return fmt.Errorf("Publisher.HASS_MQTT: not connected")
	}
	_, err := conn.Publish(ctx, &paho.Publish{
		QoS:     1,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	})
	return err
}

type message struct {
	topic   string
	payload string
}

// collect snapshots messages under the registry read lock so that nothing
// is published while the lock is held.
func (publisher *HomeAssistantMQTTPublisher) collect(ctx context.Context, fn func(device *hass.Device) (message, bool)) []message {
	var result []message
	publisher.registry.View(ctx, func(device *hass.Device) {
		if m, ok := fn(device); ok {
			result = append(result, m)
		}
	})
	return result
}

func (publisher *HomeAssistantMQTTPublisher) publishConfigTopic(ctx context.Context) {
	messages := publisher.collect(ctx, func(device *hass.Device) (message, bool) {
		return message{topic: device.ConfigTopic(), payload: device.ConfigPayload()}, true
	})
	for _, m := range messages {
		if err := publisher.publish(ctx, m.topic, []byte(m.payload), true); err != nil {
			slog.Warn("Publisher.HASS_MQTT: publish config topic failed", "topic", m.topic, "err", err)
		}
	}
	slog.Info("Publisher.HASS_MQTT: published config topic", "devices", len(messages))
}

func (publisher *HomeAssistantMQTTPublisher) publishAvailability(ctx context.Context, status string) {
	messages := publisher.collect(ctx, func(device *hass.Device) (message, bool) {
		value, ok := device.ConfigValue(hass.KeyAvailability)
		return message{topic: device.ExpandTopic(value), payload: status}, ok
	})
	published := make(map[string]bool, len(messages))
	for _, m := range messages {
		if published[m.topic] {
			continue
		}
		published[m.topic] = true
		if err := publisher.publish(ctx, m.topic, []byte(m.payload), true); err != nil {
			slog.Warn("Publisher.HASS_MQTT: publish availability failed", "topic", m.topic, "err", err)
		}
	}
	slog.Info("Publisher.HASS_MQTT: published availability", "status", status, "topics", len(published))
}

func (publisher *HomeAssistantMQTTPublisher) PublishAttributes(ctx context.Context) {
	messages := publisher.collect(ctx, func(device *hass.Device) (message, bool) {
		_, ok := device.ConfigValue(hass.KeyAttributesTopic)
		return message{topic: device.AttributesTopic(), payload: device.AttributesPayload()}, ok
	})
	for _, m := range messages {
		if err := publisher.publish(ctx, m.topic, []byte(m.payload), false); err != nil {
			slog.Debug("Publisher.HASS_MQTT: publish attributes failed", "topic", m.topic, "err", err)
		}
	}
}

func (publisher *HomeAssistantMQTTPublisher) commandTopics(ctx context.Context) []string {
	var result []string
	publisher.registry.View(ctx, func(device *hass.Device) {
		if _, ok := device.ConfigValue(hass.KeyCommandTopic); ok {
			result = append(result, device.CommandTopic())
		}
	})
	return result
}

// discoveryFilters matches the config topics of any device, with or
// without node id, under the prefixes in use.
func (publisher *HomeAssistantMQTTPublisher) discoveryFilters(ctx context.Context) []string {
	var result []string
	seen := make(map[string]bool)
	publisher.registry.View(ctx, func(device *hass.Device) {
		if seen[device.Prefix()] {
			return
		}
		seen[device.Prefix()] = true
		result = append(result,
			device.Prefix()+"/+/+"+hass.SuffixConfig,
			device.Prefix()+"/+/+/+"+hass.SuffixConfig)
	})
	return result
}

func (publisher *HomeAssistantMQTTPublisher) subscribe(ctx context.Context) {
	conn := publisher.getConnection()
	topics := append(publisher.commandTopics(ctx), publisher.discoveryFilters(ctx)...)
	if len(topics) == 0 || conn == nil {
		return
	}

	subscriptions := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subscriptions = append(subscriptions, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}
	if _, err := conn.Subscribe(ctx, &paho.Subscribe{Subscriptions: subscriptions}); err != nil {
		slog.Error("Publisher.HASS_MQTT: subscribe failed", "err", err)
		return
	}
	slog.Info("Publisher.HASS_MQTT: subscribed", "count", len(subscriptions))
}

// handleCommand echoes a command back to the device state topic, since
// there is no actuator to report the real state.
func (publisher *HomeAssistantMQTTPublisher) handleCommand(ctx context.Context, publish *paho.Publish) {
	configTopic, ok := publisher.registry.FindByCommandTopic(ctx, publish.Topic)
	if !ok {
		slog.Info("Publisher.HASS_MQTT: received not my topic", "topic", publish.Topic)
		return
	}

	var stateTopic string
	if err := publisher.registry.Update(ctx, configTopic, func(device *hass.Device) {
		if _, ok := device.ConfigValue(hass.KeyStateTopic); ok {
			stateTopic = device.StateTopic()
		}
	}); err != nil {
		slog.Warn("Publisher.HASS_MQTT: update device failed", "topic", configTopic, "err", err)
		return
	}
	slog.Info("Publisher.HASS_MQTT: command received", "topic", publish.Topic, "payload", string(publish.Payload))
	if stateTopic == "" {
		return
	}
	if err := publisher.publish(ctx, stateTopic, publish.Payload, true); err != nil {
		slog.Warn("Publisher.HASS_MQTT: publish state topic failed", "topic", stateTopic, "err", err)
	}
}

type discoveryOrigin struct {
	Origin struct {
		Name string `json:"name"`
	} `json:"o"`
}

// handleDiscovery withdraws retained configs this gateway published for
// devices that are no longer configured. Configs from other origins are
// left alone.
func (publisher *HomeAssistantMQTTPublisher) handleDiscovery(ctx context.Context, publish *paho.Publish) {
	if len(publish.Payload) == 0 {
		return
	}
	if publisher.registry.Read(ctx, publish.Topic, func(*hass.Device) {}) {
		return
	}
	var payload discoveryOrigin
	if err := json.Unmarshal(publish.Payload, &payload); err != nil || payload.Origin.Name != entity.OriginName {
		return
	}
	slog.Info("Publisher.HASS_MQTT: found stale discovery config", "topic", publish.Topic)
	if err := publisher.Remove(ctx, publish.Topic); err != nil {
		slog.Warn("Publisher.HASS_MQTT: remove stale device failed", "topic", publish.Topic, "err", err)
	}
}

// Remove clears the retained discovery config so Home Assistant deletes the entity.
func (publisher *HomeAssistantMQTTPublisher) Remove(ctx context.Context, configTopic string) error {
	if err := publisher.publish(ctx, configTopic, []byte{}, true); err != nil {
		return fmt.Errorf("Publisher.HASS_MQTT: remove %v failed, %w", configTopic, err)
	}
	slog.Info("Publisher.HASS_MQTT: device removed", "topic", configTopic)
	return nil
}
