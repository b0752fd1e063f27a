package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/entity/hass"
	"github.com/kuretru/ha-mqtt-device/internal/utils"
)

// MQTTCollector subscribes to a source topic and keeps the latest attributes
// reported for each device. A message is a JSON object keyed by device
// identifier, for example {"kitchen_light":{"brightness":80,"room":"kitchen"}}.
// When the object holds the attributes of a single device instead, the
// identifier is the topic segment under the first "+" of the filter, or the
// last segment if the filter has none.
type MQTTCollector struct {
	config            *entity.CollectorConfig
	connectionManager *autopaho.ConnectionManager

	lock   sync.RWMutex
	latest map[string][]hass.KeyValue
}

func NewMQTTCollector(config *entity.CollectorConfig) *MQTTCollector {
	return &MQTTCollector{
		config: config,
		latest: make(map[string][]hass.KeyValue),
	}
}

func (collector *MQTTCollector) Name() string {
	return "mqtt"
}

func (collector *MQTTCollector) Collect(_ context.Context, device *hass.Device) []hass.KeyValue {
	collector.lock.RLock()
	defer collector.lock.RUnlock()
	return slices.Clone(collector.latest[device.Identifier()])
}

func (collector *MQTTCollector) Run(ctx context.Context) error {
	config := collector.config
	if config.MQTT == nil || config.Topic == "" {
		return fmt.Errorf("Collector.MQTT: mqtt config and topic are required")
	}
	u, err := url.Parse(config.MQTT.URL)
	if err != nil {
		return fmt.Errorf("Collector.MQTT: parse mqtt url failed: %v, %v", config.MQTT.URL, err)
	}
	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "ha-mqtt-device-collector-" + uuid.NewString()
	}

	router := paho.NewStandardRouter()
	router.DefaultHandler(func(publish *paho.Publish) {
		slog.Warn("Collector.MQTT: message received without hit any route", "topic", publish.Topic)
	})
	router.RegisterHandler(config.Topic, collector.handleMessage)

	clientConfig := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       config.MQTT.Keepalive,
		ConnectUsername: config.MQTT.Username,
		ConnectPassword: []byte(config.MQTT.Password),
		// CleanStartOnInitialConnection defaults to false. Setting this to true will clear the session on the first connection.
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(connectionManager *autopaho.ConnectionManager, connAck *paho.Connack) {
			slog.Info("Collector.MQTT: connected to server")
			go func() {
				if _, err := connectionManager.Subscribe(ctx, &paho.Subscribe{
					Subscriptions: []paho.SubscribeOptions{
						{Topic: config.Topic, QoS: 1},
					},
				}); err != nil {
					slog.Error("Collector.MQTT: subscribe failed", "err", err)
					return
				}
				slog.Info("Collector.MQTT: subscribed to", "topic", config.Topic)
			}()
		},
		OnConnectError: func(err error) {
			slog.Error("Collector.MQTT: connect failed", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(publishReceived paho.PublishReceived) (bool, error) {
					router.Route(publishReceived.Packet.Packet())
					return true, nil
				}},
			OnClientError: func(err error) {
				slog.Info("Collector.MQTT: client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					slog.Error("Collector.MQTT: server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					slog.Error("Collector.MQTT: server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	collector.connectionManager, err = autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("Collector.MQTT: NewConnection failed, %v", err)
	}
	if err = collector.connectionManager.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("Collector.MQTT: AwaitConnection failed, %v", err)
	}
	slog.Info("Collector.MQTT: initialized", "server", config.MQTT.URL)
	return nil
}

func (collector *MQTTCollector) handleMessage(publish *paho.Publish) {
	var message map[string]any
	if err := json.Unmarshal(publish.Payload, &message); err != nil {
		slog.Error("Collector.MQTT: attributes message unmarshal failed", "topic", publish.Topic, "err", err)
		return
	}

	devices := make(map[string]map[string]any)
	for key, value := range message {
		if nested, ok := value.(map[string]any); ok {
			devices[key] = nested
		}
	}
	if len(devices) == 0 {
		devices[identifierFromTopic(collector.config.Topic, publish.Topic)] = message
	}

	collector.lock.Lock()
	defer collector.lock.Unlock()
	for identifier, values := range devices {
		attributes := make([]hass.KeyValue, 0, len(values))
		for _, key := range slices.Sorted(maps.Keys(values)) {
			attributes = append(attributes, hass.KeyValue{Key: key, Value: utils.FormatValue(values[key])})
		}
		collector.latest[identifier] = attributes
	}
	slog.Debug("Collector.MQTT: attributes received", "topic", publish.Topic, "devices", len(devices))
}

func identifierFromTopic(filter string, topic string) string {
	topicSeg := strings.Split(topic, "/")
	for i, filterSeg := range strings.Split(filter, "/") {
		if filterSeg == "+" && i < len(topicSeg) {
			return topicSeg[i]
		}
	}
	return topicSeg[len(topicSeg)-1]
}
