package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/entity/hass"
	"github.com/kuretru/ha-mqtt-device/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	lock         sync.Mutex
	published    []*paho.Publish
	subscribed   []*paho.Subscribe
	events       []string
	disconnected bool
	err          error
}

func (connection *fakeConnection) Disconnect(_ context.Context) error {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	connection.disconnected = true
	connection.events = append(connection.events, "disconnect")
	return connection.err
}

func (connection *fakeConnection) Publish(_ context.Context, publish *paho.Publish) (*paho.PublishResponse, error) {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	if connection.err != nil {
		return nil, connection.err
	}
	if connection.disconnected {
		return nil, errors.New("publish after disconnect")
	}
	connection.published = append(connection.published, publish)
	connection.events = append(connection.events, "publish "+publish.Topic+" "+string(publish.Payload))
	return &paho.PublishResponse{}, nil
}

func (connection *fakeConnection) Subscribe(_ context.Context, subscribe *paho.Subscribe) (*paho.Suback, error) {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	if connection.err != nil {
		return nil, connection.err
	}
	connection.subscribed = append(connection.subscribed, subscribe)
	return &paho.Suback{}, nil
}

func (connection *fakeConnection) byTopic() map[string]*paho.Publish {
	result := make(map[string]*paho.Publish)
	for _, publish := range connection.published {
		result[publish.Topic] = publish
	}
	return result
}

func newTestPublisher(t *testing.T, devices ...*hass.Device) (*HomeAssistantMQTTPublisher, *fakeConnection) {
	t.Helper()
	reg := registry.New()
	for _, device := range devices {
		require.NoError(t, reg.Add(context.Background(), device))
	}
	connection := &fakeConnection{}
	publisher := NewHomeAssistantMQTTPublisher(reg)
	publisher.config = &entity.PublisherConfig{Type: "hass_mqtt", Prefix: "ha"}
	publisher.connection = connection
	return publisher, connection
}

func TestPublishConfigTopic(t *testing.T) {
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "")
	camera := hass.NewDevice("Garage Door", hass.DeviceTypeCamera, "ha", "")
	publisher, connection := newTestPublisher(t, light, camera)

	publisher.publishConfigTopic(context.Background())

	require.Len(t, connection.published, 2)
	assert.Equal(t, "ha/light/kitchen_light/config", connection.published[0].Topic)
	assert.Equal(t, light.ConfigPayload(), string(connection.published[0].Payload))
	assert.True(t, connection.published[0].Retain)
	assert.Equal(t, "ha/camera/garage_door/config", connection.published[1].Topic)
}

func TestPublishAvailability(t *testing.T) {
	withDefault := hass.NewDevice("A", hass.DeviceTypeSensor, "ha", "").EnableAvailabilityTopic("")
	withCustom := hass.NewDevice("B", hass.DeviceTypeSensor, "ha", "").EnableAvailabilityTopic("gateway/status")
	sharing := hass.NewDevice("C", hass.DeviceTypeSensor, "ha", "").EnableAvailabilityTopic("gateway/status")
	without := hass.NewDevice("D", hass.DeviceTypeSensor, "ha", "")
	publisher, connection := newTestPublisher(t, withDefault, withCustom, sharing, without)

	publisher.publishAvailability(context.Background(), payloadOnline)

	published := connection.byTopic()
	assert.Len(t, connection.published, 2)
	assert.Equal(t, "online", string(published["ha/sensor/a/availability"].Payload))
	assert.Equal(t, "online", string(published["gateway/status"].Payload))
	assert.True(t, published["gateway/status"].Retain)
}

func TestWillTopic(t *testing.T) {
	first := hass.NewDevice("A", hass.DeviceTypeSensor, "ha", "")
	second := hass.NewDevice("B", hass.DeviceTypeSensor, "ha", "").EnableAvailabilityTopic("")
	publisher, _ := newTestPublisher(t, first, second)
	assert.Equal(t, "ha/sensor/b/availability", publisher.willTopic(context.Background()))

	publisher.config.WillTopic = "gateway/status"
	assert.Equal(t, "gateway/status", publisher.willTopic(context.Background()))

	empty, _ := newTestPublisher(t, first)
	assert.Equal(t, "", empty.willTopic(context.Background()))
}

func TestPublishAttributes(t *testing.T) {
	withAttributes := hass.NewDevice("A", hass.DeviceTypeSensor, "ha", "").
		EnableAttributesTopic().
		AddAttribute("room", "garage")
	without := hass.NewDevice("B", hass.DeviceTypeSensor, "ha", "").AddAttribute("room", "attic")
	publisher, connection := newTestPublisher(t, withAttributes, without)

	publisher.PublishAttributes(context.Background())

	require.Len(t, connection.published, 1)
	assert.Equal(t, "ha/sensor/a/attr", connection.published[0].Topic)
	assert.Equal(t, `{"room":"garage"}`, string(connection.published[0].Payload))
	assert.False(t, connection.published[0].Retain)
}

func TestSubscribe(t *testing.T) {
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "")
	sensor := hass.NewDevice("Temp", hass.DeviceTypeSensor, "ha", "")
	button := hass.NewDevice("Reboot", hass.DeviceTypeButton, "ha", "node1")
	publisher, connection := newTestPublisher(t, light, sensor, button)

	publisher.subscribe(context.Background())

	require.Len(t, connection.subscribed, 1)
	assert.Equal(t, []paho.SubscribeOptions{
		{Topic: "ha/light/kitchen_light/cmd", QoS: 1},
		{Topic: "ha/button/node1/reboot/cmd", QoS: 1},
		{Topic: "ha/+/+/config", QoS: 1},
		{Topic: "ha/+/+/+/config", QoS: 1},
	}, connection.subscribed[0].Subscriptions)
}

func TestSubscribe_NoDevices(t *testing.T) {
	publisher, connection := newTestPublisher(t)
	publisher.subscribe(context.Background())
	assert.Empty(t, connection.subscribed)
}

func routed(topic string, payload string) *packets.Publish {
	return &packets.Publish{Topic: topic, Payload: []byte(payload), Properties: &packets.Properties{}}
}

func TestRouter_ExactCommandTopics(t *testing.T) {
	ctx := context.Background()
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "homeassistant", "gw")
	publisher, connection := newTestPublisher(t, light)
	// the publisher's own prefix differs from the prefix the device was built with
	publisher.config.Prefix = "ha"
	router := publisher.newRouter(ctx)

	router.Route(routed("homeassistant/light/gw/kitchen_light/cmd", "ON"))
	require.Len(t, connection.published, 1)
	assert.Equal(t, "homeassistant/light/gw/kitchen_light/state", connection.published[0].Topic)

	router.Route(routed("homeassistant/light/gw/kitchen_light/state", "ON"))
	assert.Len(t, connection.published, 1)
}

func TestHandleDiscovery_RemovesStaleOwnConfig(t *testing.T) {
	ctx := context.Background()
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "").
		SetOrigin(hass.OriginInfo{Name: entity.OriginName})
	publisher, connection := newTestPublisher(t, light)
	router := publisher.newRouter(ctx)

	// configured device: kept
	router.Route(routed(light.ConfigTopic(), light.ConfigPayload()))
	// other origin: kept
	router.Route(routed("ha/switch/z2m/plug/config", `{"name":"Plug","o":{"name":"Zigbee2MQTT"}}`))
	// empty payload from a previous removal: ignored
	router.Route(routed("ha/light/old_light/config", ""))
	assert.Empty(t, connection.published)

	router.Route(routed("ha/light/old_light/config", `{"~":"ha/light/old_light","o":{"name":"ha-mqtt-device"}}`))
	require.Len(t, connection.published, 1)
	assert.Equal(t, "ha/light/old_light/config", connection.published[0].Topic)
	assert.Empty(t, connection.published[0].Payload)
	assert.True(t, connection.published[0].Retain)
}

func TestStop_PublishesOfflineBeforeDisconnect(t *testing.T) {
	device := hass.NewDevice("A", hass.DeviceTypeSensor, "ha", "").EnableAvailabilityTopic("")
	publisher, connection := newTestPublisher(t, device)
	stopped := false
	publisher.cancel = func() { stopped = true }

	// the caller's context is already cancelled at shutdown; Stop gets its own
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	publisher.Stop(stopCtx)

	assert.Equal(t, []string{
		"publish ha/sensor/a/availability offline",
		"disconnect",
	}, connection.events)
	assert.True(t, stopped)
}

func TestStop_NotStarted(t *testing.T) {
	publisher := NewHomeAssistantMQTTPublisher(registry.New())
	publisher.Stop(context.Background())
}

func TestOnConnectionUp(t *testing.T) {
	device := hass.NewDevice("A", hass.DeviceTypeSwitch, "ha", "").
		EnableAvailabilityTopic("").
		EnableAttributesTopic().
		AddAttribute("room", "rack")
	publisher, connection := newTestPublisher(t, device)

	publisher.onConnectionUp(context.Background())

	assert.Equal(t, []string{
		"publish ha/switch/a/config " + device.ConfigPayload(),
		"publish ha/switch/a/availability online",
		"publish ha/switch/a/attr {\"room\":\"rack\"}",
	}, connection.events)
	require.Len(t, connection.subscribed, 1)
}

func TestHandleCommand(t *testing.T) {
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "")
	button := hass.NewDevice("Reboot", hass.DeviceTypeButton, "ha", "")
	publisher, connection := newTestPublisher(t, light, button)
	ctx := context.Background()

	publisher.handleCommand(ctx, &paho.Publish{Topic: "ha/light/kitchen_light/cmd", Payload: []byte("ON")})
	require.Len(t, connection.published, 1)
	assert.Equal(t, "ha/light/kitchen_light/state", connection.published[0].Topic)
	assert.Equal(t, "ON", string(connection.published[0].Payload))

	// button has no state topic
	publisher.handleCommand(ctx, &paho.Publish{Topic: "ha/button/reboot/cmd", Payload: []byte("PRESS")})
	publisher.handleCommand(ctx, &paho.Publish{Topic: "ha/light/other/cmd", Payload: []byte("ON")})
	assert.Len(t, connection.published, 1)
}

func TestRemove(t *testing.T) {
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "")
	publisher, connection := newTestPublisher(t, light)

	require.NoError(t, publisher.Remove(context.Background(), light.ConfigTopic()))
	require.Len(t, connection.published, 1)
	assert.Equal(t, "ha/light/kitchen_light/config", connection.published[0].Topic)
	assert.Empty(t, connection.published[0].Payload)
	assert.True(t, connection.published[0].Retain)
}

func TestRemove_PublishError(t *testing.T) {
	light := hass.NewDevice("Kitchen Light", hass.DeviceTypeLight, "ha", "")
	publisher, connection := newTestPublisher(t, light)
	connection.err = errors.New("broker gone")

	err := publisher.Remove(context.Background(), light.ConfigTopic())
	assert.ErrorContains(t, err, "broker gone")
}

func TestPublish_NotConnected(t *testing.T) {
	publisher := NewHomeAssistantMQTTPublisher(registry.New())
	assert.Error(t, publisher.publish(context.Background(), "t", nil, false))
}

func TestRun_RequiresMQTTConfig(t *testing.T) {
	publisher := NewHomeAssistantMQTTPublisher(registry.New())
	err := publisher.Run(context.Background(), &entity.PublisherConfig{Type: "hass_mqtt"})
	assert.ErrorContains(t, err, "mqtt config is nil")
}
