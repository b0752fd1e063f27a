// Package hass models Home Assistant MQTT discovery entities: topics, config
// payloads and JSON attributes.
package hass

import "strings"

const (
	DefaultPrefix = "ha"

	KeyTopicRoot       = "~"
	KeyName            = "name"
	KeyUniqueID        = "unique_id"
	KeyCommandTopic    = "cmd_t"
	KeyStateTopic      = "stat_t"
	KeyAttributesTopic = "json_attr_t"
	KeyAvailability    = "avty_t"
	KeyDevice          = "dev"
	KeyOrigin          = "o"

	SuffixAvailability = "/availability"
	SuffixState        = "/state"
	SuffixConfig       = "/config"
	SuffixAttributes   = "/attr"
	SuffixCommand      = "/cmd"
)

type KeyValue struct {
	Key   string
	Value string
}

// Device describes one Home Assistant MQTT entity: its topics, its discovery
// config vars and its JSON attributes. It is not safe for concurrent use.
type Device struct {
	name       string
	deviceType DeviceType
	identifier string
	nodeID     string
	prefix     string
	topic      string

	configVars []KeyValue
	attributes []KeyValue
}

// NewDevice builds a Device and enables the command and state topics that
// deviceType requires. nodeID may be empty.
func NewDevice(name string, deviceType DeviceType, prefix string, nodeID string) *Device {
	device := &Device{
		name:       name,
		deviceType: deviceType,
		identifier: strings.ToLower(strings.ReplaceAll(name, " ", "_")),
		nodeID:     nodeID,
		prefix:     prefix,
	}
	device.topic = device.generateTopic()

	device.AddConfigVar(KeyTopicRoot, device.topic)
	device.AddConfigVar(KeyName, device.name)
	device.AddConfigVar(KeyUniqueID, device.identifier)

	if deviceType.CommandTopicRequired() {
		device.EnableCommandTopic()
	}
	if deviceType.StateTopicRequired() {
		device.EnableStateTopic()
	}
	return device
}

func (device *Device) generateTopic() string {
	if device.nodeID == "" {
		return device.prefix + "/" + device.deviceType.String() + "/" + device.identifier
	}
	return device.prefix + "/" + device.deviceType.String() + "/" + device.nodeID + "/" + device.identifier
}

func (device *Device) EnableCommandTopic() *Device {
	return device.AddConfigVar(KeyCommandTopic, KeyTopicRoot+SuffixCommand)
}

func (device *Device) EnableStateTopic() *Device {
	return device.AddConfigVar(KeyStateTopic, KeyTopicRoot+SuffixState)
}

func (device *Device) EnableAttributesTopic() *Device {
	return device.AddConfigVar(KeyAttributesTopic, KeyTopicRoot+SuffixAttributes)
}

// EnableAvailabilityTopic uses ~/availability when topic is empty.
func (device *Device) EnableAvailabilityTopic(topic string) *Device {
	if topic == "" {
		topic = KeyTopicRoot + SuffixAvailability
	}
	return device.AddConfigVar(KeyAvailability, topic)
}

// AddConfigVar appends key even if it is already present.
func (device *Device) AddConfigVar(key string, value string) *Device {
	device.configVars = append(device.configVars, KeyValue{Key: key, Value: value})
	return device
}

// RemoveConfigVar removes every config var named key.
func (device *Device) RemoveConfigVar(key string) *Device {
	kept := device.configVars[:0]
	for _, configVar := range device.configVars {
		if configVar.Key != key {
			kept = append(kept, configVar)
		}
	}
	device.configVars = kept
	return device
}

// SetNodeID moves the device under another node. The ~ config var is
// re-appended, so it ends up last.
func (device *Device) SetNodeID(nodeID string) *Device {
	device.nodeID = nodeID
	device.topic = device.generateTopic()
	device.RemoveConfigVar(KeyTopicRoot)
	return device.AddConfigVar(KeyTopicRoot, device.topic)
}

func (device *Device) AddAttribute(key string, value string) *Device {
	device.attributes = append(device.attributes, KeyValue{Key: key, Value: value})
	return device
}

func (device *Device) ClearAttributes() *Device {
	device.attributes = nil
	return device
}

// ConfigValue returns the first value stored for key.
func (device *Device) ConfigValue(key string) (string, bool) {
	for _, configVar := range device.configVars {
		if configVar.Key == key {
			return configVar.Value, true
		}
	}
	return "", false
}

func (device *Device) ConfigVars() []KeyValue {
	return append([]KeyValue(nil), device.configVars...)
}

func (device *Device) Attributes() []KeyValue {
	return append([]KeyValue(nil), device.attributes...)
}

func (device *Device) Name() string       { return device.name }
func (device *Device) Type() DeviceType   { return device.deviceType }
func (device *Device) Identifier() string { return device.identifier }
func (device *Device) NodeID() string     { return device.nodeID }
func (device *Device) Prefix() string     { return device.prefix }

func (device *Device) Topic() string             { return device.topic }
func (device *Device) AvailabilityTopic() string { return device.topic + SuffixAvailability }
func (device *Device) StateTopic() string        { return device.topic + SuffixState }
func (device *Device) ConfigTopic() string       { return device.topic + SuffixConfig }
func (device *Device) AttributesTopic() string   { return device.topic + SuffixAttributes }
func (device *Device) CommandTopic() string      { return device.topic + SuffixCommand }

// ExpandTopic resolves a config var value that uses the ~ alias into a full topic.
func (device *Device) ExpandTopic(value string) string {
	if strings.HasPrefix(value, KeyTopicRoot) {
		return device.topic + strings.TrimPrefix(value, KeyTopicRoot)
	}
	return value
}
