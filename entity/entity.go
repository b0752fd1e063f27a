package entity

import "time"

// OriginName identifies discovery configs published by this gateway.
const OriginName = "ha-mqtt-device"

type MQTTConfig struct {
	URL       string `yaml:"url"`
	Keepalive uint16 `yaml:"keepalive"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type PublisherConfig struct {
	Type           string        `yaml:"type"`
	Prefix         string        `yaml:"prefix"`
	WillTopic      string        `yaml:"will_topic"`
	ConfigInterval time.Duration `yaml:"config_interval"`
	MQTT           *MQTTConfig   `yaml:"mqtt"`
}

type CollectorConfig struct {
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`
	// Topic is the filter the mqtt collector subscribes to.
	Topic string      `yaml:"topic"`
	MQTT  *MQTTConfig `yaml:"mqtt"`
}

type KeyValueConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// DeviceConfig 配置文件中的单个设备
type DeviceConfig struct {
	Name              string            `yaml:"name"`
	Type              string            `yaml:"type"`
	NodeID            string            `yaml:"node_id"`
	Attributes        bool              `yaml:"attributes"`
	Availability      bool              `yaml:"availability"`
	AvailabilityTopic string            `yaml:"availability_topic"`
	Config            []KeyValueConfig  `yaml:"config"`
	StaticAttributes  []KeyValueConfig  `yaml:"attributes_static"`
	DeviceInfo        *DeviceInfoConfig `yaml:"device_info"`
}

type DeviceInfoConfig struct {
	Manufacturer    string `yaml:"manufacturer"`
	Model           string `yaml:"model"`
	SoftwareVersion string `yaml:"sw_version"`
	SuggestedArea   string `yaml:"suggested_area"`
}
