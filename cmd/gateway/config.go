package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/entity/hass"
)

type Config struct {
	Publishers []*entity.PublisherConfig `yaml:"publishers"`
	Collectors []*entity.CollectorConfig `yaml:"collectors"`
	Devices    []*entity.DeviceConfig    `yaml:"devices"`
}

func readConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Read config file failed, %v", err)
	}
	var config Config
	if err = yaml.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("Unmarshal config file failed, %v", err)
	}
	for _, publisher := range config.Publishers {
		if publisher.Prefix == "" {
			publisher.Prefix = hass.DefaultPrefix
		}
		// devices are built once, under a single prefix
		if publisher.Prefix != config.Publishers[0].Prefix {
			return nil, fmt.Errorf("Publishers must share one prefix, got %v and %v",
				config.Publishers[0].Prefix, publisher.Prefix)
		}
	}
	return &config, nil
}

// buildDevices turns the device configs into hass devices under prefix. The
// second result holds each device's attributes_static values.
func buildDevices(prefix string, configs []*entity.DeviceConfig) ([]*hass.Device, map[*hass.Device][]hass.KeyValue, error) {
	devices := make([]*hass.Device, 0, len(configs))
	statics := make(map[*hass.Device][]hass.KeyValue)
	origin := hass.OriginInfo{Name: entity.OriginName, SoftwareVersion: version}

	for _, config := range configs {
		deviceType, err := hass.ParseDeviceType(config.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("device %q: %w", config.Name, err)
		}

		device := hass.NewDevice(config.Name, deviceType, prefix, config.NodeID)
		if config.Attributes {
			device.EnableAttributesTopic()
		}
		if config.Availability {
			device.EnableAvailabilityTopic(config.AvailabilityTopic)
		}
		if config.DeviceInfo != nil {
			identifier := config.NodeID
			if identifier == "" {
				identifier = device.Identifier()
			}
			device.SetDeviceInfo(hass.DeviceInfo{
				Identifiers:     []string{identifier},
				Name:            config.Name,
				Manufacturer:    config.DeviceInfo.Manufacturer,
				Model:           config.DeviceInfo.Model,
				SoftwareVersion: config.DeviceInfo.SoftwareVersion,
				SuggestedArea:   config.DeviceInfo.SuggestedArea,
			})
		}
		device.SetOrigin(origin)
		for _, kv := range config.Config {
			device.AddConfigVar(kv.Key, kv.Value)
		}
		for _, kv := range config.StaticAttributes {
			statics[device] = append(statics[device], hass.KeyValue{Key: kv.Key, Value: kv.Value})
		}
		devices = append(devices, device)
	}
	return devices, statics, nil
}
