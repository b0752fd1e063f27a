package collector

import (
	"context"

	"github.com/kuretru/ha-mqtt-device/entity/hass"
)

// StaticCollector returns the fixed attributes configured for each device.
type StaticCollector struct {
	values map[*hass.Device][]hass.KeyValue
}

func NewStaticCollector(values map[*hass.Device][]hass.KeyValue) *StaticCollector {
	return &StaticCollector{values: values}
}

func (collector *StaticCollector) Name() string {
	return "static"
}

func (collector *StaticCollector) Collect(_ context.Context, device *hass.Device) []hass.KeyValue {
	return collector.values[device]
}
