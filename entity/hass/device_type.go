package hass

import (
	"errors"
	"fmt"
)

var ErrUnknownDeviceType = errors.New("unknown device type")

type DeviceType int

const (
	DeviceTypeAlarmControlPanel DeviceType = iota
	DeviceTypeBinarySensor
	DeviceTypeCamera
	DeviceTypeCover
	DeviceTypeFan
	DeviceTypeLight
	DeviceTypeLock
	DeviceTypeSensor
	DeviceTypeSwitch
	DeviceTypeClimate
	DeviceTypeVacuum
	DeviceTypeNumber
	DeviceTypeButton
)

const unknownDeviceType = "[Unknown DeviceType]"

// capabilities 设备类型的必选主题
type capabilities struct {
	name    string
	command bool
	state   bool
}

var deviceTypes = map[DeviceType]capabilities{
	DeviceTypeAlarmControlPanel: {name: "alarm_control_panel", command: true, state: true},
	DeviceTypeBinarySensor:      {name: "binary_sensor", state: true},
	DeviceTypeCamera:            {name: "camera"},
	DeviceTypeCover:             {name: "cover", command: true, state: true},
	DeviceTypeFan:               {name: "fan", command: true, state: true},
	DeviceTypeLight:             {name: "light", command: true, state: true},
	DeviceTypeLock:              {name: "lock", command: true, state: true},
	DeviceTypeSensor:            {name: "sensor", state: true},
	DeviceTypeSwitch:            {name: "switch", command: true, state: true},
	DeviceTypeClimate:           {name: "climate"},
	DeviceTypeVacuum:            {name: "vacuum"},
	DeviceTypeNumber:            {name: "number", command: true, state: true},
	DeviceTypeButton:            {name: "button", command: true},
}

// String returns the Home Assistant component name used as the second topic segment.
func (t DeviceType) String() string {
	if c, ok := deviceTypes[t]; ok {
		return c.name
	}
	return unknownDeviceType
}

func (t DeviceType) CommandTopicRequired() bool {
	return deviceTypes[t].command
}

func (t DeviceType) StateTopicRequired() bool {
	return deviceTypes[t].state
}

// ParseDeviceType maps a component name such as "binary_sensor" back to its DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	for t, c := range deviceTypes {
		if c.name == name {
			return t, nil
		}
	}
	return -1, fmt.Errorf("%w %v", ErrUnknownDeviceType, name)
}
