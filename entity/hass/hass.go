package hass

import "encoding/json"

// DeviceInfo is the device registry block ("dev") of a discovery config,
// using the abbreviated field names Home Assistant accepts.
type DeviceInfo struct {
	ConfigurationUrl string   `json:"cu,omitempty"`
	Connections      []string `json:"cns,omitempty"`
	Identifiers      []string `json:"ids,omitempty"`
	Name             string   `json:"name,omitempty"`
	Manufacturer     string   `json:"mf,omitempty"`
	Model            string   `json:"mdl,omitempty"`
	ModelID          string   `json:"mdl_id,omitempty"`
	HardwareVersion  string   `json:"hw,omitempty"`
	SoftwareVersion  string   `json:"sw,omitempty"`
	SuggestedArea    string   `json:"sa,omitempty"`
	SerialNumber     string   `json:"sn,omitempty"`
}

// OriginInfo is the origin block ("o") of a discovery config.
type OriginInfo struct {
	Name            string `json:"name"`
	SoftwareVersion string `json:"sw,omitempty"`
	SupportUrl      string `json:"url,omitempty"`
}

// SetDeviceInfo replaces the "dev" config var with info encoded as an embedded object.
func (device *Device) SetDeviceInfo(info DeviceInfo) *Device {
	return device.setEmbedded(KeyDevice, info)
}

// SetOrigin replaces the "o" config var with origin encoded as an embedded object.
func (device *Device) SetOrigin(origin OriginInfo) *Device {
	return device.setEmbedded(KeyOrigin, origin)
}

func (device *Device) setEmbedded(key string, value any) *Device {
	// 结构体只含字符串字段，编码不会失败
	payloadBytes, _ := json.Marshal(value)
	device.RemoveConfigVar(key)
	return device.AddConfigVar(key, string(payloadBytes))
}
