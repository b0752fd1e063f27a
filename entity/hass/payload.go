package hass

import "strings"

// ConfigPayload renders the discovery config. Values are not escaped. A value
// starting with "{" but not "{{" is written unquoted as an embedded object;
// "{{" keeps it a quoted string.
func (device *Device) ConfigPayload() string {
	if len(device.configVars) == 0 {
		return "{}"
	}

	var builder strings.Builder
	builder.WriteByte('{')
	for i, configVar := range device.configVars {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteByte('"')
		builder.WriteString(configVar.Key)
		builder.WriteString(`":`)
		if isEmbeddedObject(configVar.Value) {
			builder.WriteString(configVar.Value)
		} else {
			builder.WriteByte('"')
			builder.WriteString(configVar.Value)
			builder.WriteByte('"')
		}
	}
	builder.WriteByte('}')
	return builder.String()
}

// AttributesPayload renders attributes as a flat object of string values.
func (device *Device) AttributesPayload() string {
	if len(device.attributes) == 0 {
		return "{}"
	}

	var builder strings.Builder
	builder.WriteByte('{')
	for i, attribute := range device.attributes {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteByte('"')
		builder.WriteString(attribute.Key)
		builder.WriteString(`":"`)
		builder.WriteString(attribute.Value)
		builder.WriteByte('"')
	}
	builder.WriteByte('}')
	return builder.String()
}

func isEmbeddedObject(value string) bool {
	if len(value) == 0 || value[0] != '{' {
		return false
	}
	return len(value) == 1 || value[1] != '{'
}
