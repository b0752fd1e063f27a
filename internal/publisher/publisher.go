package publisher

import (
	"context"
	"fmt"

	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/internal/registry"
)

var (
	publishers []DevicePublisher
)

type DevicePublisher interface {
	Run(ctx context.Context, config *entity.PublisherConfig) error
	PublishAttributes(ctx context.Context)
	Stop(ctx context.Context)
}

func Init(ctx context.Context, configs []*entity.PublisherConfig, reg *registry.Registry) error {
	if len(configs) == 0 {
		return fmt.Errorf("publisher config is empty")
	}

	publishers = make([]DevicePublisher, 0, len(configs))
	for _, config := range configs {
		var publisher DevicePublisher
		switch config.Type {
		case "hass_mqtt":
			publisher = NewHomeAssistantMQTTPublisher(reg)
		default:
			return fmt.Errorf("unknown publisher type %v", config.Type)
		}

		if err := publisher.Run(ctx, config); err != nil {
			return fmt.Errorf("publisher: run %v publisher failed, %v", config.Type, err)
		}
		publishers = append(publishers, publisher)
	}
	return nil
}

// PublishAttributes pushes the current attributes through every running publisher.
func PublishAttributes(ctx context.Context) {
	for _, publisher := range publishers {
		publisher.PublishAttributes(ctx)
	}
}

func Stop(ctx context.Context) {
	for _, publisher := range publishers {
		publisher.Stop(ctx)
	}
}
