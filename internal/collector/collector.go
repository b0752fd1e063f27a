package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuretru/ha-mqtt-device/entity"
	"github.com/kuretru/ha-mqtt-device/entity/hass"
	"github.com/kuretru/ha-mqtt-device/internal/registry"
)

const defaultInterval = 30 * time.Second

// AttributeCollector produces the JSON attributes of a single device.
type AttributeCollector interface {
	Name() string
	Collect(ctx context.Context, device *hass.Device) []hass.KeyValue
}

// Runner periodically rebuilds the attributes of every device that has the
// attributes topic enabled, then calls notify so they can be published.
type Runner struct {
	registry   *registry.Registry
	collectors []AttributeCollector
	interval   time.Duration
	notify     func(ctx context.Context)
}

// Init builds a Runner from the collector configs. statics holds the
// attributes_static values of each device.
func Init(ctx context.Context, configs []*entity.CollectorConfig, reg *registry.Registry,
	statics map[*hass.Device][]hass.KeyValue, notify func(ctx context.Context)) (*Runner, error) {
	runner := &Runner{
		registry: reg,
		interval: defaultInterval,
		notify:   notify,
	}

	for _, config := range configs {
		if config == nil {
			return nil, fmt.Errorf("collector config is nil")
		}

		var collector AttributeCollector
		switch config.Type {
		case "static":
			collector = NewStaticCollector(statics)
		case "runtime":
			collector = NewRuntimeCollector(time.Now())
		case "mqtt":
			mqttCollector := NewMQTTCollector(config)
			if err := mqttCollector.Run(ctx); err != nil {
				return nil, fmt.Errorf("collector: run %v collector failed, %v", config.Type, err)
			}
			collector = mqttCollector
		default:
			return nil, fmt.Errorf("unknown collector type %v", config.Type)
		}
		if config.Interval > 0 && config.Interval < runner.interval {
			runner.interval = config.Interval
		}
		runner.collectors = append(runner.collectors, collector)
		slog.Info("Collector: collector initialized", "type", config.Type)
	}
	return runner, nil
}

func (runner *Runner) Run(ctx context.Context) {
	runner.Refresh(ctx)

	ticker := time.NewTicker(runner.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runner.Refresh(ctx)
		}
	}
}

func (runner *Runner) Refresh(ctx context.Context) {
	count := 0
	runner.registry.UpdateAll(ctx, func(device *hass.Device) {
		if _, ok := device.ConfigValue(hass.KeyAttributesTopic); !ok {
			return
		}
		device.ClearAttributes()
		for _, collector := range runner.collectors {
			for _, attribute := range collector.Collect(ctx, device) {
				device.AddAttribute(attribute.Key, attribute.Value)
			}
		}
		count++
	})
	slog.Debug("Collector: attributes refreshed", "devices", count)

	if runner.notify != nil {
		runner.notify(ctx)
	}
}
