package collector

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kuretru/ha-mqtt-device/entity/hass"
	"github.com/kuretru/ha-mqtt-device/internal/utils"
)

// RuntimeCollector reports facts about the gateway process and its host.
type RuntimeCollector struct {
	startedAt   time.Time
	hostname    string
	now         func() time.Time
	loadAvgPath string
}

func NewRuntimeCollector(startedAt time.Time) *RuntimeCollector {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &RuntimeCollector{
		startedAt:   startedAt,
		hostname:    hostname,
		now:         time.Now,
		loadAvgPath: "/proc/loadavg",
	}
}

func (collector *RuntimeCollector) Name() string {
	return "runtime"
}

func (collector *RuntimeCollector) Collect(_ context.Context, _ *hass.Device) []hass.KeyValue {
	result := []hass.KeyValue{
		{Key: "hostname", Value: collector.hostname},
		{Key: "uptime", Value: utils.FormatValue(collector.now().Sub(collector.startedAt))},
		{Key: "go_version", Value: runtime.Version()},
		{Key: "goroutines", Value: utils.FormatValue(runtime.NumGoroutine())},
	}
	if load, ok := collector.loadAverage(); ok {
		result = append(result, hass.KeyValue{Key: "load_1m", Value: utils.FormatValue(load)})
	}
	return result
}

// loadAverage 只在Linux上可用
func (collector *RuntimeCollector) loadAverage() (float32, bool) {
	content, err := os.ReadFile(collector.loadAvgPath)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(content))
	if len(fields) == 0 {
		return 0, false
	}
	return utils.ParseFloat32OrZero(fields[0]), true
}
