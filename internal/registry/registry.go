package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuretru/ha-mqtt-device/entity/hass"
)

var (
	ErrDuplicateDevice = errors.New("device already registered")
	ErrDeviceNotFound  = errors.New("device not registered")
)

// Registry owns the devices and serializes every access to them, since
// hass.Device does no locking of its own. Devices are keyed by config topic.
type Registry struct {
	lock    sync.RWMutex
	order   []string
	devices map[string]*Cell
}

type Cell struct {
	LastSeen time.Time
	Device   *hass.Device
}

func New() *Registry {
	return &Registry{devices: make(map[string]*Cell)}
}

func (registry *Registry) Add(_ context.Context, device *hass.Device) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	key := device.ConfigTopic()
	if _, ok := registry.devices[key]; ok {
		return fmt.Errorf("Registry: add %v failed, %w", key, ErrDuplicateDevice)
	}
	registry.devices[key] = &Cell{LastSeen: time.Now(), Device: device}
	registry.order = append(registry.order, key)
	slog.Debug("Registry: device added", "topic", key, "type", device.Type())
	return nil
}

// Update runs fn on the device under the write lock. A device whose node id
// changes is re-keyed under its new config topic; if that topic is already
// taken the node id is rolled back and ErrDuplicateDevice is returned.
func (registry *Registry) Update(_ context.Context, configTopic string, fn func(device *hass.Device)) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	cell, ok := registry.devices[configTopic]
	if !ok {
		return fmt.Errorf("Registry: update %v failed, %w", configTopic, ErrDeviceNotFound)
	}
	oldNodeID := cell.Device.NodeID()
	fn(cell.Device)
	cell.LastSeen = time.Now()

	newKey := cell.Device.ConfigTopic()
	if newKey == configTopic {
		return nil
	}
	if _, taken := registry.devices[newKey]; taken {
		cell.Device.SetNodeID(oldNodeID)
		return fmt.Errorf("Registry: re-key %v to %v failed, %w", configTopic, newKey, ErrDuplicateDevice)
	}
	delete(registry.devices, configTopic)
	registry.devices[newKey] = cell
	for i, key := range registry.order {
		if key == configTopic {
			registry.order[i] = newKey
			break
		}
	}
	slog.Info("Registry: device re-keyed", "old", configTopic, "new", newKey)
	return nil
}

// Read runs fn on one device under the read lock. fn must not mutate the device.
func (registry *Registry) Read(_ context.Context, configTopic string, fn func(device *hass.Device)) bool {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	cell, ok := registry.devices[configTopic]
	if !ok {
		return false
	}
	fn(cell.Device)
	return true
}

// View runs fn on every device, in registration order, under the read lock.
// fn must not mutate the device.
func (registry *Registry) View(_ context.Context, fn func(device *hass.Device)) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	for _, key := range registry.order {
		fn(registry.devices[key].Device)
	}
}

// UpdateAll runs fn on every device, in registration order, under the write lock.
// fn must not change node ids.
func (registry *Registry) UpdateAll(_ context.Context, fn func(device *hass.Device)) {
	now := time.Now()
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for _, key := range registry.order {
		cell := registry.devices[key]
		fn(cell.Device)
		cell.LastSeen = now
	}
}

// FindByCommandTopic returns the config topic of the device listening on topic.
func (registry *Registry) FindByCommandTopic(_ context.Context, topic string) (string, bool) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	for _, key := range registry.order {
		if registry.devices[key].Device.CommandTopic() == topic {
			return key, true
		}
	}
	return "", false
}

// Keys returns the config topics in registration order.
func (registry *Registry) Keys() []string {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return append([]string(nil), registry.order...)
}

func (registry *Registry) Len() int {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return len(registry.order)
}

func (registry *Registry) LastSeen(configTopic string) (time.Time, bool) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	if cell, ok := registry.devices[configTopic]; ok {
		return cell.LastSeen, true
	}
	return time.Time{}, false
}
