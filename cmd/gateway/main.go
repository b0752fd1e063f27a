package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuretru/ha-mqtt-device/internal/collector"
	"github.com/kuretru/ha-mqtt-device/internal/publisher"
	"github.com/kuretru/ha-mqtt-device/internal/registry"
)

var version = "dev"

func main() {
	config := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(config.Publishers) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "No publisher configured")
		os.Exit(2)
	}
	devices, statics, err := buildDevices(config.Publishers[0].Prefix, config.Devices)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Build devices failed, %v", err)
		os.Exit(3)
	}
	reg := registry.New()
	for _, device := range devices {
		if err = reg.Add(ctx, device); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%v", err)
			os.Exit(3)
		}
	}

	if err = publisher.Init(ctx, config.Publishers, reg); err != nil {
		log.Printf("Publisher: init failed, %v", err)
		os.Exit(1)
	}
	runner, err := collector.Init(ctx, config.Collectors, reg, statics, publisher.PublishAttributes)
	if err != nil {
		log.Printf("Collector: init failed, %v", err)
		os.Exit(1)
	}
	go runner.Run(ctx)
	go runStatus(ctx, reg, time.Minute)

	<-ctx.Done()
	log.Printf("Received shutdown signal, exiting gracefully...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	publisher.Stop(stopCtx)
}

func runStatus(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(reg)
		}
	}
}

// logStatus reports how many devices are registered and when the least
// recently touched one was last updated.
func logStatus(reg *registry.Registry) (int, time.Time) {
	var oldest time.Time
	for _, key := range reg.Keys() {
		lastSeen, ok := reg.LastSeen(key)
		if ok && (oldest.IsZero() || lastSeen.Before(oldest)) {
			oldest = lastSeen
		}
	}
	slog.Info("Gateway: status", "devices", reg.Len(), "oldestLastSeen", oldest)
	return reg.Len(), oldest
}

func loadConfig() *Config {
	configFilePath := flag.String("config", "./configs/gateway.yaml", "Config file path")
	flag.Parse()
	if configFilePath == nil || *configFilePath == "" {
		_, _ = fmt.Fprintf(os.Stderr, "Config file not provide")
		os.Exit(2)
	}
	if _, err := os.Stat(*configFilePath); err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintf(os.Stderr, "Config file not exist")
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "Stat config file failed, %v", err)
		}
		os.Exit(3)
	}

	config, err := readConfig(*configFilePath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(3)
	}
	return config
}
