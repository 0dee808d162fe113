// Package config loads the bus and transfer configuration from the
// environment, following the spec's configuration table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/orcatransfer/bridge/internal/bus"
)

// Config holds everything a sender or receiver needs to reach the bus and
// address its topics.
type Config struct {
	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTKeepAlive  time.Duration
	TopicPrefix    string
	QoS            bus.QoS
	ChunkSize      int
	StorageDir     string
}

// DefaultConfig returns the configuration used when no environment
// variable overrides a field.
func DefaultConfig() *Config {
	return &Config{
		MQTTBrokerHost: "localhost",
		MQTTBrokerPort: 1883,
		MQTTClientID:   "orcatransfer",
		MQTTKeepAlive:  60 * time.Second,
		TopicPrefix:    "orca",
		QoS:            bus.QoSAtLeastOnce,
		ChunkSize:      1048576, // 1 MiB
		StorageDir:     "./received",
	}
}

// Load builds a Config from DefaultConfig() overridden by environment
// variables: MQTT_BROKER_HOST, MQTT_BROKER_PORT, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD, MQTT_KEEPALIVE, TOPIC_PREFIX, and
// MQTT_QOS (falling back to QOS if MQTT_QOS is unset).
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("MQTT_BROKER_HOST"); v != "" {
		cfg.MQTTBrokerHost = v
	}
	if v := os.Getenv("MQTT_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MQTT_BROKER_PORT: %w", err)
		}
		cfg.MQTTBrokerPort = port
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	} else {
		// Two processes sharing one client_id would have the broker
		// drop one of their connections; give each unconfigured
		// process its own identity.
		cfg.MQTTClientID = fmt.Sprintf("%s-%s", cfg.MQTTClientID, uuid.New().String()[:8])
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTTPassword = v
	}
	if v := os.Getenv("MQTT_KEEPALIVE"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MQTT_KEEPALIVE: %w", err)
		}
		cfg.MQTTKeepAlive = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = v
	}

	qosStr := os.Getenv("MQTT_QOS")
	if qosStr == "" {
		qosStr = os.Getenv("QOS")
	}
	if qosStr != "" {
		qos, err := strconv.Atoi(qosStr)
		if err != nil || qos < 0 || qos > 2 {
			return nil, fmt.Errorf("config: MQTT_QOS/QOS must be 0, 1, or 2, got %q", qosStr)
		}
		cfg.QoS = bus.QoS(qos)
	}

	return cfg, nil
}

// BusConfig adapts Config into the MQTT adapter's connection parameters.
func (c *Config) BusConfig() bus.MQTTConfig {
	return bus.MQTTConfig{
		BrokerHost: c.MQTTBrokerHost,
		BrokerPort: c.MQTTBrokerPort,
		ClientID:   c.MQTTClientID,
		Username:   c.MQTTUsername,
		Password:   c.MQTTPassword,
		KeepAlive:  c.MQTTKeepAlive,
	}
}
