package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MQTT_BROKER_HOST", "")
	t.Setenv("MQTT_BROKER_PORT", "")
	t.Setenv("MQTT_QOS", "")
	t.Setenv("QOS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTTBrokerHost != "localhost" {
		t.Errorf("expected default broker host, got %s", cfg.MQTTBrokerHost)
	}
	if cfg.MQTTBrokerPort != 1883 {
		t.Errorf("expected default broker port 1883, got %d", cfg.MQTTBrokerPort)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MQTT_BROKER_HOST", "broker.example.com")
	t.Setenv("MQTT_BROKER_PORT", "8883")
	t.Setenv("TOPIC_PREFIX", "demo")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTTBrokerHost != "broker.example.com" {
		t.Errorf("broker host override not applied: %s", cfg.MQTTBrokerHost)
	}
	if cfg.MQTTBrokerPort != 8883 {
		t.Errorf("broker port override not applied: %d", cfg.MQTTBrokerPort)
	}
	if cfg.TopicPrefix != "demo" {
		t.Errorf("topic prefix override not applied: %s", cfg.TopicPrefix)
	}
	if cfg.QoS != 2 {
		t.Errorf("qos override not applied: %d", cfg.QoS)
	}
}

func TestLoad_InvalidQoSRejected(t *testing.T) {
	t.Setenv("MQTT_QOS", "5")
	if _, err := Load(); err == nil {
		t.Error("expected error for out-of-range MQTT_QOS")
	}
}
