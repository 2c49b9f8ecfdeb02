package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFailsWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_HOST", "")
	t.Setenv("SF_DEVICE_ID", "dev1")
	_, err := Load([]string{})
	require.Error(t, err)
}

func TestLoadFailsWithoutDeviceID(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker")
	t.Setenv("SF_DEVICE_ID", "")
	_, err := Load([]string{})
	require.Error(t, err)
}

func TestLoadResolvesFromEnv(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("SF_DEVICE_ID", "dev1")
	t.Setenv("MAX_INVERTER_LIMIT", "900")

	cfg, err := Load([]string{})
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.MQTTHost)
	assert.Equal(t, "dev1", cfg.DeviceID)
	assert.Equal(t, float64(900), cfg.MaxInverterLimit)
}

func TestApplyFallbackDefaultsOnlySetsUnsetFields(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("SF_DEVICE_ID", "dev1")
	cfg, err := Load([]string{})
	require.NoError(t, err)

	preset := 999.0
	cfg.Policy.MinChargePower = &preset

	var published []string
	cfg.ApplyFallbackDefaults(func(topic, value string) {
		published = append(published, topic)
	})

	assert.Equal(t, float64(999), *cfg.Policy.MinChargePower)
	require.NotNil(t, cfg.Policy.BatteryHigh)
	assert.Equal(t, 98, *cfg.Policy.BatteryHigh)
	assert.NotContains(t, published, "solarflow-hub/dev1/control/minChargePower")
}

func TestHandleRetainedControlMessage(t *testing.T) {
	p := &Policy{}
	p.HandleRetainedControlMessage("sunriseOffset", "45")
	require.NotNil(t, p.SunriseOffset)
	assert.Equal(t, 45*time.Minute, *p.SunriseOffset)

	p.HandleRetainedControlMessage("dischargeDuringDaytime", "true")
	require.NotNil(t, p.DischargeDuringDaytime)
	assert.True(t, *p.DischargeDuringDaytime)
}
