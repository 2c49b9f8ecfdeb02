package config

import "fmt"

// DiscoveryVars are the template variables available when rendering
// Home Assistant MQTT discovery payloads, per §6.
type DiscoveryVars struct {
	ProductID     string
	DeviceID      string
	FWVersion     string
	BatterySerial string
	BatteryIndex  int
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haEntityConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	ExpireAfter       int      `json:"expire_after,omitempty"`
	Device            haDevice `json:"device"`
}

const discoveryExpireAfter = 60 * 30

func (v DiscoveryVars) device() haDevice {
	return haDevice{
		Identifiers:  []string{fmt.Sprintf("solarflow-%s", v.DeviceID)},
		Name:         fmt.Sprintf("Solarflow Hub %s", v.DeviceID),
		Manufacturer: "Zendure",
		Model:        v.ProductID,
		SWVersion:    v.FWVersion,
	}
}

// HubSensorConfig renders the discovery payload for a hub-level sensor
// (e.g. electricLevel, solarInputPower, outputLimit).
func (v DiscoveryVars) HubSensorConfig(name, unit, deviceClass string) haEntityConfig {
	return haEntityConfig{
		Name:              fmt.Sprintf("Solarflow %s", name),
		UniqueID:          fmt.Sprintf("solarflow_%s_%s", v.DeviceID, name),
		StateTopic:        fmt.Sprintf("solarflow-hub/%s/telemetry/%s", v.DeviceID, name),
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		ExpireAfter:       discoveryExpireAfter,
		Device:            v.device(),
	}
}

// BatterySensorConfig renders the discovery payload for a per-battery
// sensor (e.g. per-cell SoC/voltage).
func (v DiscoveryVars) BatterySensorConfig(name, unit, deviceClass string) haEntityConfig {
	return haEntityConfig{
		Name:              fmt.Sprintf("Solarflow Battery %s %s", v.BatterySerial, name),
		UniqueID:          fmt.Sprintf("solarflow_%s_battery_%s_%s", v.DeviceID, v.BatterySerial, name),
		StateTopic:        fmt.Sprintf("solarflow-hub/%s/telemetry/batteries/%s/%s", v.DeviceID, v.BatterySerial, name),
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		ExpireAfter:       discoveryExpireAfter,
		Device:            v.device(),
	}
}

// DiscoveryTopic returns the retained config topic a sensor's payload
// is published on, per HA's MQTT discovery convention.
func DiscoveryTopic(deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/sensor/solarflow_%s/%s/config", deviceID, objectID)
}
