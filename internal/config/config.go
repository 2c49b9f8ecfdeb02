// Package config loads CLI flags, environment variables and a .env
// file into the engine's runtime configuration, and drains retained
// MQTT control topics at startup so on-the-fly policy overrides
// persisted by a previous run take precedence, per spec.md's Design
// Notes on "Retained-topic configuration as source of truth" and
// original_source's on_config_message/updateConfigParams.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Policy holds the tunable control-engine parameters. Pointer fields
// track the original's `None` sentinel: unset until resolved from a
// retained topic or a fallback source, so Bootstrap can tell whether a
// value has already been decided.
type Policy struct {
	MinChargePower         *float64
	MaxDischargePower      *float64
	BatteryLow             *int
	BatteryHigh            *int
	DischargeDuringDaytime *bool
	SunriseOffset          *time.Duration
	SunsetOffset           *time.Duration
}

// Config is the fully resolved runtime configuration.
type Config struct {
	MQTTHost     string
	MQTTPort     int
	MQTTUser     string
	MQTTPassword string

	DeviceID  string
	ProductID string

	DTUType          string
	SmartmeterType   string
	PowerfoxUser     string
	PowerfoxPassword string

	Latitude  float64
	Longitude float64
	Timezone  string

	MaxInverterLimit    float64
	MaxInverterInput    float64
	InverterStartLimit  float64
	SteeringInterval    time.Duration
	BatteryDischargeStart int

	MetricsAddr string
	StatusAddr  string

	Policy Policy
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads an optional .env file, then CLI flags, then environment
// variables, mirroring src/main.go's godotenv.Load() followed by flag
// parsing, and main(argv)'s -b/-p/-u/-s/-d options.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, using environment variables")
	}

	fs := flag.NewFlagSet("solarflow-control", flag.ContinueOnError)
	broker := fs.String("broker", envStr("MQTT_HOST", ""), "MQTT broker host")
	fs.StringVar(broker, "b", *broker, "MQTT broker host (shorthand)")
	port := fs.Int("port", envInt("MQTT_PORT", 1883), "MQTT broker port")
	fs.IntVar(port, "p", *port, "MQTT broker port (shorthand)")
	user := fs.String("user", envStr("MQTT_USER", ""), "MQTT username")
	fs.StringVar(user, "u", *user, "MQTT username (shorthand)")
	password := fs.String("password", envStr("MQTT_PWD", ""), "MQTT password")
	fs.StringVar(password, "s", *password, "MQTT password (shorthand)")
	device := fs.String("device", envStr("SF_DEVICE_ID", ""), "Solarflow device id")
	fs.StringVar(device, "d", *device, "Solarflow device id (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *broker == "" {
		return nil, fmt.Errorf("no MQTT broker configured (env MQTT_HOST or --broker)")
	}
	if *device == "" {
		return nil, fmt.Errorf("no Solarflow device id configured (env SF_DEVICE_ID or --device)")
	}

	cfg := &Config{
		MQTTHost:     *broker,
		MQTTPort:     *port,
		MQTTUser:     *user,
		MQTTPassword: *password,

		DeviceID:  *device,
		ProductID: envStr("SF_PRODUCT_ID", "73bkTV"),

		DTUType:          envStr("DTU_TYPE", "OpenDTU"),
		SmartmeterType:   envStr("SMARTMETER_TYPE", "Smartmeter"),
		PowerfoxUser:     envStr("POWERFOX_USER", ""),
		PowerfoxPassword: envStr("POWERFOX_PASSWORD", ""),

		Latitude:  envFloat("LATITUDE", 0),
		Longitude: envFloat("LONGITUDE", 0),
		Timezone:  envStr("TIMEZONE", "Europe/Berlin"),

		MaxInverterLimit:      envFloat("MAX_INVERTER_LIMIT", 800),
		MaxInverterInput:      envFloat("MAX_INVERTER_INPUT", 400),
		InverterStartLimit:    5,
		SteeringInterval:      time.Duration(envInt("STEERING_INTERVAL", 15)) * time.Second,
		BatteryDischargeStart: envInt("BATTERY_DISCHARGE_START", 10),

		MetricsAddr: envStr("METRICS_ADDR", ":9100"),
		StatusAddr:  envStr("STATUS_ADDR", ":9101"),
	}

	return cfg, nil
}

// ApplyFallbackDefaults resolves any Policy field still unset (not
// provided by a retained topic) from environment variables, mirroring
// updateConfigParams's "only update if not already set from MQTT" rule.
// publish re-asserts each newly resolved value retained so it survives
// for the next process restart.
func (c *Config) ApplyFallbackDefaults(publish func(topic string, value string)) {
	controlTopic := func(name string) string {
		return fmt.Sprintf("solarflow-hub/%s/control/%s", c.DeviceID, name)
	}

	if c.Policy.DischargeDuringDaytime == nil {
		v := envBool("DISCHARGE_DURING_DAYTIME", false)
		c.Policy.DischargeDuringDaytime = &v
		log.Printf("updating DISCHARGE_DURING_DAYTIME from config to %v", v)
		publish(controlTopic("dischargeDuringDaytime"), strconv.FormatBool(v))
	}
	if c.Policy.SunriseOffset == nil {
		v := time.Duration(envInt("SUNRISE_OFFSET", 60)) * time.Minute
		c.Policy.SunriseOffset = &v
		log.Printf("updating SUNRISE_OFFSET from config to %v", v)
		publish(controlTopic("sunriseOffset"), strconv.Itoa(int(v.Minutes())))
	}
	if c.Policy.SunsetOffset == nil {
		v := time.Duration(envInt("SUNSET_OFFSET", 60)) * time.Minute
		c.Policy.SunsetOffset = &v
		log.Printf("updating SUNSET_OFFSET from config to %v", v)
		publish(controlTopic("sunsetOffset"), strconv.Itoa(int(v.Minutes())))
	}
	if c.Policy.MinChargePower == nil {
		v := envFloat("MIN_CHARGE_POWER", 0)
		c.Policy.MinChargePower = &v
		log.Printf("updating MIN_CHARGE_POWER from config to %vW", v)
		publish(controlTopic("minChargePower"), strconv.Itoa(int(v)))
	}
	if c.Policy.MaxDischargePower == nil {
		v := envFloat("MAX_DISCHARGE_POWER", 145)
		c.Policy.MaxDischargePower = &v
		log.Printf("updating MAX_DISCHARGE_POWER from config to %vW", v)
		publish(controlTopic("maxDischargePower"), strconv.Itoa(int(v)))
	}
	if c.Policy.BatteryLow == nil {
		v := envInt("BATTERY_LOW", 10)
		c.Policy.BatteryLow = &v
		log.Printf("updating BATTERY_LOW from config to %v%%", v)
		publish(controlTopic("batteryTargetSoCMin"), strconv.Itoa(v))
	}
	if c.Policy.BatteryHigh == nil {
		v := envInt("BATTERY_HIGH", 98)
		c.Policy.BatteryHigh = &v
		log.Printf("updating BATTERY_HIGH from config to %v%%", v)
		publish(controlTopic("batteryTargetSoCMax"), strconv.Itoa(v))
	}
}

// HandleRetainedControlMessage applies a single retained control-topic
// value observed during the startup bootstrap window, mirroring
// on_config_message. parameter is the topic's last path segment.
func (p *Policy) HandleRetainedControlMessage(parameter, value string) {
	switch parameter {
	case "sunriseOffset":
		if n, err := strconv.Atoi(value); err == nil {
			d := time.Duration(n) * time.Minute
			p.SunriseOffset = &d
		}
	case "sunsetOffset":
		if n, err := strconv.Atoi(value); err == nil {
			d := time.Duration(n) * time.Minute
			p.SunsetOffset = &d
		}
	case "minChargePower":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			p.MinChargePower = &f
		}
	case "maxDischargePower":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			p.MaxDischargePower = &f
		}
	case "dischargeDuringDaytime":
		if b, err := strconv.ParseBool(value); err == nil {
			p.DischargeDuringDaytime = &b
		}
	case "batteryTargetSoCMin":
		if n, err := strconv.Atoi(value); err == nil {
			p.BatteryLow = &n
		}
	case "batteryTargetSoCMax":
		if n, err := strconv.Atoi(value); err == nil {
			p.BatteryHigh = &n
		}
	}
}

// Bootstrap subscribes to the device's control topic tree and drains
// retained messages for window before returning, draining whatever the
// broker had retained from a previous run.
func Bootstrap(subscribe func(topic string), onMessage func(handler func(topic string, payload []byte)), deviceID string, window time.Duration) *Policy {
	p := &Policy{}
	subscribe(fmt.Sprintf("solarflow-hub/%s/control/+", deviceID))
	onMessage(func(topic string, payload []byte) {
		if len(payload) == 0 {
			return
		}
		parts := splitLast(topic)
		p.HandleRetainedControlMessage(parts, string(payload))
	})
	time.Sleep(window)
	return p
}

func splitLast(topic string) string {
	last := topic
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			last = topic[i+1:]
			break
		}
	}
	return last
}
