// Command solarflow-control runs the closed-loop control engine: it
// bridges a Zendure Solarflow hub, a microinverter DTU and a household
// smart meter over MQTT, and continuously computes safe inverter and
// hub output limits.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryansname/solarflow-control/internal/bus"
	"github.com/ryansname/solarflow-control/internal/config"
	"github.com/ryansname/solarflow-control/internal/engine"
	"github.com/ryansname/solarflow-control/internal/geoip"
	"github.com/ryansname/solarflow-control/internal/hub"
	"github.com/ryansname/solarflow-control/internal/inverter"
	"github.com/ryansname/solarflow-control/internal/metrics"
	"github.com/ryansname/solarflow-control/internal/smartmeter"
	"github.com/ryansname/solarflow-control/internal/statusfeed"
	"github.com/ryansname/solarflow-control/internal/sunclock"
)

// SafeGo launches a goroutine with panic recovery, calling cancel (which
// cancels ctx) if fn panics so the process shuts down rather than
// silently losing a worker.
func SafeGo(ctx context.Context, cancel context.CancelFunc, name string, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic in %s: %v", name, r)
				cancel()
			}
		}()
		fn(ctx)
	}()
}

// nChannels is the number of DC strings wired through the DTU; channel
// 1 is hub-fed, any remaining configured channels are direct panels.
const nChannels = 1

func main() {
	log.Println("starting solarflow-control...")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := bus.Connect(bus.Options{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUser,
		Password: cfg.MQTTPassword,
	})
	if err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}

	policyCfg := config.Bootstrap(client.Subscribe, client.OnMessage, cfg.DeviceID, 10*time.Second)
	cfg.Policy = *policyCfg
	cfg.ApplyFallbackDefaults(func(topic, value string) {
		client.Publish(topic, []byte(value), true)
	})

	lat, lon := cfg.Latitude, cfg.Longitude
	if lat == 0 && lon == 0 {
		lat, lon = geoip.Lookup(ctx)
	}
	sun := sunclock.New(lat, lon, cfg.Timezone)

	// trigger forwards to the engine's rate-limited Trigger once it
	// exists; the engine itself depends on the models constructed
	// below, so this indirection breaks the construction cycle.
	var engTrigger func(force bool) bool
	trigger := func(force bool) bool {
		if engTrigger == nil {
			return false
		}
		return engTrigger(force)
	}

	hubModel := hub.New(hub.Config{
		ProductID:      cfg.ProductID,
		DeviceID:       cfg.DeviceID,
		ControlBypass:  true,
		ControlSoC:     true,
		AllowFullCycle: false,
	}, client, trigger)

	sfChannels := map[int]bool{1: true}
	hubDischarging := func() bool { return hubModel.GetDischargePower() > 0 }

	var invModel engine.InverterModel
	var sendLimit inverter.LimitSender
	var invHandleMessage func(topic string, payload []byte)

	switch cfg.DTUType {
	case "AhoyDTU":
		dtu := inverter.NewAhoyDTU("ahoydtu", cfg.DeviceID, inverter.Config{
			ACLimit:    cfg.MaxInverterLimit,
			Efficiency: 95,
			SFChannels: sfChannels,
		}, client, trigger)
		dtu.Subscribe(client, nChannels)
		invModel, sendLimit, invHandleMessage = dtu, dtu.SendLimit, dtu.HandleMessage
	default:
		dtu := inverter.NewOpenDTU("opendtu", cfg.DeviceID, inverter.Config{
			ACLimit:    cfg.MaxInverterLimit,
			Efficiency: 95,
			SFChannels: sfChannels,
		}, client, trigger)
		dtu.Subscribe(client, nChannels)
		invModel, sendLimit, invHandleMessage = dtu, dtu.SendLimit, dtu.HandleMessage
	}

	var smtModel engine.SmartmeterModel
	var smtSubscribe func()
	var smtHandleMessage func(topic string, payload []byte)

	switch cfg.SmartmeterType {
	case "Shelly3EM":
		m := smartmeter.NewShelly3EM("shellies/shellyem3", smartmeter.TriggerDiff*50, 0, client, trigger, hubDischarging)
		smtModel, smtHandleMessage = m, m.HandleMessage
		smtSubscribe = func() { m.Subscribe(client) }
	case "VZLogger":
		m := smartmeter.NewVZLogger("vzlogger/data", smartmeter.TriggerDiff*50, 0, client, trigger, hubDischarging)
		smtModel, smtHandleMessage = m, m.HandleMessage
		smtSubscribe = func() { m.Subscribe(client) }
	case "Poweropti":
		m := smartmeter.NewPoweropti(cfg.PowerfoxUser, cfg.PowerfoxPassword, smartmeter.TriggerDiff*50, 0, client, trigger, hubDischarging)
		smtModel, smtHandleMessage = m, func(string, []byte) {}
		smtSubscribe = func() { m.Subscribe(client) }
		SafeGo(ctx, cancel, "poweropti-poll", func(ctx context.Context) { m.Start(ctx) })
	default:
		m := smartmeter.New(smartmeter.DefaultConfig("tele/smartmeter"), client, trigger, hubDischarging)
		smtModel, smtHandleMessage = m, m.HandleMessage
		smtSubscribe = func() { m.Subscribe(client) }
	}

	eng := engine.New(hubModel, invModel, smtModel, sun, engine.Policy{
		MaxInverterLimit:      cfg.MaxInverterLimit,
		InverterStartLimit:    cfg.InverterStartLimit,
		BatteryDischargeStart: cfg.BatteryDischargeStart,
		SteeringInterval:      cfg.SteeringInterval,
	}, sendLimit)
	engTrigger = eng.Trigger

	applyPolicy := func() {
		eng.UpdatePolicy(engine.Policy{
			MinChargePower:         *cfg.Policy.MinChargePower,
			MaxDischargePower:      *cfg.Policy.MaxDischargePower,
			MaxInverterLimit:       cfg.MaxInverterLimit,
			InverterStartLimit:     cfg.InverterStartLimit,
			SunriseOffset:          *cfg.Policy.SunriseOffset,
			SunsetOffset:           *cfg.Policy.SunsetOffset,
			BatteryLow:             *cfg.Policy.BatteryLow,
			BatteryHigh:            *cfg.Policy.BatteryHigh,
			BatteryDischargeStart:  cfg.BatteryDischargeStart,
			DischargeDuringDaytime: *cfg.Policy.DischargeDuringDaytime,
			SteeringInterval:       cfg.SteeringInterval,
		})
	}
	applyPolicy()

	feed := statusfeed.New()
	eng.OnDecision(func(snap engine.Snapshot) {
		metrics.HubLimit.Set(snap.HubLimit)
		metrics.InverterLimit.Set(snap.InverterLimit)
		metrics.BatterySoC.Set(float64(snap.ElectricLevel))
		feed.Publish(statusfeed.Snapshot{
			At:            snap.At,
			Demand:        snap.Demand,
			HubLimit:      snap.HubLimit,
			InverterLimit: snap.InverterLimit,
			Bypass:        snap.Bypass,
			ElectricLevel: snap.ElectricLevel,
			ChargeThrough: hubModel.InChargeThrough(),
		})
	})

	hubModel.Subscribe(client)
	smtSubscribe()

	client.OnMessage(func(topic string, payload []byte) {
		hubModel.HandleMessage(topic, payload)
		invHandleMessage(topic, payload)
		smtHandleMessage(topic, payload)
	})

	hubModel.SetACMode()
	hubModel.SetBuzzer(false)
	hubModel.SetInverseMaxPower(int(cfg.MaxInverterInput))

	SafeGo(ctx, cancel, "safety-net", func(ctx context.Context) {
		eng.SafetyNetLoop(ctx, 120*time.Second)
	})

	SafeGo(ctx, cancel, "metrics-server", func(ctx context.Context) {
		log.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	})

	SafeGo(ctx, cancel, "status-server", func(ctx context.Context) {
		mux := http.NewServeMux()
		mux.HandleFunc("/status", feed.Handler)
		log.Printf("status feed listening on %s", cfg.StatusAddr)
		if err := http.ListenAndServe(cfg.StatusAddr, mux); err != nil {
			log.Printf("status server stopped: %v", err)
		}
	})

	SafeGo(ctx, cancel, "discovery-republish", func(ctx context.Context) {
		vars := config.DiscoveryVars{ProductID: cfg.ProductID, DeviceID: cfg.DeviceID}
		sensors := []struct{ name, unit, class string }{
			{"electricLevel", "%", "battery"},
			{"solarInputPower", "W", "power"},
			{"outputLimit", "W", "power"},
		}
		publishDiscovery := func() {
			for _, s := range sensors {
				payload, err := json.Marshal(vars.HubSensorConfig(s.name, s.unit, s.class))
				if err != nil {
					log.Printf("discovery marshal failed for %s: %v", s.name, err)
					continue
				}
				client.Publish(config.DiscoveryTopic(cfg.DeviceID, s.name), payload, true)
			}
		}
		publishDiscovery()

		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publishDiscovery()
			}
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("shutting down...")
	case <-ctx.Done():
		log.Println("shutting down due to error...")
	}

	client.Disconnect(250)
}
