// Package smartmeter implements the household smart-meter aggregation
// model: per-phase power tracking, rapid-change detection and trigger
// dispatch into the control engine.
package smartmeter

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryansname/solarflow-control/internal/metrics"
	"github.com/ryansname/solarflow-control/internal/timewindow"
)

// TriggerDiff is the minimum absolute change in smoothed power that
// causes a non-forced trigger of the engine's decision procedure.
const TriggerDiff = 10.0

// Publisher is the narrow slice of the bus adapter the model needs;
// injected at construction so this package never imports internal/bus.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool)
}

// Subscriber lets the model register the topics it wants delivered.
type Subscriber interface {
	Subscribe(topic string)
}

// TriggerFunc runs the engine's rate-limited decision procedure.
// It returns whether the procedure actually executed.
type TriggerFunc func(force bool) bool

// HubDischarge reports whether the hub is currently discharging the
// battery, used for the feed-in avoidance check in Update.
type HubDischarge func() bool

// Config parameterizes a Model.
type Config struct {
	BaseTopic       string
	CurAccessor     string // dotted path for nested numeric payloads, e.g. "Power.Power_curr"
	TotalAccessor   string
	RapidChangeDiff float64
	ZeroOffset      float64
	ScalingFactor   float64
}

// DefaultConfig mirrors the Python Smartmeter defaults.
func DefaultConfig(baseTopic string) Config {
	return Config{
		BaseTopic:       baseTopic,
		CurAccessor:     "Power.Power_curr",
		TotalAccessor:   "Power.Total_in",
		RapidChangeDiff: 500,
		ZeroOffset:      0,
		ScalingFactor:   1,
	}
}

// Model is the shared smart-meter aggregation state: §4.C of the
// control-engine design. Variant wrappers (VZLogger, Shelly3EM,
// Poweropti) configure topic subscription and message decoding but
// share this update logic.
type Model struct {
	mu sync.Mutex

	cfg         Config
	power       *timewindow.Window
	phaseValues map[string]float64

	lastTriggerValue float64
	pub              Publisher
	trigger          TriggerFunc
	hubDischarging   HubDischarge
	log              *log.Logger
}

// New constructs a Model. hubDischarging may be nil if feed-in
// avoidance is not wired (e.g. tests).
func New(cfg Config, pub Publisher, trigger TriggerFunc, hubDischarging HubDischarge) *Model {
	return &Model{
		cfg:            cfg,
		power:          timewindow.New(time.Minute),
		phaseValues:    make(map[string]float64),
		pub:            pub,
		trigger:        trigger,
		hubDischarging: hubDischarging,
		log:            log.New(log.Writer(), "[smartmeter] ", log.LstdFlags),
	}
}

// Ready reports whether at least one phase reading has been received.
func (m *Model) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.phaseValues) > 0
}

// GetPower returns the current smoothed power reading.
func (m *Model) GetPower() float64 { return m.power.Last() }

// GetPreviousPower returns the prior smoothed power reading.
func (m *Model) GetPreviousPower() float64 { return m.power.Previous() }

// ZeroOffset returns the configured grid-power zero offset.
func (m *Model) ZeroOffset() float64 { return m.cfg.ZeroOffset }

// deepGet walks a dotted key path through nested maps, mirroring
// utils.deep_get in the original source.
func deepGet(payload map[string]any, path string) (float64, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[key]
		if !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// HandleMessage decodes an inbound payload for the given topic and, if
// it belongs to this meter's base topic, updates the phase reading and
// runs Update. Malformed payloads and missing accessor paths are
// logged and dropped without triggering.
func (m *Model) HandleMessage(topic string, payload []byte) {
	if !strings.HasPrefix(topic, m.cfg.BaseTopic) || len(payload) == 0 {
		return
	}

	var numeric float64
	if f, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64); err == nil {
		numeric = f
	} else {
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			m.log.Printf("malformed payload on %s: %v", topic, err)
			return
		}
		v, ok := deepGet(obj, m.cfg.CurAccessor)
		if !ok {
			m.log.Printf("accessor %q not found in payload on %s", m.cfg.CurAccessor, topic)
			return
		}
		numeric = v
	}

	m.setPhase(topic, numeric*m.cfg.ScalingFactor)
}

// setPhase records a phase reading and runs the update algorithm.
func (m *Model) setPhase(phase string, value float64) {
	m.mu.Lock()
	m.phaseValues[phase] = value
	phaseSum := 0.0
	for _, v := range m.phaseValues {
		phaseSum += v
	}
	m.mu.Unlock()

	m.update(phaseSum)
}

// update implements §4.C steps 2-8: rapid-change detection, buffer
// population, publication and trigger dispatch.
func (m *Model) update(phaseSum float64) {
	forceTrigger := false
	diff := phaseSum - m.GetPower()

	if diff > m.cfg.RapidChangeDiff {
		m.log.Printf("rapid rise in demand detected (%.1fW), clearing buffer", diff)
		m.power.Populate(20*time.Second, phaseSum)
		forceTrigger = true
		metrics.RapidChangeDetected.Inc()
	}
	if diff < 0 && -diff > m.cfg.RapidChangeDiff {
		m.log.Printf("rapid drop in demand detected (%.1fW), clearing buffer", -diff)
		m.power.Populate(20*time.Second, phaseSum)
		forceTrigger = true
		metrics.RapidChangeDetected.Inc()
	}

	m.power.Add(phaseSum)

	if m.pub != nil {
		m.pub.Publish("solarflow-hub/smartmeter/homeUsage", []byte(strconv.Itoa(int(round(phaseSum)))), false)
		m.pub.Publish("solarflow-hub/smartmeter/homeUsageSmoothened", []byte(strconv.Itoa(int(round(m.power.Last())))), false)
	}

	previous := m.GetPreviousPower()
	current := m.GetPower()
	if abs(previous-current) >= TriggerDiff || forceTrigger {
		if m.trigger != nil {
			executed := m.trigger(forceTrigger)
			m.log.Printf("smartmeter triggers limit function: %.1f -> %.1f: executed=%v", previous, current, executed)
		}
		m.mu.Lock()
		m.lastTriggerValue = current
		m.mu.Unlock()
	}

	// feed-in avoidance: two consecutive negative (export) samples
	// while the hub is actively discharging re-triggers the decision
	// procedure so the engine can throttle the hub immediately.
	if current-m.cfg.ZeroOffset < 0 && previous-m.cfg.ZeroOffset < 0 {
		if m.hubDischarging != nil && m.hubDischarging() && m.trigger != nil {
			m.trigger(false)
		}
	}
}

func round(v float64) float64 {
	if v < 0 {
		return -round(-v)
	}
	return float64(int64(v + 0.5))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Subscribe registers the meter's base topic. Variants override this
// for multi-topic or polling-based acquisition.
func (m *Model) Subscribe(sub Subscriber) {
	sub.Subscribe(m.cfg.BaseTopic)
	m.log.Printf("subscribing: %s", m.cfg.BaseTopic)
}
