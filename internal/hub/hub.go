// Package hub implements the Zendure Solarflow battery+MPPT hub model:
// SoC bookkeeping, bypass mode, the charge-through FSM, full-charge
// interval enforcement and the rate-limited output-limit setter (§4.E).
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryansname/solarflow-control/internal/metrics"
	"github.com/ryansname/solarflow-control/internal/timewindow"
)

// BypassMode mirrors the hub's reported passMode property.
type BypassMode int

const (
	BypassAuto BypassMode = iota
	BypassManualOff
	BypassManualOn
)

// BatteryTarget is the hub's current charge/discharge intent.
type BatteryTarget int

const (
	BatteryIdle BatteryTarget = iota
	BatteryCharging
	BatteryDischarging
)

func (t BatteryTarget) String() string {
	switch t {
	case BatteryCharging:
		return "charging"
	case BatteryDischarging:
		return "discharging"
	default:
		return "idle"
	}
}

// ChargeThroughStage is the charge-through policy's FSM state.
type ChargeThroughStage int

const (
	CTIdle ChargeThroughStage = iota
	CTCharging
	CTDischarging
)

func (s ChargeThroughStage) String() string {
	switch s {
	case CTCharging:
		return "charging"
	case CTDischarging:
		return "discharging"
	default:
		return "idle"
	}
}

// Publisher is the narrow bus slice the model needs.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool)
}

// Subscriber lets the model register the topics it needs delivered.
type Subscriber interface {
	Subscribe(topic string)
}

// TriggerFunc runs the engine's rate-limited decision procedure.
type TriggerFunc func(force bool) bool

const staleSolarInputAfter = 120 * time.Second
const minOutputLimitInterval = 30 * time.Second
const solarInputTriggerDiff = 30.0

// Config parameterizes a Model.
type Config struct {
	ProductID               string
	DeviceID                string
	ControlBypass           bool
	ControlSoC              bool
	AllowFullCycle          bool
	Dryrun                  bool
	FullChargeIntervalHours int
}

// Model is the Solarflow hub state machine.
type Model struct {
	mu sync.Mutex

	cfg Config

	fwVersion string

	solarInput      *timewindow.Window
	outputPackPower float64
	packInputPower  float64
	outputHomePower float64

	bypass      bool
	bypassMode  BypassMode
	allowBypass bool

	electricLevel  int
	batterySoC     map[string]int
	batteryVoltage map[string]float64

	outputLimit     float64
	inverseMaxPower float64

	lastFullTS       time.Time
	lastEmptyTS      time.Time
	lastSolarInputTS time.Time
	lastLimitTS      time.Time

	batteryTarget      BatteryTarget
	chargeThrough      bool
	chargeThroughStage ChargeThroughStage
	pendingCTRequest   bool

	batteryTargetSoCMin int
	batteryTargetSoCMax int
	socLimitsKnown      bool
	batteryLow          int
	batteryHigh         int

	sunriseSoC       int
	sunsetSoC        int
	nightConsumption int

	fullChargeInterval time.Duration

	pub     Publisher
	trigger TriggerFunc
	log     *log.Logger
}

// New constructs a Model.
func New(cfg Config, pub Publisher, trigger TriggerFunc) *Model {
	interval := time.Duration(cfg.FullChargeIntervalHours) * time.Hour
	if interval == 0 {
		interval = 5 * 24 * time.Hour
	}
	return &Model{
		cfg:                cfg,
		solarInput:         timewindow.New(time.Minute),
		batterySoC:         make(map[string]int),
		batteryVoltage:     make(map[string]float64),
		allowBypass:        true,
		batteryLow:         10,
		batteryHigh:        98,
		fullChargeInterval: interval,
		pub:                pub,
		trigger:            trigger,
		log:                log.New(log.Writer(), "[hub] ", log.LstdFlags),
	}
}

// Ready reports whether the hub has reported a non-zero electric level
// or at least one solar-input sample.
func (m *Model) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.electricLevel > 0 || !m.lastSolarInputTS.IsZero()
}

// topicBase is the raw vendor telemetry root this hub reports on.
func (m *Model) topicBase() string {
	return fmt.Sprintf("/%s/%s/properties/report", m.cfg.ProductID, m.cfg.DeviceID)
}

func (m *Model) writeTopic() string {
	return fmt.Sprintf("iot/%s/%s/properties/write", m.cfg.ProductID, m.cfg.DeviceID)
}

func (m *Model) timeSyncTopic() string {
	return fmt.Sprintf("iot/%s/%s/time-sync/reply", m.cfg.ProductID, m.cfg.DeviceID)
}

func (m *Model) telemetryTopic(prop string) string {
	return fmt.Sprintf("solarflow-hub/%s/telemetry/%s", m.cfg.DeviceID, prop)
}

func (m *Model) controlTopic(setting string) string {
	return fmt.Sprintf("solarflow-hub/%s/control/%s", m.cfg.DeviceID, setting)
}

// Subscribe registers the hub's vendor and control topic tree.
func (m *Model) Subscribe(sub Subscriber) {
	sub.Subscribe(m.topicBase())
	sub.Subscribe(fmt.Sprintf("solarflow-hub/%s/control/+", m.cfg.DeviceID))
	m.log.Printf("subscribing: %s", m.topicBase())
}

type vendorReport struct {
	Properties map[string]any   `json:"properties"`
	PackData   []map[string]any `json:"packData"`
}

// HandleMessage parses inbound vendor properties reports, fanning each
// property out to its normalized telemetry topic and per-battery data
// to `.../batteries/{sn}/{prop}`, and applies the ones the model
// tracks directly. It also applies live control-topic updates under
// `solarflow-hub/{device}/control/*`, per §6/§9.
func (m *Model) HandleMessage(topic string, payload []byte) {
	if topic == m.topicBase() {
		m.handleVendorReport(payload)
		return
	}
	if param, ok := strings.CutPrefix(topic, fmt.Sprintf("solarflow-hub/%s/control/", m.cfg.DeviceID)); ok {
		m.handleControlMessage(param, string(payload))
		return
	}
	if strings.HasPrefix(topic, m.cfg.DeviceID) || strings.Contains(topic, "solarflow-hub") {
		m.checkStaleSolarInput()
	}
}

// handleControlMessage applies a single live control-topic update. Only
// the hub's own settings are handled here; the engine's Policy fields
// (minChargePower, sunriseOffset, ...) are handled separately by
// config.Policy.HandleRetainedControlMessage.
func (m *Model) handleControlMessage(param, value string) {
	switch param {
	case "chargeThrough":
		if b, err := strconv.ParseBool(value); err == nil {
			m.SetChargeThrough(b)
		}
	case "controlBypass":
		if b, err := strconv.ParseBool(value); err == nil {
			m.SetControlBypass(b)
		}
	case "dryRun":
		if b, err := strconv.ParseBool(value); err == nil {
			m.SetDryrun(b)
		}
	case "batteryTargetSoCMin":
		if n, err := strconv.Atoi(value); err == nil {
			m.UpdBatteryTargetSoCMin(n)
		}
	case "batteryTargetSoCMax":
		if n, err := strconv.Atoi(value); err == nil {
			m.UpdBatteryTargetSoCMax(n)
		}
	case "fullChargeInterval":
		if n, err := strconv.Atoi(value); err == nil {
			m.UpdFullChargeInterval(n)
		}
	}
}

func (m *Model) checkStaleSolarInput() {
	m.mu.Lock()
	stale := !m.lastSolarInputTS.IsZero() && time.Since(m.lastSolarInputTS) > staleSolarInputAfter
	m.mu.Unlock()
	if stale {
		m.UpdSolarInput(0)
	}
}

func (m *Model) handleVendorReport(payload []byte) {
	var report vendorReport
	if err := json.Unmarshal(payload, &report); err != nil {
		m.log.Printf("malformed vendor report: %v", err)
		return
	}

	for k, v := range report.Properties {
		if m.pub != nil {
			m.pub.Publish(m.telemetryTopic(k), []byte(fmt.Sprintf("%v", v)), false)
		}
		m.applyProperty(k, v)
	}
	for _, pack := range report.PackData {
		sn, _ := pack["sn"].(string)
		if sn == "" {
			continue
		}
		for k, v := range pack {
			if k == "sn" {
				continue
			}
			if m.pub != nil {
				m.pub.Publish(fmt.Sprintf("solarflow-hub/%s/telemetry/batteries/%s/%s", m.cfg.DeviceID, sn, k), []byte(fmt.Sprintf("%v", v)), false)
			}
			m.applyBatteryProperty(sn, k, v)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (m *Model) applyProperty(name string, v any) {
	switch name {
	case "electricLevel":
		if f, ok := asFloat(v); ok {
			m.UpdElectricLevel(int(f))
		}
	case "solarInputPower":
		if f, ok := asFloat(v); ok {
			m.UpdSolarInput(f)
		}
	case "outputPackPower":
		if f, ok := asFloat(v); ok {
			m.mu.Lock()
			m.outputPackPower = f
			m.mu.Unlock()
		}
	case "packInputPower":
		if f, ok := asFloat(v); ok {
			m.mu.Lock()
			m.packInputPower = f
			m.mu.Unlock()
		}
	case "outputHomePower":
		if f, ok := asFloat(v); ok {
			m.mu.Lock()
			m.outputHomePower = f
			m.mu.Unlock()
		}
	case "passMode":
		if f, ok := asFloat(v); ok {
			m.applyBypassMode(BypassMode(int(f)))
		}
	case "masterSoftVersion", "fwVersion":
		if s, ok := v.(string); ok {
			m.mu.Lock()
			m.fwVersion = s
			m.mu.Unlock()
		}
	}
}

func (m *Model) applyBatteryProperty(sn, name string, v any) {
	f, ok := asFloat(v)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch name {
	case "socLevel", "soh", "soc":
		m.batterySoC[sn] = int(f)
	case "totalVol", "voltage":
		m.batteryVoltage[sn] = f
	}
}

// applyBypassMode implements the HUB2000 workaround documented as
// spec.md Open Question (a): bypassMode == manualOn is trusted as
// "bypass on" even if the hub separately reports bypass == false,
// because some firmware revisions only update bypassMode reliably.
func (m *Model) applyBypassMode(mode BypassMode) {
	m.mu.Lock()
	m.bypassMode = mode
	controlBypass := m.cfg.ControlBypass
	currentlyOff := m.bypassMode == BypassManualOff
	m.mu.Unlock()

	if mode == BypassManualOn {
		m.mu.Lock()
		m.bypass = true
		m.mu.Unlock()
	}
	if mode == BypassAuto && controlBypass && currentlyOff {
		m.SetBypass(false)
	}
}

// GetBypass reports the hub's effective bypass state, trusting
// bypassMode == manualOn over a stale bypass flag (HUB2000 quirk).
func (m *Model) GetBypass() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bypass || m.bypassMode == BypassManualOn
}

// GetElectricLevel returns the last reported battery SoC, 0..100.
func (m *Model) GetElectricLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.electricLevel
}

// GetSolarInputPower returns the smoothed solar input power.
func (m *Model) GetSolarInputPower() float64 { return m.solarInput.Last() }

// GetLimit returns the last commanded output limit.
func (m *Model) GetLimit() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputLimit
}

// GetInverseMaxPower returns the configured maximum inverse (discharge
// to inverter) power.
func (m *Model) GetInverseMaxPower() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inverseMaxPower
}

// ControlBypassEnabled reports whether this process is configured to
// manage hub bypass transitions at all.
func (m *Model) ControlBypassEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ControlBypass
}

// GetDischargePower returns the pack's current discharge power (0 if
// charging or idle), used by the smartmeter's feed-in avoidance check.
func (m *Model) GetDischargePower() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputPackPower > 0 {
		return m.outputPackPower
	}
	return 0
}

// GetNightConsumption returns the percentage of battery consumed
// overnight, computed at sunrise.
func (m *Model) GetNightConsumption() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nightConsumption
}

func (m *Model) batteryTargetString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batteryTarget.String()
}

// PublishBatteryTarget republishes the batteryTarget control topic
// retained, used both on internal transitions and explicitly at
// sunrise.
func (m *Model) PublishBatteryTarget(target BatteryTarget) {
	m.mu.Lock()
	changed := m.batteryTarget != target
	m.batteryTarget = target
	m.mu.Unlock()
	if changed && m.pub != nil {
		m.pub.Publish(m.controlTopic("batteryTarget"), []byte(target.String()), true)
	}
}

func (m *Model) setBatteryTarget(target BatteryTarget) {
	m.PublishBatteryTarget(target)
}

// UpdSolarInput appends a solar-input sample and fires the engine
// trigger if the change is significant, per §4.E.
func (m *Model) UpdSolarInput(v float64) {
	previous := m.solarInput.Last()
	m.solarInput.Add(v)
	m.mu.Lock()
	m.lastSolarInputTS = time.Now()
	m.mu.Unlock()

	if abs(previous-m.solarInput.Last()) >= solarInputTriggerDiff && m.trigger != nil {
		m.trigger(false)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// UpdElectricLevel runs the SoC state machine described in §4.E.
func (m *Model) UpdElectricLevel(v int) {
	m.mu.Lock()
	m.electricLevel = v
	batteryLow, batteryHigh := m.batteryLow, m.batteryHigh
	inChargeThrough := m.chargeThrough
	allowFullCycle := m.cfg.AllowFullCycle
	controlBypass := m.cfg.ControlBypass
	allowBypass := m.allowBypass
	m.mu.Unlock()

	switch {
	case v == 100:
		m.setBatteryTarget(BatteryDischarging)
		m.mu.Lock()
		m.lastFullTS = time.Now()
		m.mu.Unlock()
		if controlBypass && allowBypass {
			m.SetBypass(true)
			m.mu.Lock()
			m.allowBypass = false
			m.mu.Unlock()
		}
		if inChargeThrough {
			if allowFullCycle {
				m.mu.Lock()
				m.chargeThroughStage = CTDischarging
				m.mu.Unlock()
			} else {
				m.exitChargeThrough()
			}
		}
	case v >= batteryHigh && !inChargeThrough:
		m.setBatteryTarget(BatteryDischarging)
	case v == 0:
		m.setBatteryTarget(BatteryCharging)
		m.mu.Lock()
		m.lastEmptyTS = time.Now()
		m.mu.Unlock()
		m.exitChargeThrough()
	case v <= batteryLow && !inChargeThrough:
		m.setBatteryTarget(BatteryCharging)
	}
}

// SetBypass writes the hub's bypass mode and records local state.
func (m *Model) SetBypass(on bool) {
	m.mu.Lock()
	m.bypass = on
	if on {
		m.bypassMode = BypassManualOn
	} else {
		m.bypassMode = BypassManualOff
	}
	dryrun := m.cfg.Dryrun
	m.mu.Unlock()
	if on {
		metrics.BypassTransitions.WithLabelValues("on").Inc()
	} else {
		metrics.BypassTransitions.WithLabelValues("off").Inc()
	}
	if !dryrun {
		m.writeProperty("passMode", int(boolToMode(on)))
	}
}

func boolToMode(on bool) BypassMode {
	if on {
		return BypassManualOn
	}
	return BypassManualOff
}

// AllowBypass toggles whether automatic bypass entry (at 100% SoC) is
// still permitted this cycle.
func (m *Model) AllowBypass(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowBypass = allow
}

// SetAutorecover writes the hub's autoRecover property.
func (m *Model) SetAutorecover(on bool) {
	m.writeProperty("autoRecover", on)
}

// SetBuzzer writes the hub's buzzerSwitch property.
func (m *Model) SetBuzzer(on bool) {
	m.writeProperty("buzzerSwitch", on)
}

// SetACMode forces AC output mode, part of the one-shot startup
// sequence supplemented from original_source's run().
func (m *Model) SetACMode() {
	m.writeProperty("pvBrand", 1)
}

// SetInverseMaxPower sets the maximum power the hub may feed to the
// inverter, clamped to a minimum of 100W.
func (m *Model) SetInverseMaxPower(w int) {
	if w < 100 {
		w = 100
	}
	m.mu.Lock()
	m.inverseMaxPower = float64(w)
	m.mu.Unlock()
	m.writeProperty("inverseMaxPower", w)
}

// SetBatteryHighSoC clamps level to 40..100 and, when SoC control is
// enabled, writes socSet = level*10.
func (m *Model) SetBatteryHighSoC(level int, temporary bool) {
	if level < 40 {
		level = 40
	}
	if level > 100 {
		level = 100
	}
	m.mu.Lock()
	if !temporary {
		m.batteryHigh = level
	}
	m.batteryTargetSoCMax = level
	m.socLimitsKnown = true
	controlSoC := m.cfg.ControlSoC
	m.mu.Unlock()
	if controlSoC {
		m.writeProperty("socSet", level*10)
	}
	m.reevaluatePendingChargeThrough()
}

// SetBatteryLowSoC clamps level to 0..60 and, when SoC control is
// enabled, writes minSoc = level*10.
func (m *Model) SetBatteryLowSoC(level int, temporary bool) {
	if level < 0 {
		level = 0
	}
	if level > 60 {
		level = 60
	}
	m.mu.Lock()
	if !temporary {
		m.batteryLow = level
	}
	m.batteryTargetSoCMin = level
	m.socLimitsKnown = true
	controlSoC := m.cfg.ControlSoC
	m.mu.Unlock()
	if controlSoC {
		m.writeProperty("minSoc", level*10)
	}
	m.reevaluatePendingChargeThrough()
}

// UpdBatteryTargetSoCMin handles a retained control-topic update for
// the configured low threshold.
func (m *Model) UpdBatteryTargetSoCMin(v int) {
	m.mu.Lock()
	m.batteryLow = v
	m.mu.Unlock()
}

// UpdBatteryTargetSoCMax handles a retained control-topic update for
// the configured high threshold.
func (m *Model) UpdBatteryTargetSoCMax(v int) {
	m.mu.Lock()
	m.batteryHigh = v
	m.mu.Unlock()
}

// UpdFullChargeInterval handles a retained control-topic update for
// the full-charge interval, in hours.
func (m *Model) UpdFullChargeInterval(hours int) {
	m.mu.Lock()
	m.fullChargeInterval = time.Duration(hours) * time.Hour
	m.mu.Unlock()
}

// SetControlBypass handles a retained control-topic update toggling
// whether this process manages bypass at all.
func (m *Model) SetControlBypass(enabled bool) {
	m.mu.Lock()
	m.cfg.ControlBypass = enabled
	m.mu.Unlock()
}

// SetDryrun handles a retained control-topic update toggling whether
// device-property writes are actually sent to the bus.
func (m *Model) SetDryrun(enabled bool) {
	m.mu.Lock()
	m.cfg.Dryrun = enabled
	m.mu.Unlock()
}

func (m *Model) writeProperty(name string, value any) {
	if m.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"properties": map[string]any{name: value}})
	m.pub.Publish(m.writeTopic(), payload, false)
}

// SetChargeThrough requests entry into (or exit from) the
// charge-through policy. Entry requires either explicit SoC control or
// the hub already reporting batteryTargetSoCMax == 100 (and, if full
// cycling is allowed, batteryTargetSoCMin == 0); if SoC limits are not
// yet known the request is queued and re-evaluated once they arrive.
func (m *Model) SetChargeThrough(enable bool) {
	if !enable {
		m.exitChargeThrough()
		return
	}

	m.mu.Lock()
	if !m.socLimitsKnown {
		m.pendingCTRequest = true
		m.mu.Unlock()
		m.log.Printf("charge-through requested before SoC limits known, queued")
		return
	}
	allowed := m.cfg.ControlSoC || (m.batteryTargetSoCMax == 100 && (!m.cfg.AllowFullCycle || m.batteryTargetSoCMin == 0))
	m.mu.Unlock()

	if !allowed {
		m.log.Printf("charge-through rejected: SoC control disallowed and observed limits disagree")
		return
	}
	m.enterChargeThrough()
}

func (m *Model) reevaluatePendingChargeThrough() {
	m.mu.Lock()
	pending := m.pendingCTRequest
	m.mu.Unlock()
	if pending {
		m.mu.Lock()
		m.pendingCTRequest = false
		m.mu.Unlock()
		m.SetChargeThrough(true)
	}
}

func (m *Model) enterChargeThrough() {
	m.mu.Lock()
	m.chargeThrough = true
	m.chargeThroughStage = CTCharging
	lowTarget := 0
	if !m.cfg.AllowFullCycle {
		lowTarget = m.batteryLow
	}
	m.mu.Unlock()
	m.setBatteryTarget(BatteryCharging)
	m.SetBatteryHighSoC(100, true)
	m.SetBatteryLowSoC(lowTarget, true)
	metrics.ChargeThroughTransitions.WithLabelValues(CTCharging.String()).Inc()
	if m.pub != nil {
		m.pub.Publish(m.controlTopic("chargeThroughState"), []byte(CTCharging.String()), true)
	}
}

func (m *Model) exitChargeThrough() {
	m.mu.Lock()
	wasActive := m.chargeThrough
	m.chargeThrough = false
	m.chargeThroughStage = CTIdle
	low, high := m.batteryLow, m.batteryHigh
	m.mu.Unlock()
	if wasActive {
		m.SetBatteryHighSoC(high, false)
		m.SetBatteryLowSoC(low, false)
		metrics.ChargeThroughTransitions.WithLabelValues(CTIdle.String()).Inc()
		if m.pub != nil {
			m.pub.Publish(m.controlTopic("chargeThroughState"), []byte(CTIdle.String()), true)
		}
	}
}

// InChargeThrough reports whether the charge-through policy is active.
func (m *Model) InChargeThrough() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeThrough
}

// BatteryTarget returns the hub's current charge/discharge intent.
func (m *Model) BatteryTarget() BatteryTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batteryTarget
}

// SetSunsetSoC records the battery level observed at sunset.
func (m *Model) SetSunsetSoC(level int) {
	m.mu.Lock()
	m.sunsetSoC = level
	m.mu.Unlock()
}

// SetSunriseSoC records the battery level observed at sunrise and
// derives the overnight consumption percentage.
func (m *Model) SetSunriseSoC(level int) {
	m.mu.Lock()
	m.sunriseSoC = level
	if m.sunsetSoC > 0 {
		m.nightConsumption = m.sunsetSoC - level
	}
	m.mu.Unlock()
}

// Timesync publishes a vendor time-sync reply with the given unix
// timestamp, called at sunrise per §4.E.
func (m *Model) Timesync(unixSeconds int64) {
	if m.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"zoneOffset": "+00:00",
		"messageId":  123,
		"timestamp":  unixSeconds,
	})
	m.pub.Publish(m.timeSyncTopic(), payload, false)
}

// CheckChargeThrough evaluates the full-charge interval enforcement
// rule at sunrise: request charge-through if the interval has lapsed,
// is invalid, or would lapse before today's sunset (now plus
// expectedDaylight). A hub that has never reported a full charge also
// requests it.
func (m *Model) CheckChargeThrough(expectedDaylight time.Duration) {
	m.mu.Lock()
	lastFull := m.lastFullTS
	interval := m.fullChargeInterval
	m.mu.Unlock()

	if lastFull.IsZero() {
		m.SetChargeThrough(true)
		return
	}
	fullAge := time.Since(lastFull)
	if fullAge < 0 || fullAge > interval || fullAge+expectedDaylight > interval {
		m.SetChargeThrough(true)
	}
}

// SetOutputLimit is the rate-limited, quantized hub output set-point
// routine, §4.E. It returns the effective (possibly refused/forced)
// limit.
func (m *Model) SetOutputLimit(limitW float64) float64 {
	m.mu.Lock()
	if !m.lastLimitTS.IsZero() && time.Since(m.lastLimitTS) < minOutputLimitInterval {
		current := m.outputLimit
		m.mu.Unlock()
		return current
	}
	electricLevel := m.electricLevel
	inChargeThroughCharging := m.chargeThrough && m.batteryTarget == BatteryCharging
	previous := m.outputLimit
	m.mu.Unlock()

	if limitW < 0 {
		limitW = 0
	}
	if electricLevel == 0 {
		limitW = 0
	}
	if inChargeThroughCharging && limitW > 0 {
		limitW = 0
	}

	if limitW <= 100 {
		whole := int64(limitW / 30)
		rem := int64(limitW) % 30
		limitW = float64(30*whole + 30*(rem/15))
	}

	if limitW != previous {
		m.writeProperty("outputLimit", int(limitW))
	}
	m.mu.Lock()
	m.outputLimit = limitW
	m.lastLimitTS = time.Now()
	m.mu.Unlock()
	return limitW
}
