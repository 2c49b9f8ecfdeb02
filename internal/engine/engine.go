// Package engine implements the control engine's decision procedure,
// §4.F: the closed-loop computation of (inverter limit, hub limit)
// from current smart-meter, inverter and hub state, plus the shared
// trigger/rate-limit machinery that all three models invoke into.
// Grounded directly in
// original_source/src/solarflow/solarflow-control.py's
// limitHomeInput/getSFPowerLimit/getDirectPanelLimit/limit_callback.
package engine

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ryansname/solarflow-control/internal/hub"
	"github.com/ryansname/solarflow-control/internal/inverter"
	"github.com/ryansname/solarflow-control/internal/metrics"
)

// Clock resolves the current time and a day's sunrise/sunset, matching
// *sunclock.Clock's method set so production code can pass one
// directly while tests supply a fixed stand-in.
type Clock interface {
	Now() time.Time
	Times(date time.Time) (sunrise, sunset time.Time)
}

// HubModel is the slice of hub.Model the engine's decision procedure
// depends on.
type HubModel interface {
	Ready() bool
	GetBypass() bool
	SetBypass(bool)
	AllowBypass(bool)
	SetAutorecover(bool)
	ControlBypassEnabled() bool
	GetElectricLevel() int
	GetSolarInputPower() float64
	GetLimit() float64
	GetInverseMaxPower() float64
	SetOutputLimit(float64) float64
	SetSunsetSoC(int)
	SetSunriseSoC(int)
	GetNightConsumption() int
	Timesync(int64)
	PublishBatteryTarget(target hub.BatteryTarget)
	BatteryTarget() hub.BatteryTarget
	CheckChargeThrough(expectedDaylight time.Duration)
	GetDischargePower() float64
}

// InverterModel is the slice of inverter.Model the decision procedure
// depends on. OpenDTU/AhoyDTU satisfy it via their embedded *Model.
type InverterModel interface {
	Ready() bool
	GetLimit() float64
	GetCurrentACPower() float64
	GetEfficiency() float64
	GetDirectDCPowerValues() []float64
	GetHubDCPowerValues() []float64
	GetDirectDCPower() float64
	GetHubDCPower() float64
	GetDirectACPower() float64
	GetHubACPower() float64
	GetNrHubChannels() int
	GetNrDirectChannels() int
	GetNrProducingChannels() int
	GetNrTotalChannels() int
	GetChannelLimit() float64
	GetACLimit() float64
	IsWithin(value, target, band float64) bool
	HasPendingUpdate() bool
	SetLimit(limitW, gridPower float64, send inverter.LimitSender) float64
}

// SmartmeterModel is the slice of smartmeter.Model the decision
// procedure depends on.
type SmartmeterModel interface {
	Ready() bool
	GetPower() float64
	ZeroOffset() float64
}

// Policy holds the control engine's configurable policy surface,
// §3's "Control engine" field list.
type Policy struct {
	MinChargePower         float64
	MaxDischargePower      float64
	MaxInverterLimit       float64
	InverterStartLimit     float64
	SunriseOffset          time.Duration
	SunsetOffset           time.Duration
	BatteryLow             int
	BatteryHigh            int
	BatteryDischargeStart  int
	DischargeDuringDaytime bool
	SteeringInterval       time.Duration
}

// Snapshot is emitted after every executed decision-procedure run, for
// observability consumers (statusfeed, metrics, logging).
type Snapshot struct {
	At            time.Time
	Demand        float64
	HubLimit      float64
	InverterLimit float64
	Bypass        bool
	ElectricLevel int
}

// Engine owns the hub/inverter/smartmeter models and the sun clock,
// and runs the rate-limited decision procedure.
type Engine struct {
	mu sync.Mutex

	hub HubModel
	inv InverterModel
	smt SmartmeterModel
	sun Clock

	sendInverterLimit inverter.LimitSender

	policy Policy

	lastTriggerTS time.Time

	onDecision func(Snapshot)
	log        *log.Logger
}

// New constructs an Engine. sendInverterLimit publishes a resolved
// absolute limit to the inverter's flavor-specific control topic.
func New(hub HubModel, inv InverterModel, smt SmartmeterModel, sun Clock, policy Policy, sendInverterLimit inverter.LimitSender) *Engine {
	return &Engine{
		hub:               hub,
		inv:               inv,
		smt:               smt,
		sun:               sun,
		policy:            policy,
		sendInverterLimit: sendInverterLimit,
		log:               log.New(log.Writer(), "[engine] ", log.LstdFlags),
	}
}

// OnDecision registers a callback invoked with a Snapshot after every
// executed run of limitHomeInput.
func (e *Engine) OnDecision(fn func(Snapshot)) { e.onDecision = fn }

// UpdatePolicy replaces the engine's policy parameters.
// cmd/solarflow-control calls it once, after the retained-topic
// bootstrap; control-topic messages arriving later do not reach it.
func (e *Engine) UpdatePolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

func (e *Engine) currentPolicy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// limitedRise computes the per-step limited-growth ceiling used when
// ramping the inverter limit upward in low light, so the legal AC
// limit is approached asymptotically rather than stepped instantly.
func limitedRise(maxInverterLimit, startLimit, x float64) float64 {
	rise := maxInverterLimit - (maxInverterLimit-startLimit)*math.Exp(-maxInverterLimit/100000*x)
	return rise
}

func maxOf(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// getDirectPanelLimit computes the safe inverter limit for
// direct-connected panels, avoiding output over the legal AC limit.
// If the hub is in bypass it is treated as an additional direct panel.
func (e *Engine) getDirectPanelLimit() float64 {
	policy := e.currentPolicy()
	eff := e.inv.GetEfficiency() / 100
	directACPower := e.inv.GetDirectACPower()
	if e.hub.GetBypass() {
		directACPower += e.inv.GetHubACPower()
	}

	if directACPower < policy.MaxInverterLimit {
		dcValues := e.inv.GetDirectDCPowerValues()
		if e.hub.GetBypass() {
			dcValues = append(append([]float64(nil), dcValues...), e.inv.GetHubDCPowerValues()...)
		}
		maxDC := maxOf(dcValues)
		if e.smt.GetPower()-e.smt.ZeroOffset() < 0 {
			return math.Ceil(maxDC * eff)
		}
		return limitedRise(policy.MaxInverterLimit, policy.InverterStartLimit, maxDC*eff)
	}

	producing := e.inv.GetNrProducingChannels()
	if producing == 0 {
		return policy.MaxInverterLimit
	}
	return policy.MaxInverterLimit * float64(e.inv.GetNrHubChannels()) / float64(producing)
}

// getSFPowerLimit computes how much power the hub is willing to
// contribute given a requested demand, handling bypass transitions and
// the sunrise/sunset bookkeeping side effects described in §4.E/§4.F.
func (e *Engine) getSFPowerLimit(demand float64) float64 {
	policy := e.currentPolicy()
	electricLevel := e.hub.GetElectricLevel()
	solarPower := e.hub.GetSolarInputPower()

	now := e.sun.Now()
	sunrise, sunset := e.sun.Times(now)

	limit := e.hub.GetLimit()

	if e.hub.GetBypass() {
		outsideDaylightWindow := now.Before(sunrise.Add(policy.SunriseOffset)) || now.After(sunset.Add(-policy.SunsetOffset))
		if outsideDaylightWindow && e.hub.ControlBypassEnabled() && demand > solarPower {
			e.hub.AllowBypass(false)
			e.hub.SetBypass(false)
		} else {
			limit = e.hub.GetInverseMaxPower()
		}
	}

	if !e.hub.GetBypass() {
		if solarPower-demand > policy.MinChargePower {
			if solarPower-policy.MinChargePower < policy.MaxDischargePower {
				limit = math.Min(demand, policy.MaxDischargePower)
			} else {
				limit = math.Min(demand, solarPower-policy.MinChargePower)
			}
		}
		if solarPower-demand <= policy.MinChargePower {
			nightWindow := now.Before(sunrise.Add(policy.SunriseOffset)) || now.After(sunset.Add(-policy.SunsetOffset))
			if nightWindow || policy.DischargeDuringDaytime {
				inMorningGrace := now.After(sunrise) && now.Before(sunrise.Add(policy.SunriseOffset))
				if inMorningGrace && electricLevel <= policy.BatteryDischargeStart {
					limit = 0
				} else {
					limit = math.Min(demand, policy.MaxDischargePower)
				}
			} else {
				limit = math.Max(solarPower-policy.MinChargePower, 0)
			}
		}
		if demand < 0 {
			limit = 0
		}
	}

	e.handleSunriseSunset(now, sunrise, sunset, electricLevel)

	return limit
}

const sunEventWindow = 3 * time.Minute

func (e *Engine) handleSunriseSunset(now, sunrise, sunset time.Time, electricLevel int) {
	if now.After(sunset) && now.Before(sunset.Add(sunEventWindow)) {
		e.hub.SetSunsetSoC(electricLevel)
	}
	if now.After(sunrise) && now.Before(sunrise.Add(sunEventWindow)) {
		e.hub.SetSunriseSoC(electricLevel)
		e.log.Printf("good morning! consumed %d%% of the battery overnight", e.hub.GetNightConsumption())

		e.hub.Timesync(time.Now().Unix())
		e.hub.PublishBatteryTarget(hub.BatteryCharging)

		if e.hub.ControlBypassEnabled() {
			e.hub.AllowBypass(true)
			e.hub.SetBypass(false)
			e.hub.SetAutorecover(false)
		}

		daylight := sunset.Sub(sunrise)
		e.hub.CheckChargeThrough(daylight)
	}
}

const directPanelNoiseFloor = 10.0
const hubContributionAskFloor = 5.0
const safetyMargin = 10.0

// LimitHomeInput is the main decision-procedure step, §4.F. It is a
// no-op if any of hub/inverter/smartmeter is not yet ready.
func (e *Engine) LimitHomeInput() {
	if !(e.hub.Ready() && e.inv.Ready() && e.smt.Ready()) {
		return
	}

	policy := e.currentPolicy()
	eff := e.inv.GetEfficiency() / 100

	directPanelPower := e.inv.GetDirectDCPower() * eff
	if directPanelPower < directPanelNoiseFloor {
		directPanelPower = 0
	}
	hubPower := e.inv.GetHubDCPower() * eff
	gridPower := e.smt.GetPower() - e.smt.ZeroOffset()

	demand := gridPower + directPanelPower + hubPower
	remainder := gridPower
	hubAsk := hubPower + remainder
	if hubAsk < 0 {
		hubAsk = 0
	}

	var directLimit float64
	var hubLimit float64
	haveDirectLimit := false

	if directPanelPower > 0 {
		if demand < directPanelPower {
			directLimit = e.getDirectPanelLimit()
			haveDirectLimit = true
			hubLimit = e.hub.SetOutputLimit(0)
		} else {
			if hubAsk > hubContributionAskFloor {
				maxDirectAC := maxOf(e.inv.GetDirectDCPowerValues()) * eff
				if e.inv.IsWithin(maxDirectAC, e.inv.GetChannelLimit(), 10*float64(e.inv.GetNrTotalChannels())) {
					sfContribution := e.getSFPowerLimit(hubAsk)
					hubLimit = e.hub.GetLimit()
					if sfContribution < hubLimit {
						e.hub.SetOutputLimit(sfContribution)
					}
					directLimit = e.getDirectPanelLimit()
					haveDirectLimit = true
				} else {
					sfContribution := e.getSFPowerLimit(hubAsk)
					if sfContribution*eff+directPanelPower > e.inv.GetACLimit()*eff {
						sfContribution = e.inv.GetACLimit() - directPanelPower
					}
					maxDirectDC := maxOf(e.inv.GetDirectDCPowerValues()) * eff
					nHub := e.inv.GetNrHubChannels()
					if nHub > 0 && sfContribution/float64(nHub) >= maxDirectDC {
						if e.hub.GetBypass() {
							hubLimit = e.hub.SetOutputLimit(0)
						} else {
							hubLimit = e.hub.SetOutputLimit(e.hub.GetInverseMaxPower())
						}
						directLimit = sfContribution / float64(nHub)
						haveDirectLimit = true
					} else {
						if e.hub.GetBypass() {
							hubLimit = e.hub.SetOutputLimit(0)
						} else {
							hubLimit = e.hub.SetOutputLimit(sfContribution)
						}
						directLimit = e.getDirectPanelLimit()
						haveDirectLimit = true
					}
				}
			}
		}
	} else {
		sfContribution := e.getSFPowerLimit(hubAsk)
		hubLimit = e.hub.SetOutputLimit(e.hub.GetInverseMaxPower())
		nHub := e.inv.GetNrHubChannels()
		if nHub > 0 {
			directLimit = sfContribution / float64(nHub)
		}
		haveDirectLimit = true
	}

	var invLimit float64
	if haveDirectLimit {
		limit := directLimit
		if hubLimit > directLimit && directLimit > hubLimit-safetyMargin {
			limit = hubLimit - safetyMargin
		}
		if directLimit < hubLimit-safetyMargin && hubLimit < e.hub.GetInverseMaxPower() {
			limit = hubLimit - safetyMargin
		}
		invLimit = e.inv.SetLimit(limit, gridPower, e.sendInverterLimit)
	}

	if remainder < 0 {
		e.log.Printf("grid feed-in of %.1fW", -remainder)
	}

	snap := Snapshot{
		At:            time.Now(),
		Demand:        demand,
		HubLimit:      hubLimit,
		InverterLimit: invLimit,
		Bypass:        e.hub.GetBypass(),
		ElectricLevel: e.hub.GetElectricLevel(),
	}
	if e.onDecision != nil {
		e.onDecision(snap)
	}
	e.log.Printf("demand=%.1fW direct_panel=%.1fW hub_dc=%.1fW inverter_limit=%.1fW hub_limit=%.1fW",
		demand, directPanelPower, hubPower, invLimit, hubLimit)
}

// Trigger is the rate-limited shared callback invoked by the
// smartmeter, hub solar-input updates and DTU AC-power changes,
// mirroring limit_callback. It returns whether LimitHomeInput actually
// ran.
func (e *Engine) Trigger(force bool) bool {
	e.mu.Lock()
	policy := e.policy
	last := e.lastTriggerTS
	e.mu.Unlock()

	forcedLabel := func() string {
		if force {
			return "true"
		}
		return "false"
	}

	now := time.Now()
	if last.IsZero() {
		e.mu.Lock()
		e.lastTriggerTS = now
		e.mu.Unlock()
		metrics.TriggerInvocations.WithLabelValues(forcedLabel()).Inc()
		e.LimitHomeInput()
		return true
	}

	elapsed := now.Sub(last)
	if elapsed >= policy.SteeringInterval || force {
		if force && e.inv.HasPendingUpdate() {
			e.log.Printf("force update blocked due to pending DTU update")
			metrics.TriggerSkipped.Inc()
			return false
		}
		e.mu.Lock()
		e.lastTriggerTS = now
		e.mu.Unlock()
		metrics.TriggerInvocations.WithLabelValues(forcedLabel()).Inc()
		e.LimitHomeInput()
		return true
	}
	metrics.TriggerSkipped.Inc()
	return false
}

// SafetyNetLoop runs LimitHomeInput unconditionally every interval
// (120 seconds in cmd/solarflow-control) until ctx is cancelled, as a
// safety net independent of the trigger rate limit.
func (e *Engine) SafetyNetLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.LimitHomeInput()
		}
	}
}
