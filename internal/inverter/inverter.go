// Package inverter implements the DTU (microinverter gateway) model:
// per-channel DC/AC power tracking, max-capacity auto-discovery and the
// AC-failsafe guarded setLimit routine (§4.D).
package inverter

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/ryansname/solarflow-control/internal/timewindow"
)

// Publisher is the narrow bus slice the model needs.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool)
}

// Subscriber lets the model register topics for delivery.
type Subscriber interface {
	Subscribe(topic string)
}

// TriggerFunc runs the engine's rate-limited decision procedure.
type TriggerFunc func(force bool) bool

// maxPowerSamples is the number of consecutive equal estimates
// required before maxPower discovery locks in, per §3.
const maxPowerSamples = 5

// acChangeTrigger is the AC-power delta (W) that forces a trigger.
const acChangeTrigger = 30.0

// withinRangeDefault is setLimit's default "close enough, don't
// republish" band.
const withinRangeDefault = 6.0

// minSafeLimit is the lowest limit ever sent to the inverter; some
// firmwares treat 0 as "turn off" rather than "minimum output".
const minSafeLimit = 10.0

// Config parameterizes a Model.
type Config struct {
	BaseTopic  string
	ACLimit    float64 // legal AC output cap, watts
	Efficiency float64 // DC->AC conversion efficiency, 0..100
	SFChannels map[int]bool
	Dryrun     bool
}

// Model is the shared DTU state, independent of OpenDTU/AhoyDTU wire
// format differences (those live in the OpenDTU/AhoyDTU wrappers in
// flavors.go).
type Model struct {
	mu sync.Mutex

	cfg Config

	acPower *timewindow.Window
	dcPower *timewindow.Window

	channelsDCPower []float64 // index 0 = AC total, 1..n = per-string DC
	maxPowerValues  []float64
	maxPower        float64
	maxPowerFixed   bool

	limitAbsolute float64
	limitRelative float64

	producing bool
	reachable bool

	lastLimitTimestamp time.Time
	acUpdateTS         time.Time
	lastTriggerValue   float64

	pub     Publisher
	trigger TriggerFunc
	log     *log.Logger
}

// New constructs a Model with a single AC channel slot (channel 0)
// pre-allocated.
func New(cfg Config, pub Publisher, trigger TriggerFunc) *Model {
	if cfg.Efficiency == 0 {
		cfg.Efficiency = 95
	}
	return &Model{
		cfg:             cfg,
		acPower:         timewindow.New(time.Minute),
		dcPower:         timewindow.New(time.Minute),
		channelsDCPower: make([]float64, 1),
		reachable:       true,
		pub:             pub,
		trigger:         trigger,
		log:             log.New(log.Writer(), "[inverter] ", log.LstdFlags),
	}
}

// Ready reports whether the model has received at least one AC reading.
func (m *Model) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.acUpdateTS.IsZero()
}

func (m *Model) growLocked(channel int) {
	for len(m.channelsDCPower) <= channel {
		m.channelsDCPower = append(m.channelsDCPower, 0)
	}
}

// UpdateChannelPower records a per-channel power reading. Channel 0 is
// the AC total; any |delta| >= 30W on channel 0 forces the engine
// trigger. Non-zero channels are DC string readings.
func (m *Model) UpdateChannelPower(channel int, value float64) {
	m.mu.Lock()
	m.growLocked(channel)
	previousAC := m.channelsDCPower[0]
	m.channelsDCPower[channel] = value
	isAC := channel == 0
	if isAC {
		m.acUpdateTS = time.Now()
	}
	m.mu.Unlock()

	if isAC {
		m.acPower.Add(value)
		if math.Abs(value-previousAC) >= acChangeTrigger {
			if m.trigger != nil {
				m.trigger(true)
			}
		}
	} else {
		m.dcPower.Add(value)
	}
}

// UpdateReachable records the inverter's reachability status.
func (m *Model) UpdateReachable(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = reachable
}

// UpdateProducing records whether the inverter reports active
// production.
func (m *Model) UpdateProducing(producing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producing = producing
}

// UpdateLimitReport feeds a (limitAbsolute, limitRelative) telemetry
// pair into max-capacity discovery. Once 5 consecutive estimates agree
// (rounded to the nearest 100W), maxPower is fixed permanently.
func (m *Model) UpdateLimitReport(limitAbsolute, limitRelative float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitAbsolute = limitAbsolute
	m.limitRelative = limitRelative

	if m.maxPowerFixed || limitRelative <= 0 {
		return
	}
	estimate := roundToHundred(limitAbsolute / limitRelative * 100)
	m.maxPowerValues = append(m.maxPowerValues, estimate)
	if len(m.maxPowerValues) > maxPowerSamples {
		m.maxPowerValues = m.maxPowerValues[len(m.maxPowerValues)-maxPowerSamples:]
	}
	if len(m.maxPowerValues) == maxPowerSamples && allEqual(m.maxPowerValues) {
		m.maxPower = m.maxPowerValues[0]
		m.maxPowerFixed = true
		m.log.Printf("max inverter capacity discovered: %.0fW", m.maxPower)
	}
}

func roundToHundred(v float64) float64 {
	return math.Round(v/100) * 100
}

func allEqual(vs []float64) bool {
	for _, v := range vs[1:] {
		if v != vs[0] {
			return false
		}
	}
	return true
}

// MaxPower returns the discovered max AC capacity, 0 if not yet fixed.
func (m *Model) MaxPower() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPower
}

// GetLimit returns the last commanded absolute limit.
func (m *Model) GetLimit() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitAbsolute
}

// GetCurrentACPower returns the most recent AC reading.
func (m *Model) GetCurrentACPower() float64 { return m.acPower.Last() }

// GetEfficiency returns the configured DC->AC efficiency percentage.
func (m *Model) GetEfficiency() float64 { return m.cfg.Efficiency }

// isDirectLocked reports whether channel index (1-based string index) is NOT
// fed by the hub.
func (m *Model) isDirectLocked(channel int) bool {
	return !m.cfg.SFChannels[channel]
}

// GetDirectDCPowerValues returns per-string DC readings for channels
// not fed by the hub.
func (m *Model) GetDirectDCPowerValues() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for ch := 1; ch < len(m.channelsDCPower); ch++ {
		if m.isDirectLocked(ch) {
			out = append(out, m.channelsDCPower[ch])
		}
	}
	return out
}

// GetHubDCPowerValues returns per-string DC readings for channels fed
// by the hub.
func (m *Model) GetHubDCPowerValues() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for ch := 1; ch < len(m.channelsDCPower); ch++ {
		if !m.isDirectLocked(ch) {
			out = append(out, m.channelsDCPower[ch])
		}
	}
	return out
}

func sum(vs []float64) float64 {
	var s float64
	for _, v := range vs {
		s += v
	}
	return s
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

// GetDirectDCPower is the summed DC power of direct-connected strings.
func (m *Model) GetDirectDCPower() float64 { return sum(m.GetDirectDCPowerValues()) }

// GetHubDCPower is the summed DC power of hub-fed strings.
func (m *Model) GetHubDCPower() float64 { return sum(m.GetHubDCPowerValues()) }

// GetDirectACPower converts direct DC power to AC terms via efficiency.
func (m *Model) GetDirectACPower() float64 {
	return m.GetDirectDCPower() * (m.GetEfficiency() / 100)
}

// GetHubACPower converts hub DC power to AC terms via efficiency.
func (m *Model) GetHubACPower() float64 {
	return m.GetHubDCPower() * (m.GetEfficiency() / 100)
}

// GetNrTotalChannels is the number of configured DC strings.
func (m *Model) GetNrTotalChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(len(m.channelsDCPower)-1, 0)
}

// GetNrDirectChannels is the number of direct (non-hub) DC strings.
func (m *Model) GetNrDirectChannels() int {
	return len(m.GetDirectDCPowerValues())
}

// GetNrHubChannels is the number of hub-fed DC strings.
func (m *Model) GetNrHubChannels() int {
	return len(m.GetHubDCPowerValues())
}

// GetNrProducingChannels is the number of DC strings currently
// reporting non-zero power.
func (m *Model) GetNrProducingChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ch := 1; ch < len(m.channelsDCPower); ch++ {
		if m.channelsDCPower[ch] > 0 {
			n++
		}
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsWithin reports whether value is within band of target.
func (m *Model) IsWithin(value, target, band float64) bool {
	return math.Abs(value-target) <= band
}

// GetChannelLimit is the per-channel share of the current absolute
// limit.
func (m *Model) GetChannelLimit() float64 {
	n := m.GetNrTotalChannels()
	if n == 0 {
		return 0
	}
	return m.GetLimit() / float64(n)
}

// GetACLimit returns the effective AC limit to reason about for a
// single channel's worth of power, scaled by how many channels are
// currently relevant: if no hub channel is contributing AC power, it
// is distributed across direct channels only; otherwise across
// currently-producing channels, per §4.D.
func (m *Model) GetACLimit() float64 {
	hubContributing := m.GetHubACPower() > 0
	total := m.GetNrTotalChannels()
	if total == 0 {
		return m.cfg.ACLimit
	}
	if !hubContributing {
		direct := m.GetNrDirectChannels()
		if direct == 0 {
			return m.cfg.ACLimit
		}
		return m.cfg.ACLimit / float64(direct) * float64(total)
	}
	producing := m.GetNrProducingChannels()
	if producing == 0 {
		return m.cfg.ACLimit
	}
	return m.cfg.ACLimit / float64(producing) * float64(total)
}

// HasPendingUpdate reports whether a just-sent limit has not yet been
// observed in a new AC reading, used by the engine to suppress forced
// re-triggers immediately after commanding a change.
func (m *Model) HasPendingUpdate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLimitTimestamp.After(m.acUpdateTS)
}

// LimitSender publishes the formatted limit payload to the flavor's
// control topic.
type LimitSender func(watts int)

// SetLimit is the guarded inverter set-point routine, §4.D. send is
// the flavor-specific publish call (nil means dry-run only). gridPower
// is the smart-meter's current grid reading minus its zero offset,
// used only to resolve the "acceptable AC overage" branch. It returns
// the effective limit after AC failsafe adjustment.
func (m *Model) SetLimit(limitW float64, gridPower float64, send LimitSender) float64 {
	m.mu.Lock()
	nChannels := max(len(m.channelsDCPower)-1, 1)
	maxPower := m.maxPower
	currentAC := m.acPower.Last()
	acLimit := m.cfg.ACLimit
	limitAbsolute := m.limitAbsolute
	reachable := m.reachable
	dryrun := m.cfg.Dryrun
	m.mu.Unlock()

	if limitW < minSafeLimit {
		limitW = minSafeLimit
	}

	invLimit := limitW * float64(nChannels)

	if maxPower > 0 {
		cap := 1.125 * maxPower
		if invLimit > cap {
			invLimit = cap
		}
	}
	if invLimit < minSafeLimit {
		invLimit = minSafeLimit
	}

	withinRange := withinRangeDefault
	if currentAC > acLimit {
		if math.Abs(currentAC-acLimit) <= 20 {
			// acceptable overage: if grid is still importing, the
			// overage is being absorbed by demand, so hold the
			// existing limit; only back off once we'd otherwise export.
			if gridPower > 0 {
				invLimit = limitAbsolute
			} else {
				invLimit = m.GetACLimit()
			}
			withinRange = 0
		} else {
			invLimit = m.GetACLimit()
			withinRange = 0
		}
	} else if currentAC < acLimit && math.Abs(currentAC-acLimit) <= 10 {
		invLimit = limitAbsolute + 2
		withinRange = 0
	}

	if math.Abs(invLimit-limitAbsolute) > withinRange && reachable {
		if !dryrun && send != nil {
			send(int(invLimit))
		}
		m.mu.Lock()
		m.limitAbsolute = invLimit
		m.lastLimitTimestamp = time.Now()
		m.mu.Unlock()
		m.log.Printf("setLimit: sending %.0fW (previous %.0fW)", invLimit, limitAbsolute)
	} else if !reachable {
		m.log.Printf("setLimit: inverter unreachable, not sending %.0fW", invLimit)
	} else {
		m.log.Printf("setLimit: %.0fW within band of current %.0fW, not resending", invLimit, limitAbsolute)
	}

	return invLimit
}
