package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/solarflow-control/internal/hub"
	"github.com/ryansname/solarflow-control/internal/inverter"
	"github.com/ryansname/solarflow-control/internal/smartmeter"
)

type noopPublisher struct{}

func (noopPublisher) Publish(topic string, payload []byte, retain bool) {}

func noopTrigger(force bool) bool { return true }

// fakeClock pins "now" and the day's sunrise/sunset so getSFPowerLimit's
// daylight-window branching is deterministic in tests.
type fakeClock struct {
	now             time.Time
	sunrise, sunset time.Time
}

func (c fakeClock) Now() time.Time { return c.now }
func (c fakeClock) Times(time.Time) (time.Time, time.Time) {
	return c.sunrise, c.sunset
}

func testPolicy() Policy {
	return Policy{
		MinChargePower:         125,
		MaxDischargePower:      145,
		MaxInverterLimit:       800,
		InverterStartLimit:     5,
		SunriseOffset:          60 * time.Minute,
		SunsetOffset:           60 * time.Minute,
		BatteryLow:             10,
		BatteryHigh:            98,
		BatteryDischargeStart:  10,
		DischargeDuringDaytime: false,
		SteeringInterval:       15 * time.Second,
	}
}

func newTestHub(t *testing.T) *hub.Model {
	t.Helper()
	return hub.New(hub.Config{ProductID: "p", DeviceID: "d"}, noopPublisher{}, noopTrigger)
}

func newTestHubControllingBypass(t *testing.T) *hub.Model {
	t.Helper()
	return hub.New(hub.Config{ProductID: "p", DeviceID: "d", ControlBypass: true}, noopPublisher{}, noopTrigger)
}

func newTestInverter(t *testing.T, sfChannels map[int]bool) *inverter.Model {
	t.Helper()
	return inverter.New(inverter.Config{
		BaseTopic:  "inv",
		ACLimit:    800,
		Efficiency: 95,
		SFChannels: sfChannels,
	}, noopPublisher{}, noopTrigger)
}

func newTestSmartmeter(t *testing.T) *smartmeter.Model {
	t.Helper()
	return smartmeter.New(smartmeter.DefaultConfig("smartmeter"), noopPublisher{}, noopTrigger, nil)
}

func TestLimitedRiseApproachesCeilingAsXGrows(t *testing.T) {
	low := limitedRise(800, 5, 1)
	high := limitedRise(800, 5, 1_000_000)
	assert.Less(t, low, high)
	assert.InDelta(t, 800, high, 1)
	assert.GreaterOrEqual(t, low, 5.0)
}

func TestGetDirectPanelLimitUsesHubValuesWhenBypassed(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, map[int]bool{1: true}) // channel 1 is hub-fed
	smt := newTestSmartmeter(t)

	inv.UpdateChannelPower(0, 0)
	inv.UpdateChannelPower(1, 300)

	h.SetBypass(true)

	e := New(h, inv, smt, fakeClock{now: time.Now()}, testPolicy(), nil)
	limit := e.getDirectPanelLimit()
	assert.Greater(t, limit, 0.0)
}

func TestGetSFPowerLimitMorningGraceForcesZeroWhenBatteryLow(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)
	h.UpdElectricLevel(5)

	now := time.Date(2026, 6, 1, 6, 20, 0, 0, time.UTC)
	sunrise := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sunset := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

	e := New(h, inv, smt, fakeClock{now: now, sunrise: sunrise, sunset: sunset}, testPolicy(), nil)
	limit := e.getSFPowerLimit(200)
	assert.Equal(t, 0.0, limit)
}

// S1: sunrise+2h, solarInput=300W, grid=200W demand, SoC=60, bypass off.
func TestScenarioS1DaytimeDischargeFloor(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)
	h.UpdElectricLevel(60)

	sunrise := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sunset := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	now := sunrise.Add(2 * time.Hour)

	h.HandleMessage("/p/d/properties/report", []byte(`{"properties":{"solarInputPower":300}}`))

	e := New(h, inv, smt, fakeClock{now: now, sunrise: sunrise, sunset: sunset}, testPolicy(), nil)
	limit := e.getSFPowerLimit(200)
	assert.InDelta(t, 175, limit, 0.001)
}

// S2: noon, SoC reaches 100 with bypass control enabled and allowed,
// direct DC [200,200] (channels 2, 3), hub DC [400] (channel 1 hub-fed) => the hub
// auto-enters bypass, and getDirectPanelLimit then folds the hub's DC
// channel in alongside the direct ones.
func TestScenarioS2FullBatteryEntersBypassAndFoldsHubIntoDirectLimit(t *testing.T) {
	h := newTestHubControllingBypass(t)
	inv := newTestInverter(t, map[int]bool{1: true})
	smt := newTestSmartmeter(t)

	inv.UpdateChannelPower(1, 400)
	inv.UpdateChannelPower(2, 200)
	inv.UpdateChannelPower(3, 200)

	require.False(t, h.GetBypass())
	h.UpdElectricLevel(100)
	assert.True(t, h.GetBypass(), "reaching 100%% SoC should auto-enter bypass")

	e := New(h, inv, smt, fakeClock{now: time.Now()}, testPolicy(), nil)
	withBypass := e.getDirectPanelLimit()

	h.SetBypass(false)
	withoutBypass := e.getDirectPanelLimit()

	assert.Greater(t, withBypass, withoutBypass, "bypass should fold the hub's DC channel into the direct-panel limit")
}

// S3: night, solarInput=0, grid=300W demand, SoC=40, discharge-during-daytime=false.
func TestScenarioS3NightDischargeCapsAtMaxDischarge(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)
	h.UpdElectricLevel(40)

	sunrise := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sunset := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	now := sunset.Add(90 * time.Minute)

	e := New(h, inv, smt, fakeClock{now: now, sunrise: sunrise, sunset: sunset}, testPolicy(), nil)
	limit := e.getSFPowerLimit(300)
	assert.Equal(t, 145.0, limit)
}

// S4: before sunrise+offset (30 minutes after sunrise), SoC=5 <=
// BATTERY_DISCHARGE_START, demand=200W.
func TestScenarioS4PreSunriseLowBatteryBlocksDischarge(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)
	h.UpdElectricLevel(5)

	sunrise := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sunset := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	now := sunrise.Add(30 * time.Minute)

	e := New(h, inv, smt, fakeClock{now: now, sunrise: sunrise, sunset: sunset}, testPolicy(), nil)
	limit := e.getSFPowerLimit(200)
	assert.Equal(t, 0.0, limit)
}

// S5: charge-through active while charging forces setOutputLimit to publish 0.
func TestScenarioS5ChargeThroughChargingForcesZeroOutputLimit(t *testing.T) {
	h := newTestHub(t)
	// the request is queued until SoC limits are known; reporting them
	// re-evaluates and accepts it.
	h.SetChargeThrough(true)
	h.SetBatteryHighSoC(100, false)
	h.UpdElectricLevel(50) // neither 0 nor 100, leaves batteryTarget at charging-or-idle

	got := h.SetOutputLimit(200)
	assert.Equal(t, 0.0, got)
}

// S6: inverter AC=820W vs acLimit=800W (within the 20W acceptable-overage
// band), smart-meter still importing (+50W) => limit held, not backed off.
func TestScenarioS6AcceptableOverageHoldsLimitWhileImporting(t *testing.T) {
	inv := newTestInverter(t, nil)
	inv.UpdateChannelPower(0, 0)
	inv.UpdateLimitReport(400, 50)
	inv.UpdateChannelPower(0, 820)

	before := inv.GetLimit()
	got := inv.SetLimit(400, 50, nil)
	assert.Equal(t, before, got)
}

func TestTriggerSuppressesSecondCallWithinSteeringInterval(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)

	runs := 0
	e := New(h, inv, smt, fakeClock{now: time.Now()}, testPolicy(), nil)
	e.OnDecision(func(Snapshot) { runs++ })

	ran1 := e.Trigger(false)
	ran2 := e.Trigger(false)

	require.True(t, ran1)
	assert.False(t, ran2)
	// models are not Ready() so LimitHomeInput no-ops; runs stays 0
	// regardless, this asserts the rate limiter itself gates the call.
	assert.Equal(t, 0, runs)
}

func TestTriggerForceBypassesRateLimitUnlessPendingUpdate(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)

	e := New(h, inv, smt, fakeClock{now: time.Now()}, testPolicy(), nil)
	require.True(t, e.Trigger(false))
	assert.True(t, e.Trigger(true))
}

func TestLimitHomeInputNoopWhenModelsNotReady(t *testing.T) {
	h := newTestHub(t)
	inv := newTestInverter(t, nil)
	smt := newTestSmartmeter(t)

	runs := 0
	e := New(h, inv, smt, fakeClock{now: time.Now()}, testPolicy(), nil)
	e.OnDecision(func(Snapshot) { runs++ })

	e.LimitHomeInput()
	assert.Equal(t, 0, runs)
}
