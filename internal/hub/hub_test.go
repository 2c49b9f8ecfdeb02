package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(topic string, payload []byte, retain bool) {
	f.published = append(f.published, topic)
}

func newTestHub() (*Model, *fakePublisher) {
	pub := &fakePublisher{}
	cfg := Config{ProductID: "73bkTV", DeviceID: "dev1", ControlBypass: true, ControlSoC: true}
	return New(cfg, pub, nil), pub
}

func TestElectricLevel100EntersDischargingAndBypass(t *testing.T) {
	m, _ := newTestHub()
	m.UpdElectricLevel(100)
	assert.Equal(t, BatteryDischarging, m.BatteryTarget())
	assert.True(t, m.GetBypass())
}

func TestElectricLevel0EntersChargingAndExitsChargeThrough(t *testing.T) {
	m, _ := newTestHub()
	m.mu.Lock()
	m.chargeThrough = true
	m.socLimitsKnown = true
	m.mu.Unlock()
	m.UpdElectricLevel(0)
	assert.Equal(t, BatteryCharging, m.BatteryTarget())
	assert.False(t, m.InChargeThrough())
}

func TestChargeThroughForcesZeroOutputLimitWhileCharging(t *testing.T) {
	m, _ := newTestHub()
	m.mu.Lock()
	m.chargeThrough = true
	m.batteryTarget = BatteryCharging
	m.electricLevel = 50
	m.mu.Unlock()

	got := m.SetOutputLimit(200)
	assert.Equal(t, float64(0), got)
}

func TestSetOutputLimitRateLimited(t *testing.T) {
	m, _ := newTestHub()
	m.mu.Lock()
	m.electricLevel = 50
	m.mu.Unlock()

	first := m.SetOutputLimit(90)
	second := m.SetOutputLimit(0)
	assert.Equal(t, first, second, "second call within 30s window should be refused and return current limit")
}

func TestSetOutputLimitQuantizes(t *testing.T) {
	m, _ := newTestHub()
	m.mu.Lock()
	m.electricLevel = 50
	m.mu.Unlock()

	got := m.SetOutputLimit(47) // divmod(47,30) = (1,17); 30*1 + 30*(17//15=1) = 60
	assert.Equal(t, float64(60), got)
}

func TestSetOutputLimitZeroWhenBatteryEmpty(t *testing.T) {
	m, _ := newTestHub()
	m.mu.Lock()
	m.electricLevel = 0
	m.mu.Unlock()
	got := m.SetOutputLimit(200)
	assert.Equal(t, float64(0), got)
}

func TestChargeThroughRequiresSoCLimitsKnownOrQueues(t *testing.T) {
	m, _ := newTestHub()
	m.cfg.ControlSoC = false
	m.SetChargeThrough(true)
	assert.False(t, m.InChargeThrough())

	m.SetBatteryHighSoC(100, false)
	m.SetBatteryLowSoC(0, false)
	require.True(t, m.InChargeThrough(), "queued request should be re-evaluated once SoC limits are known")
}

func TestSunriseComputesNightConsumption(t *testing.T) {
	m, _ := newTestHub()
	m.SetSunsetSoC(90)
	m.SetSunriseSoC(70)
	assert.Equal(t, 20, m.GetNightConsumption())
}

func TestCheckChargeThroughRequestsWhenIntervalLapsed(t *testing.T) {
	m, _ := newTestHub()
	m.cfg.ControlSoC = true
	m.mu.Lock()
	m.lastFullTS = time.Now().Add(-10 * 24 * time.Hour)
	m.fullChargeInterval = 5 * 24 * time.Hour
	m.socLimitsKnown = true
	m.mu.Unlock()

	m.CheckChargeThrough(8 * time.Hour)
	assert.True(t, m.InChargeThrough())
}
