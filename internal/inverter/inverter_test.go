package inverter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxPowerDiscoveryFixesAfterFiveConsistentEstimates(t *testing.T) {
	m := New(Config{ACLimit: 800, Efficiency: 95, SFChannels: map[int]bool{1: true}}, nil, nil)
	for i := 0; i < 5; i++ {
		m.UpdateLimitReport(400, 50) // 400/50*100 = 800
	}
	require.Equal(t, float64(800), m.MaxPower())
}

func TestMaxPowerDiscoveryIgnoresZeroRelative(t *testing.T) {
	m := New(Config{ACLimit: 800}, nil, nil)
	m.UpdateLimitReport(400, 0)
	assert.Equal(t, float64(0), m.MaxPower())
}

func TestChannelSplitDirectVsHub(t *testing.T) {
	m := New(Config{SFChannels: map[int]bool{1: true}}, nil, nil)
	m.UpdateChannelPower(0, 500)
	m.UpdateChannelPower(1, 300) // hub channel
	m.UpdateChannelPower(2, 200) // direct channel

	assert.Equal(t, []float64{200}, m.GetDirectDCPowerValues())
	assert.Equal(t, []float64{300}, m.GetHubDCPowerValues())
	assert.Equal(t, 1, m.GetNrDirectChannels())
	assert.Equal(t, 1, m.GetNrHubChannels())
}

func TestACChangeTriggersEngine(t *testing.T) {
	var forced bool
	m := New(Config{}, nil, func(force bool) bool {
		forced = force
		return true
	})
	m.UpdateChannelPower(0, 100)
	m.UpdateChannelPower(0, 140) // delta 40 >= 30W
	assert.True(t, forced)
}

func TestSetLimitClampsToMinimumSafeLimit(t *testing.T) {
	m := New(Config{ACLimit: 800}, nil, nil)
	var sent int
	got := m.SetLimit(0, 0, func(w int) { sent = w })
	assert.GreaterOrEqual(t, got, minSafeLimit)
	assert.GreaterOrEqual(t, sent, int(minSafeLimit))
}

func TestSetLimitCapsAtMaxPowerMargin(t *testing.T) {
	m := New(Config{ACLimit: 2000, SFChannels: map[int]bool{1: true, 2: true}}, nil, nil)
	m.UpdateChannelPower(1, 100)
	m.UpdateChannelPower(2, 100)
	for i := 0; i < 5; i++ {
		m.UpdateLimitReport(400, 50) // fixes maxPower = 800
	}
	got := m.SetLimit(1000, 0, func(w int) {})
	assert.LessOrEqual(t, got, 1.125*800)
}

func TestSetLimitDoesNotSendWhenUnreachable(t *testing.T) {
	m := New(Config{ACLimit: 800}, nil, nil)
	m.UpdateReachable(false)
	var sent bool
	m.SetLimit(50, 0, func(w int) { sent = true })
	assert.False(t, sent)
}

func TestSetLimitAcceptableOveragePreservesLimitWhenImporting(t *testing.T) {
	m := New(Config{ACLimit: 800}, nil, nil)
	m.UpdateChannelPower(0, 815) // 15W over, within 20W band
	var sent bool
	got := m.SetLimit(500, 50, func(w int) { sent = true }) // gridPower > 0 => importing
	assert.False(t, sent)
	assert.Equal(t, m.GetLimit(), got, "limitAbsolute should be held, not moved to the requested 500W")
}

func TestOpenDTULimitTopicAndFormat(t *testing.T) {
	o := NewOpenDTU("opendtu", "1234", Config{ACLimit: 800}, nil, nil)
	assert.Equal(t, "opendtu/1234/cmd/limit_nonpersistent_absolute", o.LimitTopic())
	assert.Equal(t, []byte("123"), o.FormatLimit(123))
}

func TestAhoyDTULimitTopicAndFormat(t *testing.T) {
	a := NewAhoyDTU("ahoydtu", "0", Config{ACLimit: 800}, nil, nil)
	assert.Equal(t, "ahoydtu/ctrl/limit/0", a.LimitTopic())
	assert.Equal(t, []byte("123W"), a.FormatLimit(123))
}
