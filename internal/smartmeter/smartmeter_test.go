package smartmeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(topic string, payload []byte, retain bool) {
	f.published = append(f.published, topic)
}

func TestHandleMessageNumericPayload(t *testing.T) {
	pub := &fakePublisher{}
	var triggered bool
	m := New(DefaultConfig("meter/phase1"), pub, func(force bool) bool {
		triggered = true
		return true
	}, nil)

	m.HandleMessage("meter/phase1", []byte("123.4"))

	require.True(t, m.Ready())
	assert.InDelta(t, 123.4, m.GetPower(), 0.01)
	assert.True(t, triggered)
}

func TestHandleMessageNestedAccessor(t *testing.T) {
	pub := &fakePublisher{}
	cfg := DefaultConfig("meter/vz")
	m := New(cfg, pub, func(force bool) bool { return true }, nil)

	m.HandleMessage("meter/vz", []byte(`{"Power":{"Power_curr":55.5}}`))

	assert.InDelta(t, 55.5, m.GetPower(), 0.01)
}

func TestHandleMessageMalformedPayloadDropped(t *testing.T) {
	pub := &fakePublisher{}
	triggerCalls := 0
	m := New(DefaultConfig("meter/phase1"), pub, func(force bool) bool {
		triggerCalls++
		return true
	}, nil)

	m.HandleMessage("meter/phase1", []byte("not json or number"))

	assert.False(t, m.Ready())
	assert.Equal(t, 0, triggerCalls)
}

func TestRapidChangeForcesTrigger(t *testing.T) {
	pub := &fakePublisher{}
	var lastForce bool
	cfg := DefaultConfig("meter/phase1")
	cfg.RapidChangeDiff = 100
	m := New(cfg, pub, func(force bool) bool {
		lastForce = force
		return true
	}, nil)

	m.HandleMessage("meter/phase1", []byte("10"))
	m.HandleMessage("meter/phase1", []byte("1000"))

	assert.True(t, lastForce)
	assert.InDelta(t, 1000, m.GetPower(), 0.01)
}

func TestFeedInAvoidanceRetriggersWhenHubDischarging(t *testing.T) {
	pub := &fakePublisher{}
	calls := 0
	discharging := true
	m := New(DefaultConfig("meter/phase1"), pub, func(force bool) bool {
		calls++
		return true
	}, func() bool { return discharging })

	m.HandleMessage("meter/phase1", []byte("-50"))
	m.HandleMessage("meter/phase1", []byte("-60"))

	// one regular trigger per sample (|delta| >= TriggerDiff), plus one
	// feed-in re-trigger for the second consecutive export sample.
	assert.Equal(t, 3, calls)
}
