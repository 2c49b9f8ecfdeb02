package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepeatingFiresMultipleTimes(t *testing.T) {
	var count int32
	r := New(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(55 * time.Millisecond)
	r.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}

func TestStopPreventsFurtherTicks(t *testing.T) {
	var count int32
	r := New(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(15 * time.Millisecond)
	r.Stop()
	after := atomic.LoadInt32(&count)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&count))
}
