package timewindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEvictsStaleSamples(t *testing.T) {
	w := New(50 * time.Millisecond)
	w.Add(1)
	time.Sleep(70 * time.Millisecond)
	w.Add(2)
	require.Equal(t, 1, w.Len())
	require.Equal(t, float64(2), w.Last())
}

func TestAvgEmptyIsZero(t *testing.T) {
	w := New(time.Minute)
	assert.Equal(t, float64(0), w.Avg())
	assert.Equal(t, float64(0), w.Last())
	assert.Equal(t, float64(0), w.Previous())
}

func TestAvgAndWeightedAvg(t *testing.T) {
	w := New(time.Minute)
	for _, v := range []float64{10, 20, 30} {
		w.Add(v)
	}
	assert.InDelta(t, 20, w.Avg(), 0.0001)
	// wavg = (10*1 + 20*2 + 30*3) / 6 = 140/6
	assert.InDelta(t, 140.0/6.0, w.WAvg(), 0.0001)
	// qwavg = (10*1 + 20*4 + 30*9) / (1+4+9) = 360/14
	assert.InDelta(t, 360.0/14.0, w.QWAvg(), 0.0001)
}

func TestLastAndPrevious(t *testing.T) {
	w := New(time.Minute)
	w.Add(1)
	w.Add(2)
	assert.Equal(t, float64(2), w.Last())
	assert.Equal(t, float64(1), w.Previous())
}

func TestClearKeepsLast(t *testing.T) {
	w := New(time.Minute)
	w.Add(1)
	w.Add(2)
	w.Clear()
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, float64(2), w.Last())
}

func TestPopulateBacksFillConstant(t *testing.T) {
	w := New(time.Minute)
	w.Populate(20*time.Second, 500)
	assert.InDelta(t, 500, w.Avg(), 0.0001)
	assert.Equal(t, float64(500), w.Last())
	assert.GreaterOrEqual(t, w.Len(), 20)
}

func TestPredictFallsBackToLastBelowThreshold(t *testing.T) {
	w := New(time.Minute)
	w.Add(1)
	w.Add(2)
	assert.Equal(t, float64(2), w.Predict())
}

func TestPredictMonotoneSequenceRisesAboveLast(t *testing.T) {
	w := New(time.Minute)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Add(v)
	}
	predicted := w.Predict()
	assert.GreaterOrEqual(t, predicted, w.Last()-0.0001)
}
