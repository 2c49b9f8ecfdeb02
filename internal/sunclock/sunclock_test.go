package sunclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimesReturnsSunriseBeforeSunset(t *testing.T) {
	c := New(52.52, 13.405, "Europe/Berlin")
	date := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)
	sunrise, sunset := c.Times(date)
	assert.True(t, sunrise.Before(sunset))
}

func TestNewFallsBackToUTCOnUnknownZone(t *testing.T) {
	c := New(0, 0, "Not/AZone")
	assert.Equal(t, time.UTC, c.Location)
}
