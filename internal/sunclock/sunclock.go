// Package sunclock computes sunrise/sunset for a location and date,
// §4.H, wrapping github.com/sixdouglas/suncalc.
package sunclock

import (
	"time"

	"github.com/sixdouglas/suncalc"
)

// Clock resolves (sunrise, sunset) for a fixed location.
type Clock struct {
	Latitude  float64
	Longitude float64
	Location  *time.Location
}

// New constructs a Clock for the given coordinates and IANA timezone
// name (e.g. "Europe/Berlin"); falls back to UTC if the zone is
// unknown.
func New(lat, lon float64, tzName string) *Clock {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}
	return &Clock{Latitude: lat, Longitude: lon, Location: loc}
}

// Times returns (sunrise, sunset) for the given date, in the clock's
// configured timezone.
func (c *Clock) Times(date time.Time) (sunrise, sunset time.Time) {
	times := suncalc.GetTimes(date, c.Latitude, c.Longitude)
	sunrise = times["sunrise"].In(c.Location)
	sunset = times["sunset"].In(c.Location)
	return sunrise, sunset
}

// Now returns the current time in the clock's configured timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.Location)
}
