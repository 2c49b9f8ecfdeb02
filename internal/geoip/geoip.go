// Package geoip resolves approximate coordinates from the caller's
// public IP address, used only to seed the sun clock when LATITUDE
// and LONGITUDE are both unset. Grounded in
// original_source/src/solarflow/solarflow-control.py's MyLocation.
package geoip

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const lookupURL = "http://ip-api.com/json/"

type response struct {
	Query      string  `json:"query"`
	City       string  `json:"city"`
	RegionName string  `json:"regionName"`
	Country    string  `json:"country"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Lookup resolves (lat, lon) from the caller's public IP. On any
// failure it logs and returns (0, 0) rather than failing startup.
func Lookup(ctx context.Context) (lat, lon float64) {
	logger := log.New(log.Writer(), "[geoip] ", log.LstdFlags)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		logger.Printf("location lookup failed: %v", err)
		return 0, 0
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Printf("location lookup failed: %v", err)
		return 0, 0
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		logger.Printf("location lookup decode failed: %v", err)
		return 0, 0
	}

	logger.Printf("IP address: %s", r.Query)
	logger.Printf("location: %s, %s, %s", r.City, r.RegionName, r.Country)
	logger.Printf("coordinates: (lat: %.4f, lon: %.4f)", r.Lat, r.Lon)
	return r.Lat, r.Lon
}
