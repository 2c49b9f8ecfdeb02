package smartmeter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ryansname/solarflow-control/internal/timer"
)

// VZLogger subscribes to a single current-usage topic publishing a
// plain numeric payload.
type VZLogger struct {
	*Model
	topic string
}

// NewVZLogger builds a Model whose base topic is the VZLogger's single
// current-usage topic.
func NewVZLogger(topic string, rapidChangeDiff, zeroOffset float64, pub Publisher, trigger TriggerFunc, hubDischarging HubDischarge) *VZLogger {
	cfg := Config{BaseTopic: topic, RapidChangeDiff: rapidChangeDiff, ZeroOffset: zeroOffset, ScalingFactor: 1}
	return &VZLogger{Model: New(cfg, pub, trigger, hubDischarging), topic: topic}
}

// Subscribe registers the single VZLogger topic.
func (v *VZLogger) Subscribe(sub Subscriber) {
	sub.Subscribe(v.topic)
	v.log.Printf("VZLogger subscribing: %s", v.topic)
}

// Shelly3EM subscribes to the three per-phase emeter topics of a Shelly
// 3EM energy meter.
type Shelly3EM struct {
	*Model
	baseTopic string
}

// NewShelly3EM builds a Model rooted at baseTopic.
func NewShelly3EM(baseTopic string, rapidChangeDiff, zeroOffset float64, pub Publisher, trigger TriggerFunc, hubDischarging HubDischarge) *Shelly3EM {
	cfg := Config{BaseTopic: baseTopic, RapidChangeDiff: rapidChangeDiff, ZeroOffset: zeroOffset, ScalingFactor: 1}
	return &Shelly3EM{Model: New(cfg, pub, trigger, hubDischarging), baseTopic: baseTopic}
}

// Subscribe registers the three emeter phase topics.
func (s *Shelly3EM) Subscribe(sub Subscriber) {
	topics := []string{
		fmt.Sprintf("%s/emeter/0/power", s.baseTopic),
		fmt.Sprintf("%s/emeter/1/power", s.baseTopic),
		fmt.Sprintf("%s/emeter/2/power", s.baseTopic),
	}
	for _, t := range topics {
		sub.Subscribe(t)
		s.log.Printf("Shelly3EM subscribing: %s", t)
	}
}

// Poweropti polls the Powerfox cloud API on a repeating timer instead
// of subscribing to MQTT, per §4.C's Powerfox variant.
type Poweropti struct {
	*Model
	user, password string
	client         *http.Client
	poll           *timer.Repeating
}

const powerfoxAPI = "https://backend.powerfox.energy/api/2.0/my/main/current"

// NewPoweropti builds a Poweropti polling meter. Call Start to begin
// polling; Subscribe is a no-op since this variant uses HTTP, not MQTT.
func NewPoweropti(user, password string, rapidChangeDiff, zeroOffset float64, pub Publisher, trigger TriggerFunc, hubDischarging HubDischarge) *Poweropti {
	cfg := Config{BaseTopic: "poweropti", RapidChangeDiff: rapidChangeDiff, ZeroOffset: zeroOffset, ScalingFactor: 1}
	return &Poweropti{
		Model:    New(cfg, pub, trigger, hubDischarging),
		user:     user,
		password: password,
		client:   &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{}}},
	}
}

// Subscribe is a no-op: Poweropti acquires data over HTTP, not MQTT.
func (p *Poweropti) Subscribe(sub Subscriber) {}

// Start begins polling the Powerfox API every 5 seconds until ctx is
// cancelled.
func (p *Poweropti) Start(ctx context.Context) {
	p.poll = timer.New(5*time.Second, func() {
		if err := p.pollOnce(ctx); err != nil {
			p.log.Printf("powerfox poll failed: %v", err)
		}
	})
	go func() {
		<-ctx.Done()
		p.poll.Stop()
	}()
}

type powerfoxResponse struct {
	Watt     float64 `json:"Watt"`
	Outdated bool    `json:"Outdated"`
}

func (p *Poweropti) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, powerfoxAPI, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.user, p.password)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload powerfoxResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	p.setPhase("poweropti", payload.Watt)
	return nil
}
