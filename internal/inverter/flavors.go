package inverter

import (
	"fmt"
	"strconv"
	"strings"
)

func parseFloatPayload(payload []byte) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	return f, err == nil
}

func parseBoolPayload(payload []byte) bool {
	s := strings.TrimSpace(strings.ToLower(string(payload)))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// OpenDTU wraps a Model with OpenDTU's topic schema: per-channel
// power under `<base>/<serial>/<ch>/power`, reachability and
// producing flags under `.../status/...`, and a plain-integer limit
// control topic.
type OpenDTU struct {
	*Model
	baseTopic string
	serial    string
	pub       Publisher
}

// NewOpenDTU constructs an OpenDTU-flavored inverter model.
func NewOpenDTU(baseTopic, serial string, cfg Config, pub Publisher, trigger TriggerFunc) *OpenDTU {
	cfg.BaseTopic = baseTopic
	return &OpenDTU{Model: New(cfg, pub, trigger), baseTopic: baseTopic, serial: serial, pub: pub}
}

func (o *OpenDTU) acPowerTopic() string        { return fmt.Sprintf("%s/%s/0/power", o.baseTopic, o.serial) }
func (o *OpenDTU) dcPowerTopic(ch int) string {
	return fmt.Sprintf("%s/%s/%d/power", o.baseTopic, o.serial, ch)
}
func (o *OpenDTU) reachableTopic() string { return fmt.Sprintf("%s/%s/status/reachable", o.baseTopic, o.serial) }
func (o *OpenDTU) producingTopic() string { return fmt.Sprintf("%s/%s/status/producing", o.baseTopic, o.serial) }
func (o *OpenDTU) limitAbsoluteTopic() string {
	return fmt.Sprintf("%s/%s/status/limit_absolute", o.baseTopic, o.serial)
}
func (o *OpenDTU) limitRelativeTopic() string {
	return fmt.Sprintf("%s/%s/status/limit_relative", o.baseTopic, o.serial)
}

// LimitTopic is the write topic for §6's OpenDTU control interface.
func (o *OpenDTU) LimitTopic() string {
	return fmt.Sprintf("%s/%s/cmd/limit_nonpersistent_absolute", o.baseTopic, o.serial)
}

// FormatLimit renders an OpenDTU limit payload: a plain integer, no
// unit suffix.
func (o *OpenDTU) FormatLimit(watts int) []byte {
	return []byte(strconv.Itoa(watts))
}

// Subscribe registers all OpenDTU telemetry topics for channels 0..n.
func (o *OpenDTU) Subscribe(sub Subscriber, nChannels int) {
	sub.Subscribe(o.acPowerTopic())
	for ch := 1; ch <= nChannels; ch++ {
		sub.Subscribe(o.dcPowerTopic(ch))
	}
	sub.Subscribe(o.reachableTopic())
	sub.Subscribe(o.producingTopic())
	sub.Subscribe(o.limitAbsoluteTopic())
	sub.Subscribe(o.limitRelativeTopic())
}

// SendLimit publishes watts to the OpenDTU control topic.
func (o *OpenDTU) SendLimit(watts int) {
	if o.pub != nil {
		o.pub.Publish(o.LimitTopic(), o.FormatLimit(watts), false)
	}
}

// HandleMessage routes an inbound OpenDTU telemetry message to the
// appropriate Model update, by exact topic match.
func (o *OpenDTU) HandleMessage(topic string, payload []byte) {
	switch topic {
	case o.acPowerTopic():
		if f, ok := parseFloatPayload(payload); ok {
			o.UpdateChannelPower(0, f)
		}
	case o.reachableTopic():
		o.UpdateReachable(parseBoolPayload(payload))
	case o.producingTopic():
		o.UpdateProducing(parseBoolPayload(payload))
	case o.limitAbsoluteTopic():
		if f, ok := parseFloatPayload(payload); ok {
			o.mu.Lock()
			o.limitAbsolute = f
			rel := o.limitRelative
			o.mu.Unlock()
			o.UpdateLimitReport(f, rel)
		}
	case o.limitRelativeTopic():
		if f, ok := parseFloatPayload(payload); ok {
			o.mu.Lock()
			abs := o.limitAbsolute
			o.mu.Unlock()
			o.UpdateLimitReport(abs, f)
		}
	default:
		if strings.HasPrefix(topic, o.baseTopic+"/"+o.serial+"/") {
			var ch int
			if _, err := fmt.Sscanf(topic, o.baseTopic+"/"+o.serial+"/%d/power", &ch); err == nil && ch > 0 {
				if f, ok := parseFloatPayload(payload); ok {
					o.UpdateChannelPower(ch, f)
				}
			}
		}
	}
}

// AhoyDTU wraps a Model with AhoyDTU's topic schema: per-channel power
// under `<base>/<id>/ch<n>/P_AC` or `P_DC`, availability under
// `<base>/<id>/available`, and a `"<int>W"`-suffixed limit topic keyed
// by inverter id rather than serial.
type AhoyDTU struct {
	*Model
	baseTopic string
	id        string
	pub       Publisher
}

// NewAhoyDTU constructs an AhoyDTU-flavored inverter model.
func NewAhoyDTU(baseTopic, id string, cfg Config, pub Publisher, trigger TriggerFunc) *AhoyDTU {
	cfg.BaseTopic = baseTopic
	return &AhoyDTU{Model: New(cfg, pub, trigger), baseTopic: baseTopic, id: id, pub: pub}
}

func (a *AhoyDTU) acPowerTopic() string { return fmt.Sprintf("%s/%s/ch0/P_AC", a.baseTopic, a.id) }
func (a *AhoyDTU) dcPowerTopic(ch int) string {
	return fmt.Sprintf("%s/%s/ch%d/P_DC", a.baseTopic, a.id, ch)
}
func (a *AhoyDTU) availableTopic() string { return fmt.Sprintf("%s/%s/available", a.baseTopic, a.id) }
func (a *AhoyDTU) limitSetTopic() string  { return fmt.Sprintf("%s/%s/limit_set", a.baseTopic, a.id) }

// LimitTopic is the write topic for §6's AhoyDTU control interface.
func (a *AhoyDTU) LimitTopic() string {
	return fmt.Sprintf("%s/ctrl/limit/%s", a.baseTopic, a.id)
}

// FormatLimit renders an AhoyDTU limit payload: an integer with a "W"
// unit suffix.
func (a *AhoyDTU) FormatLimit(watts int) []byte {
	return []byte(fmt.Sprintf("%dW", watts))
}

// Subscribe registers all AhoyDTU telemetry topics for channels 0..n.
func (a *AhoyDTU) Subscribe(sub Subscriber, nChannels int) {
	sub.Subscribe(a.acPowerTopic())
	for ch := 1; ch <= nChannels; ch++ {
		sub.Subscribe(a.dcPowerTopic(ch))
	}
	sub.Subscribe(a.availableTopic())
	sub.Subscribe(a.limitSetTopic())
}

// SendLimit publishes watts to the AhoyDTU control topic.
func (a *AhoyDTU) SendLimit(watts int) {
	if a.pub != nil {
		a.pub.Publish(a.LimitTopic(), a.FormatLimit(watts), false)
	}
}

// HandleMessage routes an inbound AhoyDTU telemetry message to the
// appropriate Model update, by exact topic match.
func (a *AhoyDTU) HandleMessage(topic string, payload []byte) {
	switch topic {
	case a.acPowerTopic():
		if f, ok := parseFloatPayload(payload); ok {
			a.UpdateChannelPower(0, f)
		}
	case a.availableTopic():
		a.UpdateReachable(parseBoolPayload(payload))
	default:
		prefix := a.baseTopic + "/" + a.id + "/ch"
		if strings.HasPrefix(topic, prefix) {
			var ch int
			if _, err := fmt.Sscanf(topic, prefix+"%d/P_DC", &ch); err == nil && ch > 0 {
				if f, ok := parseFloatPayload(payload); ok {
					a.UpdateChannelPower(ch, f)
				}
			}
		}
	}
}
