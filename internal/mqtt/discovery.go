//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"ledbar/internal/device"
	"ledbar/internal/engine"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/ledbar/d1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haLight is a JSON-schema light discovery payload.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	Device              haDevice `json:"device"`
}

// haBinarySensor is a binary_sensor discovery payload.
type haBinarySensor struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	Device            haDevice `json:"device"`
}

// topics derives every topic the bridge uses from its prefix.
type topics struct {
	prefix    string
	discovery string
}

func (t topics) availability() string { return t.prefix + "/bridge/state" }

func (t topics) motion() string { return t.prefix + "/motion" }

func (t topics) channel(id string) string { return t.prefix + "/channels/" + topicName(id) }

func (t topics) command(id string) string { return t.channel(id) + "/set" }

// commandFilter matches the command topic of every channel.
func (t topics) commandFilter() string { return t.prefix + "/channels/+/set" }

// channelFromCommand extracts the channel segment of a command topic.
func (t topics) channelFromCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/channels/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// topicName makes a channel id safe for use as one topic level.
func topicName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, id)
}

// nodeID returns the identifier for the HA device registry.
func nodeID(prefix string) string {
	name := strings.ToLower(prefix)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates one light per channel plus the motion sensor.
func buildDiscovery(st engine.Status, t topics, version string) []discoveryMsg {
	node := nodeID(t.prefix)
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "ledbar",
		Model:        fmt.Sprintf("%d-channel LED controller", len(st.Channels)),
		Name:         st.DeviceName,
		SWVersion:    version,
	}

	msgs := make([]discoveryMsg, 0, len(st.Channels)+1)
	for i := range st.Channels {
		msgs = append(msgs, buildLight(&st.Channels[i].Channel, t, node, haDev))
	}
	msgs = append(msgs, buildMotionSensor(t, node, haDev))
	return msgs
}

func buildLight(ch *device.Channel, t topics, node string, haDev haDevice) discoveryMsg {
	object := nodeID(ch.ID)
	payload := haLight{
		Name:                ch.DisplayName(),
		UniqueID:            node + "_" + object,
		Schema:              "json",
		StateTopic:          t.channel(ch.ID),
		CommandTopic:        t.command(ch.ID),
		AvailabilityTopic:   t.availability(),
		Brightness:          true,
		BrightnessScale:     device.MaxBrightness,
		SupportedColorModes: []string{"brightness"},
		Device:              haDev,
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("%s/light/%s/%s/config", t.discovery, node, object),
		Payload: mustJSON(payload),
	}
}

func buildMotionSensor(t topics, node string, haDev haDevice) discoveryMsg {
	payload := haBinarySensor{
		Name:              "Motion",
		UniqueID:          node + "_motion",
		StateTopic:        t.motion(),
		AvailabilityTopic: t.availability(),
		ValueTemplate:     "{{ 'ON' if value_json.motion else 'OFF' }}",
		DeviceClass:       "motion",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("%s/binary_sensor/%s/motion/config", t.discovery, node),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates empty retained messages that remove a
// channel's light from HA and clear its retained state.
func buildRemoveDiscovery(id string, t topics) []discoveryMsg {
	node := nodeID(t.prefix)
	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/light/%s/%s/config", t.discovery, node, nodeID(id))},
		{Topic: t.channel(id)},
	}
}

// channelState is the retained JSON published on a channel's state topic.
type channelState struct {
	State           string `json:"state"`
	Brightness      int    `json:"brightness"`
	ManualState     string `json:"manual_state"`
	ManualLevel     int    `json:"manual_brightness"`
	ScheduleEnabled bool   `json:"schedule_enabled"`
	SchedulerActive bool   `json:"scheduler_active"`
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func stateFor(ch engine.ChannelStatus) channelState {
	return channelState{
		State:           onOff(ch.Effective.State),
		Brightness:      ch.Effective.Brightness,
		ManualState:     onOff(ch.ManualState),
		ManualLevel:     ch.ManualBrightness,
		ScheduleEnabled: ch.ScheduleEnabled,
		SchedulerActive: ch.SchedulerActive,
	}
}

// setCommand is the JSON accepted on a channel's command topic.
type setCommand struct {
	State      *string  `json:"state"`
	Brightness *float64 `json:"brightness"`
}

// parseCommand converts a command payload into a manual command. Plain
// ON, OFF and TOGGLE payloads are accepted as well as JSON.
func parseCommand(channel string, payload []byte) (engine.ManualSet, error) {
	cmd := engine.ManualSet{ChannelID: channel}

	var sc setCommand
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(payload, &sc); err != nil {
			return cmd, fmt.Errorf("invalid command JSON: %w", err)
		}
	} else {
		sc.State = &raw
	}

	if sc.State != nil {
		switch strings.ToUpper(*sc.State) {
		case "ON":
			on := true
			cmd.State = &on
		case "OFF":
			off := false
			cmd.State = &off
		case "TOGGLE":
			cmd.Toggle = true
		default:
			return cmd, fmt.Errorf("invalid state %q", *sc.State)
		}
	}
	if sc.Brightness != nil {
		b := int(*sc.Brightness + 0.5)
		cmd.Brightness = &b
	}
	if cmd.State == nil && !cmd.Toggle && cmd.Brightness == nil {
		return cmd, fmt.Errorf("empty command")
	}
	return cmd, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
