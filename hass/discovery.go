// Package hass publishes sensor readings to Home Assistant over MQTT,
// including the discovery configuration that makes the sensors appear
// without any setup on the Home Assistant side.
package hass

import (
	"encoding/json"
	"strings"

	"github.com/calmh/soilpi"
)

const (
	Prefix       = "homeassistant"
	StatusTopic  = "soilpi/status"
	Manufacturer = "Catnip Electronics"
	Model        = "Chirp"

	online  = "online"
	offline = "offline"
)

// Message is an outgoing MQTT message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Config is the discovery payload for one sensor entity.
type Config struct {
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	UnitOfMeasure     string `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string `json:"value_template"`
	UniqueId          string `json:"unique_id"`
	ExpireAfter       uint   `json:"expire_after,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	DisplayPrecision  int    `json:"suggested_display_precision,omitempty"`
	Device            Device `json:"device"`
}

type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type entity struct {
	name        string
	deviceClass string
	category    string
	stateClass  string
	precision   int
}

var entities = map[chirp.Channel]entity{
	chirp.Moisture:    {name: "Moisture", deviceClass: "moisture", stateClass: "measurement", precision: 0},
	chirp.Temperature: {name: "Temperature", deviceClass: "temperature", stateClass: "measurement", precision: 1},
	chirp.Illuminance: {name: "Illuminance", deviceClass: "illuminance", stateClass: "measurement", precision: 0},
	chirp.Version:     {name: "Firmware", category: "diagnostic"},
}

// DeviceID returns the identifier used for a sensor in topics and unique
// IDs.
func DeviceID(sensor string) string {
	return "chirp_" + strings.ReplaceAll(strings.ToLower(sensor), " ", "_")
}

func StateTopic(sensor string) string {
	return Prefix + "/sensor/" + DeviceID(sensor) + "/state"
}

// Discovery returns the retained discovery messages for every channel
// enabled in cfg. Entities expire after expire seconds without a state
// update; zero disables expiry.
func Discovery(cfg chirp.Config, expire uint) ([]Message, error) {
	deviceID := DeviceID(cfg.Name)

	var res []Message
	for _, ch := range cfg.Channels().List() {
		e := entities[ch]
		key := ch.String()

		config := Config{
			Name:              e.name,
			DeviceClass:       e.deviceClass,
			EntityCategory:    e.category,
			StateTopic:        StateTopic(cfg.Name),
			AvailabilityTopic: StatusTopic,
			UnitOfMeasure:     ch.Unit(),
			ValueTemplate:     "{{ value_json." + key + " }}",
			UniqueId:          deviceID + "_" + key,
			ExpireAfter:       expire,
			StateClass:        e.stateClass,
			DisplayPrecision:  e.precision,
			Device: Device{
				Identifiers:  []string{deviceID},
				Name:         cfg.Name,
				Manufacturer: Manufacturer,
				Model:        Model,
			},
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return nil, err
		}
		res = append(res, Message{
			Topic:   Prefix + "/sensor/" + deviceID + "_" + key + "/config",
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	}
	return res, nil
}
